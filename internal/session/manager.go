package session

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"OpenTrip-Agent/internal/chat"
	xerrors "OpenTrip-Agent/internal/errors"
)

// Session 保存一个会话在进程生命周期内的对话状态。
// 历史只追加不修改；进程重启后会话不保留。
type Session struct {
	ID        string
	History   []chat.Message
	CreatedAt time.Time
	UpdatedAt time.Time
}

type entry struct {
	session Session
	busy    bool
}

// Manager 管理内存中的会话。每个会话的对话状态在一次运行期间
// 被独占，并发的第二次运行会被拒绝而不是共享状态。
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*entry
}

// NewManager 创建会话管理器。
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*entry)}
}

// Create 新建一个会话并返回其标识。
func (m *Manager) Create() string {
	id := uuid.NewString()
	now := time.Now()
	m.mu.Lock()
	m.sessions[id] = &entry{session: Session{ID: id, CreatedAt: now, UpdatedAt: now}}
	m.mu.Unlock()
	return id
}

// Begin 领取会话以开始一次运行，返回当前历史的副本。
// 会话不存在时返回 NOT_FOUND；已有运行在进行中时返回 CONFLICT。
func (m *Manager) Begin(id string) ([]chat.Message, error) {
	if strings.TrimSpace(id) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ent, ok := m.sessions[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "会话不存在: "+id)
	}
	if ent.busy {
		return nil, xerrors.New(xerrors.CodeConflict, "会话 "+id+" 已有运行在进行中")
	}
	ent.busy = true
	history := make([]chat.Message, len(ent.session.History))
	copy(history, ent.session.History)
	return history, nil
}

// Commit 写回一次运行产生的完整历史并释放会话。
// 历史只能增长，不允许回退。
func (m *Manager) Commit(id string, transcript []chat.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ent, ok := m.sessions[id]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "会话不存在: "+id)
	}
	if !ent.busy {
		return xerrors.New(xerrors.CodeConflict, "会话 "+id+" 未处于运行状态")
	}
	if len(transcript) < len(ent.session.History) {
		ent.busy = false
		return xerrors.New(xerrors.CodeInvalidArgument, "会话历史不允许回退")
	}
	ent.session.History = append([]chat.Message(nil), transcript...)
	ent.session.UpdatedAt = time.Now()
	ent.busy = false
	return nil
}

// Abort 释放会话而不写回历史，用于运行失败或被放弃的场景。
func (m *Manager) Abort(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ent, ok := m.sessions[id]; ok {
		ent.busy = false
	}
}

// Get 返回会话历史的副本。
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ent, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	clone := ent.session
	clone.History = append([]chat.Message(nil), ent.session.History...)
	return clone, true
}

// Len 返回当前会话数量。
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
