package chat

import (
	"fmt"
	"strings"

	xerrors "OpenTrip-Agent/internal/errors"
)

// Role 表示消息发送方的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// IsValidRole 检查给定的角色是否为支持的枚举值。
func IsValidRole(role Role) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	default:
		return false
	}
}

// ToolCall 描述助手消息中携带的一次工具调用请求。
// 由模型网关创建，工具执行器消费一次，过程中不可变。
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Message 是对话历史中的一个单元。
// 助手消息可以携带零个或多个待执行的工具调用；
// 工具消息必须通过 ToolCallID 对应上一条助手消息发出的调用标识。
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// System 构造系统指令消息。
func System(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// User 构造用户消息。
func User(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// Assistant 构造助手消息。
func Assistant(content string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// ToolResult 构造某次工具调用的结果消息。
func ToolResult(callID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID}
}

// HasToolCalls 判断消息是否携带待执行的工具调用。
// 编排器的状态转移完全依赖该判定。
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// ValidateHistory 检查历史序列的合法性：工具消息必须紧跟在发出
// 对应调用的助手消息之后，不允许出现孤立的工具结果，也不允许
// 历史以未解决的工具调用结尾。
func ValidateHistory(history []Message) error {
	pending := map[string]bool{}
	for i, msg := range history {
		if !IsValidRole(msg.Role) {
			return historyError(i, fmt.Sprintf("未知的消息角色 %q", msg.Role))
		}
		switch msg.Role {
		case RoleAssistant:
			pending = make(map[string]bool, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				if strings.TrimSpace(call.ID) == "" {
					return historyError(i, "工具调用缺少标识")
				}
				if pending[call.ID] {
					return historyError(i, "工具调用标识重复: "+call.ID)
				}
				pending[call.ID] = true
			}
		case RoleTool:
			if !pending[msg.ToolCallID] {
				return historyError(i, "工具结果没有对应的调用标识: "+msg.ToolCallID)
			}
			delete(pending, msg.ToolCallID)
		default:
			pending = map[string]bool{}
		}
	}
	if len(pending) > 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "历史以未解决的工具调用结尾")
	}
	return nil
}

func historyError(index int, reason string) error {
	return xerrors.New(xerrors.CodeInvalidArgument,
		fmt.Sprintf("历史消息[%d]非法: %s", index, reason))
}
