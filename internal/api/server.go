package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"OpenTrip-Agent/internal/agent"
	"OpenTrip-Agent/internal/chat"
	xerrors "OpenTrip-Agent/internal/errors"
	"OpenTrip-Agent/internal/session"
	"OpenTrip-Agent/internal/task"
)

// degradedReply 在模型暂不可用时兜底返回，避免直接向用户抛出内部错误。
const degradedReply = "I'm sorry, I'm having trouble reaching the travel planning service right now. Please try again in a moment."

// Server 负责暴露 REST 接口，对外提供同步对话与异步任务两类能力。
type Server struct {
	addr     string
	agent    *agent.Agent
	sessions *session.Manager
	tasks    *task.Service
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, ag *agent.Agent, sessions *session.Manager, tasks *task.Service) *Server {
	return &Server{addr: addr, agent: ag, sessions: sessions, tasks: tasks}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/chat", s.handleChat)
	mux.HandleFunc("/api/v1/tasks", s.handleTasks)
	mux.HandleFunc("/api/v1/tasks/stats", s.handleTaskStats)
	mux.HandleFunc("/api/v1/tasks/", s.handleTaskByID)

	// 配置 HTTP 服务器。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ChatRequest 是同步对话接口的请求体。SessionID 为空时开启新会话。
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// ChatResponse 是同步对话接口的响应体。
type ChatResponse struct {
	SessionID string         `json:"session_id"`
	Reply     string         `json:"reply"`
	Degraded  bool           `json:"degraded,omitempty"`
	History   []chat.Message `json:"history"`
}

// handleChat 处理一轮完整的对话:加载会话历史、运行编排循环、提交新转录。
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.agent == nil || s.sessions == nil {
		http.Error(w, "服务未初始化", http.StatusServiceUnavailable)
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message 不能为空", http.StatusBadRequest)
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = s.sessions.Create()
	}

	history, err := s.sessions.Begin(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	history = append(history, chat.User(req.Message))

	transcript, err := s.agent.Run(r.Context(), history)
	if err != nil {
		// 模型暂不可用时走降级路径:对话历史保留用户输入，
		// 下一次请求可以原样重试。
		if xerrors.CodeOf(err) == xerrors.CodeModelUnavailable {
			transcript = append(history, chat.Assistant(degradedReply))
			if commitErr := s.sessions.Commit(sessionID, transcript); commitErr != nil {
				writeError(w, commitErr)
				return
			}
			writeJSON(w, http.StatusOK, ChatResponse{
				SessionID: sessionID,
				Reply:     degradedReply,
				Degraded:  true,
				History:   transcript,
			})
			return
		}
		s.sessions.Abort(sessionID)
		writeError(w, err)
		return
	}

	if err := s.sessions.Commit(sessionID, transcript); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ChatResponse{
		SessionID: sessionID,
		Reply:     agent.Reply(transcript),
		History:   transcript,
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleSubmitTask 处理创建异步研究任务的请求。
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "任务服务未初始化", http.StatusServiceUnavailable)
		return
	}

	var req task.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	created, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "任务服务未初始化", http.StatusServiceUnavailable)
		return
	}

	results, err := s.tasks.List(r.Context(), parseListOptions(r)...)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, results)
}

// handleTaskStats 返回符合过滤条件的任务统计信息。
func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.tasks == nil {
		http.Error(w, "任务服务未初始化", http.StatusServiceUnavailable)
		return
	}

	stats, err := s.tasks.Stats(r.Context(), parseListOptions(r)...)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// parseListOptions 把查询参数翻译为任务过滤选项。
// 支持 limit、offset、status（逗号分隔）、query 与 order=asc。
func parseListOptions(r *http.Request) []task.ListOption {
	values := r.URL.Query()
	opts := make([]task.ListOption, 0, 5)

	if raw := values.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, task.WithLimit(parsed))
		}
	}
	if raw := values.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, task.WithOffset(parsed))
		}
	}
	if raw := values.Get("status"); raw != "" {
		statuses := make([]task.Status, 0, 4)
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if task.IsValidStatus(status) {
				statuses = append(statuses, status)
			}
		}
		if len(statuses) > 0 {
			opts = append(opts, task.WithStatuses(statuses...))
		}
	}
	if raw := values.Get("query"); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	if values.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	return opts
}

// handleTaskByID 查询单个任务的状态与结果。
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.tasks == nil {
		http.Error(w, "任务服务未初始化", http.StatusServiceUnavailable)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "任务 ID 非法", http.StatusBadRequest)
		return
	}

	result, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// writeError 将内部错误码映射为 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, task.ErrTaskConflict):
		status = http.StatusConflict
	default:
		switch xerrors.CodeOf(err) {
		case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
			status = http.StatusBadRequest
		case xerrors.CodeNotFound:
			status = http.StatusNotFound
		case xerrors.CodeConflict:
			status = http.StatusConflict
		case xerrors.CodeModelUnavailable:
			status = http.StatusServiceUnavailable
		case xerrors.CodeRunAborted:
			status = http.StatusUnprocessableEntity
		}
	}

	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(xerrors.CodeOf(err)),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	// 包装处理器以检查上下文状态。
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
