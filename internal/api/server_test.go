package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"OpenTrip-Agent/internal/agent"
	"OpenTrip-Agent/internal/chat"
	xerrors "OpenTrip-Agent/internal/errors"
	"OpenTrip-Agent/internal/llm"
	"OpenTrip-Agent/internal/session"
	"OpenTrip-Agent/internal/task"
	"OpenTrip-Agent/internal/tool"
)

// scriptedLLM 依次返回预置消息，脚本耗尽后报错。
type scriptedLLM struct {
	replies []chat.Message
	err     error
}

func (s *scriptedLLM) Chat(_ context.Context, _ []chat.Message, _ []tool.Definition) (*chat.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.replies) == 0 {
		return nil, xerrors.New(xerrors.CodeModelUnavailable, "script exhausted")
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return &reply, nil
}

func testAgent(t *testing.T, client llm.Client) *agent.Agent {
	t.Helper()
	registry := tool.NewRegistry()
	spec := tool.Spec{
		Name:        "flights_searcher",
		Description: "find flights",
		Schema:      &tool.Schema{},
		Run: func(_ context.Context, _ tool.Args) (string, error) {
			return "{}", nil
		},
	}
	if err := registry.Register(spec); err != nil {
		t.Fatalf("register: %v", err)
	}
	return agent.New(client, registry)
}

func newChatServer(t *testing.T, client llm.Client) (*Server, *session.Manager) {
	t.Helper()
	sessions := session.NewManager()
	queue := task.NewMemoryQueue(8)
	service := task.NewService(task.NewMemoryStore(), queue, 3)
	return NewServer(":0", testAgent(t, client), sessions, service), sessions
}

func TestHandleChatNewSession(t *testing.T) {
	server, sessions := newChatServer(t, &scriptedLLM{replies: []chat.Message{chat.Assistant("Where to?")}})

	body := strings.NewReader(`{"message":"I want to travel"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", body)
	rec := httptest.NewRecorder()
	server.handleChat(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body %s", rec.Code, rec.Body.String())
	}

	var resp ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SessionID == "" {
		t.Fatal("session id should be assigned")
	}
	if resp.Reply != "Where to?" {
		t.Fatalf("unexpected reply: %q", resp.Reply)
	}
	if len(resp.History) != 2 {
		t.Fatalf("unexpected history length: %d", len(resp.History))
	}

	stored, ok := sessions.Get(resp.SessionID)
	if !ok || len(stored.History) != 2 {
		t.Fatalf("history not committed: %+v", stored)
	}
}

func TestHandleChatContinuesSession(t *testing.T) {
	client := &scriptedLLM{replies: []chat.Message{
		chat.Assistant("Where to?"),
		chat.Assistant("Paris it is."),
	}}
	server, _ := newChatServer(t, client)

	first := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"message":"hi"}`))
	firstRec := httptest.NewRecorder()
	server.handleChat(firstRec, first)

	var firstResp ChatResponse
	if err := json.Unmarshal(firstRec.Body.Bytes(), &firstResp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	second := httptest.NewRequest(http.MethodPost, "/api/v1/chat",
		strings.NewReader(`{"session_id":"`+firstResp.SessionID+`","message":"Paris please"}`))
	secondRec := httptest.NewRecorder()
	server.handleChat(secondRec, second)

	var secondResp ChatResponse
	if err := json.Unmarshal(secondRec.Body.Bytes(), &secondResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if secondResp.SessionID != firstResp.SessionID {
		t.Fatal("session id should be stable")
	}
	// hi, assistant, Paris please, assistant
	if len(secondResp.History) != 4 {
		t.Fatalf("history should accumulate, got %d messages", len(secondResp.History))
	}
}

func TestHandleChatValidation(t *testing.T) {
	server, _ := newChatServer(t, &scriptedLLM{})

	t.Run("method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/chat", nil)
		rec := httptest.NewRecorder()
		server.handleChat(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("unexpected status: %d", rec.Code)
		}
	})

	t.Run("empty message", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"message":"  "}`))
		rec := httptest.NewRecorder()
		server.handleChat(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("unexpected status: %d", rec.Code)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/chat",
			strings.NewReader(`{"session_id":"ghost","message":"hi"}`))
		rec := httptest.NewRecorder()
		server.handleChat(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("unexpected status: %d", rec.Code)
		}
	})
}

func TestHandleChatDegradedMode(t *testing.T) {
	client := &scriptedLLM{err: xerrors.New(xerrors.CodeModelUnavailable, "gateway down")}
	server, sessions := newChatServer(t, client)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"message":"hi"}`))
	rec := httptest.NewRecorder()
	server.handleChat(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("degraded replies should still answer, got %d", rec.Code)
	}
	var resp ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Degraded || resp.Reply != degradedReply {
		t.Fatalf("unexpected degraded response: %+v", resp)
	}

	// 用户输入保留在历史中，便于恢复后重试。
	stored, _ := sessions.Get(resp.SessionID)
	if len(stored.History) != 2 || stored.History[0].Role != chat.RoleUser {
		t.Fatalf("history not preserved: %+v", stored.History)
	}
	// 会话未被占用。
	if _, err := sessions.Begin(resp.SessionID); err != nil {
		t.Fatalf("session should be free: %v", err)
	}
}

func TestTaskEndpoints(t *testing.T) {
	server, _ := newChatServer(t, &scriptedLLM{})

	submit := httptest.NewRequest(http.MethodPost, "/api/v1/tasks",
		strings.NewReader(`{"query":"3 days in Rome"}`))
	submitRec := httptest.NewRecorder()
	server.handleTasks(submitRec, submit)

	if submitRec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body %s", submitRec.Code, submitRec.Body.String())
	}
	var created task.Task
	if err := json.Unmarshal(submitRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" || created.Status != task.StatusPending {
		t.Fatalf("unexpected task: %+v", created)
	}

	detail := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+created.ID, nil)
	detailRec := httptest.NewRecorder()
	server.handleTaskByID(detailRec, detail)
	if detailRec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", detailRec.Code)
	}

	list := httptest.NewRequest(http.MethodGet, "/api/v1/tasks?limit=5", nil)
	listRec := httptest.NewRecorder()
	server.handleTasks(listRec, list)
	if listRec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", listRec.Code)
	}
	var tasks []*task.Task
	if err := json.Unmarshal(listRec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("unexpected list size: %d", len(tasks))
	}
}

func TestTaskListFiltersAndStats(t *testing.T) {
	server, _ := newChatServer(t, &scriptedLLM{})

	for _, query := range []string{"flights to tokyo", "hotels in paris", "flights to osaka"} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks",
			strings.NewReader(`{"query":"`+query+`"}`))
		rec := httptest.NewRecorder()
		server.handleTasks(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("submit %q: %d", query, rec.Code)
		}
	}

	t.Run("status and query filter", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks?status=pending&query=flights", nil)
		rec := httptest.NewRecorder()
		server.handleTasks(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status: %d", rec.Code)
		}
		var tasks []*task.Task
		if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(tasks) != 2 {
			t.Fatalf("expected 2 flight tasks, got %d", len(tasks))
		}
	})

	t.Run("status filter excludes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks?status=failed", nil)
		rec := httptest.NewRecorder()
		server.handleTasks(rec, req)
		var tasks []*task.Task
		if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(tasks) != 0 {
			t.Fatalf("no failed tasks expected, got %d", len(tasks))
		}
	})

	t.Run("pagination", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks?limit=2&offset=2&order=asc", nil)
		rec := httptest.NewRecorder()
		server.handleTasks(rec, req)
		var tasks []*task.Task
		if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(tasks) != 1 {
			t.Fatalf("expected the final page to hold one task, got %d", len(tasks))
		}
	})

	t.Run("stats", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/stats", nil)
		rec := httptest.NewRecorder()
		server.handleTaskStats(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status: %d", rec.Code)
		}
		var stats task.TaskStats
		if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if stats.Total != 3 || stats.Pending != 3 {
			t.Fatalf("unexpected stats: %+v", stats)
		}
	})

	t.Run("stats method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/stats", nil)
		rec := httptest.NewRecorder()
		server.handleTaskStats(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("unexpected status: %d", rec.Code)
		}
	})
}

func TestTaskEndpointErrors(t *testing.T) {
	server, _ := newChatServer(t, &scriptedLLM{})

	t.Run("empty query", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(`{"query":""}`))
		rec := httptest.NewRecorder()
		server.handleTasks(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("unexpected status: %d", rec.Code)
		}
	})

	t.Run("unknown task", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/ghost", nil)
		rec := httptest.NewRecorder()
		server.handleTaskByID(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("unexpected status: %d", rec.Code)
		}
	})

	t.Run("invalid id path", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/a/b", nil)
		rec := httptest.NewRecorder()
		server.handleTaskByID(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("unexpected status: %d", rec.Code)
		}
	})

	t.Run("detail method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/tasks/x", nil)
		rec := httptest.NewRecorder()
		server.handleTaskByID(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("unexpected status: %d", rec.Code)
		}
	})
}
