package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"OpenTrip-Agent/internal/chat"
	xerrors "OpenTrip-Agent/internal/errors"
	"OpenTrip-Agent/internal/tool"
)

// scriptedClient 依次返回预置的助手消息。
type scriptedClient struct {
	replies  []chat.Message
	err      error
	requests [][]chat.Message
}

func (s *scriptedClient) Chat(_ context.Context, messages []chat.Message, _ []tool.Definition) (*chat.Message, error) {
	snapshot := append([]chat.Message(nil), messages...)
	s.requests = append(s.requests, snapshot)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.replies) == 0 {
		return nil, errors.New("script exhausted")
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return &reply, nil
}

func testRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	registry := tool.NewRegistry()
	spec := tool.Spec{
		Name:        "flights_searcher",
		Description: "find flights",
		Schema: &tool.Schema{Fields: []tool.Field{
			{Name: "departure_id", Type: tool.TypeString},
			{Name: "arrival_id", Type: tool.TypeString},
		}},
		Run: func(_ context.Context, args tool.Args) (string, error) {
			return `{"route":"` + args.String("departure_id") + "-" + args.String("arrival_id") + `"}`, nil
		},
	}
	if err := registry.Register(spec); err != nil {
		t.Fatalf("register: %v", err)
	}
	return registry
}

func TestRunSingleStepTermination(t *testing.T) {
	client := &scriptedClient{replies: []chat.Message{chat.Assistant("Hello! Where would you like to go?")}}
	ag := New(client, testRegistry(t))

	transcript, err := ag.Run(context.Background(), []chat.Message{chat.User("hi")})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(transcript) != 2 {
		t.Fatalf("expected user+assistant, got %d messages", len(transcript))
	}
	if Reply(transcript) != "Hello! Where would you like to go?" {
		t.Fatalf("unexpected reply: %q", Reply(transcript))
	}

	// 系统指令只注入一次，且不出现在返回的历史中。
	if transcript[0].Role != chat.RoleUser {
		t.Fatalf("system prompt leaked into transcript: %+v", transcript[0])
	}
	sent := client.requests[0]
	if sent[0].Role != chat.RoleSystem {
		t.Fatalf("system prompt missing from gateway request")
	}
}

func TestRunToolLoop(t *testing.T) {
	call := chat.ToolCall{
		ID:        "call-1",
		Name:      "flights_searcher",
		Arguments: map[string]any{"departure_id": "JFK", "arrival_id": "LAX"},
	}
	client := &scriptedClient{replies: []chat.Message{
		chat.Assistant("", call),
		chat.Assistant("I found a JFK to LAX flight for you."),
	}}
	ag := New(client, testRegistry(t))

	transcript, err := ag.Run(context.Background(), []chat.Message{chat.User("flights from JFK to LAX")})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// user, assistant(calls), tool, assistant(final)
	if len(transcript) != 4 {
		t.Fatalf("unexpected transcript length %d", len(transcript))
	}
	if transcript[2].Role != chat.RoleTool || transcript[2].ToolCallID != "call-1" {
		t.Fatalf("tool result misplaced: %+v", transcript[2])
	}
	if !strings.Contains(transcript[2].Content, "JFK-LAX") {
		t.Fatalf("tool output missing: %q", transcript[2].Content)
	}

	// 第二次模型调用必须能看到工具结果。
	second := client.requests[1]
	if second[len(second)-1].Role != chat.RoleTool {
		t.Fatalf("tool result not forwarded to the gateway")
	}
}

func TestRunSystemPromptInjectedOnce(t *testing.T) {
	call := chat.ToolCall{ID: "c1", Name: "flights_searcher", Arguments: map[string]any{}}
	client := &scriptedClient{replies: []chat.Message{
		chat.Assistant("", call),
		chat.Assistant("done"),
	}}
	ag := New(client, testRegistry(t), WithSystemPrompt("you are a test agent"))

	if _, err := ag.Run(context.Background(), []chat.Message{chat.User("go")}); err != nil {
		t.Fatalf("run: %v", err)
	}
	for i, request := range client.requests {
		systems := 0
		for _, msg := range request {
			if msg.Role == chat.RoleSystem {
				systems++
			}
		}
		if systems != 1 {
			t.Fatalf("request %d carries %d system prompts", i, systems)
		}
		if request[0].Content != "you are a test agent" {
			t.Fatalf("request %d lost the custom prompt", i)
		}
	}
}

func TestRunAbortsAfterMaxTurns(t *testing.T) {
	call := chat.ToolCall{ID: "loop", Name: "flights_searcher", Arguments: map[string]any{}}
	replies := make([]chat.Message, 0, 8)
	for i := 0; i < 8; i++ {
		loopCall := call
		loopCall.ID = loopCall.ID + string(rune('0'+i))
		replies = append(replies, chat.Assistant("", loopCall))
	}
	client := &scriptedClient{replies: replies}
	ag := New(client, testRegistry(t), WithMaxTurns(3))

	transcript, err := ag.Run(context.Background(), []chat.Message{chat.User("never stop")})
	if err == nil {
		t.Fatal("expected abort error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeRunAborted {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}
	// 中止时仍返回已累积的转录:user + 3*(assistant+tool)。
	if len(transcript) != 7 {
		t.Fatalf("expected partial transcript, got %d messages", len(transcript))
	}
	if len(client.requests) != 3 {
		t.Fatalf("gateway called %d times, want 3", len(client.requests))
	}
}

func TestRunModelFailureMapping(t *testing.T) {
	client := &scriptedClient{err: errors.New("connection refused")}
	ag := New(client, testRegistry(t))

	_, err := ag.Run(context.Background(), []chat.Message{chat.User("hi")})
	if err == nil {
		t.Fatal("expected error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeModelUnavailable {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}
	if !xerrors.RetryableError(err) {
		t.Fatal("gateway failures should be retryable")
	}
}

func TestRunValidatesInputs(t *testing.T) {
	registry := testRegistry(t)
	client := &scriptedClient{replies: []chat.Message{chat.Assistant("ok")}}

	t.Run("empty history", func(t *testing.T) {
		_, err := New(client, registry).Run(context.Background(), nil)
		if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
		}
	})

	t.Run("invalid history", func(t *testing.T) {
		history := []chat.Message{chat.ToolResult("ghost", "{}")}
		_, err := New(client, registry).Run(context.Background(), history)
		if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
		}
	})

	t.Run("empty registry", func(t *testing.T) {
		_, err := New(client, tool.NewRegistry()).Run(context.Background(), []chat.Message{chat.User("hi")})
		if xerrors.CodeOf(err) != xerrors.CodeConfiguration {
			t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
		}
	})
}

func TestReply(t *testing.T) {
	if Reply(nil) != "" {
		t.Fatal("empty transcript should yield empty reply")
	}
	transcript := []chat.Message{
		chat.User("q"),
		chat.Assistant("draft"),
		chat.ToolResult("c", "{}"),
		chat.Assistant("final"),
	}
	if Reply(transcript) != "final" {
		t.Fatalf("unexpected reply: %q", Reply(transcript))
	}
}
