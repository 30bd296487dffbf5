package chat

import (
	"testing"

	xerrors "OpenTrip-Agent/internal/errors"
)

func TestHasToolCalls(t *testing.T) {
	plain := Assistant("final answer")
	if plain.HasToolCalls() {
		t.Fatal("assistant without calls should terminate the loop")
	}

	acting := Assistant("", ToolCall{ID: "call-1", Name: "flights_searcher"})
	if !acting.HasToolCalls() {
		t.Fatal("assistant with calls should continue the loop")
	}

	// 只有助手消息才能携带工具调用。
	odd := Message{Role: RoleUser, ToolCalls: []ToolCall{{ID: "call-2"}}}
	if odd.HasToolCalls() {
		t.Fatal("non-assistant messages never carry tool calls")
	}
}

func TestValidateHistoryAccepts(t *testing.T) {
	histories := map[string][]Message{
		"simple": {
			User("hello"),
			Assistant("hi"),
		},
		"tool exchange": {
			User("find flights"),
			Assistant("", ToolCall{ID: "c1", Name: "flights_searcher"}, ToolCall{ID: "c2", Name: "hotels_searcher"}),
			ToolResult("c1", "{}"),
			ToolResult("c2", "{}"),
			Assistant("here are your options"),
		},
		"multi round": {
			User("plan a trip"),
			Assistant("", ToolCall{ID: "c1", Name: "flights_searcher"}),
			ToolResult("c1", "{}"),
			Assistant("done"),
			User("and hotels?"),
			Assistant("", ToolCall{ID: "c2", Name: "hotels_searcher"}),
			ToolResult("c2", "{}"),
			Assistant("done again"),
		},
	}
	for name, history := range histories {
		if err := ValidateHistory(history); err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
	}
}

func TestValidateHistoryRejects(t *testing.T) {
	cases := map[string][]Message{
		"unknown role": {
			{Role: Role("robot"), Content: "hi"},
		},
		"orphan tool result": {
			User("hello"),
			ToolResult("ghost", "{}"),
		},
		"duplicate call id": {
			Assistant("", ToolCall{ID: "c1", Name: "a"}, ToolCall{ID: "c1", Name: "b"}),
		},
		"missing call id": {
			Assistant("", ToolCall{Name: "flights_searcher"}),
		},
		"unresolved trailing calls": {
			User("hello"),
			Assistant("", ToolCall{ID: "c1", Name: "flights_searcher"}),
		},
		"result after wrong assistant": {
			Assistant("", ToolCall{ID: "c1", Name: "a"}),
			ToolResult("c1", "{}"),
			Assistant("ok"),
			ToolResult("c1", "late duplicate"),
		},
	}
	for name, history := range cases {
		err := ValidateHistory(history)
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("%s: unexpected code %s", name, xerrors.CodeOf(err))
		}
	}
}
