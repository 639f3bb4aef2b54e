package normalize

import (
	"testing"

	"github.com/yansir/cc-relayer/internal/canon"
)

func TestNormalizeChatPassthrough(t *testing.T) {
	body := map[string]any{
		"model": "gpt-4o",
		"messages": []any{
			map[string]any{"role": "user", "content": "hello"},
		},
	}

	req := Normalize(body)

	if req.Model != "gpt-4o" {
		t.Fatalf("Model = %q", req.Model)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != canon.RoleUser {
		t.Fatalf("Messages = %+v", req.Messages)
	}
	if got, ok := req.Messages[0].Content.(string); !ok || got != "hello" {
		t.Fatalf("Content = %#v", req.Messages[0].Content)
	}
}

func TestNormalizeLegacyPromptString(t *testing.T) {
	body := map[string]any{"model": "gpt-3.5-turbo", "prompt": "say hi"}

	req := Normalize(body)

	if len(req.Messages) != 1 {
		t.Fatalf("Messages = %+v", req.Messages)
	}
	if got, _ := req.Messages[0].Content.(string); got != "say hi" {
		t.Fatalf("Content = %#v", req.Messages[0].Content)
	}
}

func TestNormalizeEmptyBodyProducesPlaceholderMessage(t *testing.T) {
	req := Normalize(map[string]any{"model": "gpt-4o"})

	if len(req.Messages) != 1 || req.Messages[0].Content != " " {
		t.Fatalf("expected single placeholder message, got %+v", req.Messages)
	}
}

func TestNormalizeResponsesWithInstructionsAndInput(t *testing.T) {
	body := map[string]any{
		"model":        "gpt-4.1",
		"instructions": "be terse",
		"input":        "what time is it",
	}

	req := Normalize(body)

	if len(req.Messages) != 2 {
		t.Fatalf("Messages = %+v", req.Messages)
	}
	if req.Messages[0].Role != canon.RoleSystem {
		t.Fatalf("expected system message first, got %+v", req.Messages[0])
	}
	if req.Messages[1].Role != canon.RoleUser {
		t.Fatalf("expected user message second, got %+v", req.Messages[1])
	}
}

func TestNormalizeCodexFunctionCallRoundTrip(t *testing.T) {
	body := map[string]any{
		"model": "o3",
		"input": []any{
			map[string]any{"type": "message", "role": "user", "content": "run ls"},
			map[string]any{
				"type":      "function_call",
				"call_id":   "call_1",
				"name":      "run_shell",
				"arguments": `{"cmd":"ls"}`,
			},
			map[string]any{
				"type":    "function_call_output",
				"call_id": "call_1",
				"output":  "file1\nfile2",
			},
		},
	}

	req := Normalize(body)

	if len(req.Messages) != 3 {
		t.Fatalf("Messages = %+v", req.Messages)
	}
	if req.Messages[1].ToolCalls[0].Function.Name != "run_shell" {
		t.Fatalf("expected tool call name run_shell, got %+v", req.Messages[1].ToolCalls)
	}
	if req.Messages[2].Name != "run_shell" {
		t.Fatalf("expected tool output resolved via call_id map, got name %q", req.Messages[2].Name)
	}
}

func TestIsLegacyPromptTrueOnlyForBarePrompt(t *testing.T) {
	cases := []struct {
		name string
		body map[string]any
		want bool
	}{
		{"chat", map[string]any{"messages": []any{}}, false},
		{"responses", map[string]any{"input": "hi"}, false},
		{"legacy", map[string]any{"prompt": "hi"}, true},
		{"empty", map[string]any{}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsLegacyPrompt(c.body); got != c.want {
				t.Fatalf("IsLegacyPrompt(%v) = %v, want %v", c.body, got, c.want)
			}
		})
	}
}

func TestAppendRecoveryPromptAppendsToStringContent(t *testing.T) {
	req := &canon.CanonicalChatRequest{
		Messages: []canon.CanonicalMessage{
			{Role: canon.RoleUser, Content: "draw a cat"},
		},
	}

	AppendRecoveryPrompt(req, "please retry without the broken signature")

	got, ok := req.Messages[0].Content.(string)
	if !ok || got != "draw a cat\n\nplease retry without the broken signature" {
		t.Fatalf("Content = %#v", req.Messages[0].Content)
	}
}

func TestAppendRecoveryPromptAppendsBlockToContentBlocks(t *testing.T) {
	req := &canon.CanonicalChatRequest{
		Messages: []canon.CanonicalMessage{
			{Role: canon.RoleUser, Content: []canon.ContentBlock{{Type: canon.ContentText, Text: "draw a cat"}}},
		},
	}

	AppendRecoveryPrompt(req, "retry")

	blocks, ok := req.Messages[0].Content.([]canon.ContentBlock)
	if !ok || len(blocks) != 2 || blocks[1].Text != "retry" {
		t.Fatalf("Content = %#v", req.Messages[0].Content)
	}
}

func TestAppendRecoveryPromptTargetsLastUserMessage(t *testing.T) {
	req := &canon.CanonicalChatRequest{
		Messages: []canon.CanonicalMessage{
			{Role: canon.RoleUser, Content: "first"},
			{Role: canon.RoleAssistant, Content: "reply"},
			{Role: canon.RoleUser, Content: "second"},
		},
	}

	AppendRecoveryPrompt(req, "retry")

	if got, _ := req.Messages[2].Content.(string); got != "second\n\nretry" {
		t.Fatalf("expected the last user message mutated, got %+v", req.Messages)
	}
	if got, _ := req.Messages[0].Content.(string); got != "first" {
		t.Fatalf("expected the first user message untouched, got %+v", req.Messages[0])
	}
}
