// Package normalize implements the payload normalizer (C2): collapsing
// the Chat, Responses, Codex, and Legacy Completions dialects into one
// canonical chat-message list.
package normalize

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/yansir/cc-relayer/internal/canon"
)

// reservedTopLevelKeys are stripped from Extra because they are either
// consumed by normalization itself or handled by the caller (model,
// stream) rather than being opaque passthrough fields.
var reservedTopLevelKeys = map[string]bool{
	"model": true, "messages": true, "stream": true, "tools": true,
	"instructions": true, "input": true, "prompt": true,
}

// Normalize converts a raw OpenAI-family request body into a
// canon.CanonicalChatRequest. It is idempotent: normalizing an already
// -canonical {messages:[...]} body a second time is a no-op beyond the
// empty-messages guard, since Chat-shaped bodies are passed straight
// through.
func Normalize(body map[string]any) *canon.CanonicalChatRequest {
	req := &canon.CanonicalChatRequest{Extra: map[string]any{}}

	if model, ok := body["model"].(string); ok {
		req.Model = model
	}
	if stream, ok := body["stream"].(bool); ok {
		req.Stream = stream
	}
	if tools, ok := body["tools"].([]any); ok {
		req.Tools = tools
	}

	switch {
	case hasMessages(body):
		req.Messages = normalizeChatMessages(asSlice(body["messages"]))

	case isCodexStructured(body):
		req.Messages = normalizeCodex(body)

	case hasResponsesShape(body):
		req.Messages = normalizeResponses(body)

	case hasPrompt(body):
		req.Messages = normalizeLegacy(body["prompt"])
	}

	if len(req.Messages) == 0 {
		req.Messages = []canon.CanonicalMessage{{Role: canon.RoleUser, Content: " "}}
	}

	for k, v := range body {
		if reservedTopLevelKeys[k] {
			continue
		}
		req.Extra[k] = v
	}

	return req
}

// IsLegacyPrompt reports whether body would take the Legacy Completions
// branch of Normalize — used by the orchestrator to decide whether a
// non-streaming response must be projected into the
// {choices[].text, object:"text_completion"} shape (spec.md §4.10 step 8).
func IsLegacyPrompt(body map[string]any) bool {
	return !hasMessages(body) && !isCodexStructured(body) && !hasResponsesShape(body) && hasPrompt(body)
}

func hasMessages(body map[string]any) bool {
	_, ok := body["messages"]
	return ok
}

func hasPrompt(body map[string]any) bool {
	_, ok := body["prompt"]
	return ok
}

func hasResponsesShape(body map[string]any) bool {
	if _, ok := body["instructions"]; ok {
		return true
	}
	_, ok := body["input"]
	return ok
}

// isCodexStructured reports whether body.input is an array whose
// elements carry a "type" discriminator recognized as a Codex
// structured-input item.
func isCodexStructured(body map[string]any) bool {
	arr, ok := body["input"].([]any)
	if !ok || len(arr) == 0 {
		return false
	}
	for _, el := range arr {
		m, ok := el.(map[string]any)
		if !ok {
			continue
		}
		if t, ok := m["type"].(string); ok {
			switch t {
			case "function_call", "local_shell_call", "web_search_call",
				"function_call_output", "custom_tool_call_output", "message":
				return true
			}
		}
	}
	return false
}

// --- Chat passthrough ---

func normalizeChatMessages(raw []any) []canon.CanonicalMessage {
	out := make([]canon.CanonicalMessage, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, chatMessageFromMap(m))
	}
	return out
}

func chatMessageFromMap(m map[string]any) canon.CanonicalMessage {
	cm := canon.CanonicalMessage{
		Role: canon.Role(stringField(m, "role")),
	}
	cm.Content = convertContent(m["content"])
	cm.ToolCallID = stringField(m, "tool_call_id")
	cm.Name = stringField(m, "name")
	if rawCalls, ok := m["tool_calls"].([]any); ok {
		for _, rc := range rawCalls {
			tcm, ok := rc.(map[string]any)
			if !ok {
				continue
			}
			fn, _ := tcm["function"].(map[string]any)
			cm.ToolCalls = append(cm.ToolCalls, canon.ToolCall{
				ID:   stringField(tcm, "id"),
				Type: defaultStr(stringField(tcm, "type"), "function"),
				Function: canon.ToolCallFunction{
					Name:      stringField(fn, "name"),
					Arguments: stringField(fn, "arguments"),
				},
			})
		}
	}
	return cm
}

// convertContent maps an OpenAI content field (string | null | block
// array) to the canonical any(nil|string|[]ContentBlock) shape.
func convertContent(raw any) any {
	switch c := raw.(type) {
	case nil:
		return nil
	case string:
		return c
	case []any:
		blocks := make([]canon.ContentBlock, 0, len(c))
		for _, el := range c {
			m, ok := el.(map[string]any)
			if !ok {
				continue
			}
			blocks = append(blocks, contentBlockFromMap(m))
		}
		return blocks
	default:
		return nil
	}
}

func contentBlockFromMap(m map[string]any) canon.ContentBlock {
	t := stringField(m, "type")
	switch t {
	case "text", "input_text", "output_text":
		return canon.ContentBlock{Type: canon.ContentText, Text: stringField(m, "text")}
	case "image_url":
		url := ""
		if iu, ok := m["image_url"].(map[string]any); ok {
			url = stringField(iu, "url")
		} else if s, ok := m["image_url"].(string); ok {
			url = s
		}
		return canon.ContentBlock{Type: canon.ContentImageURL, ImageURL: url, Detail: stringField(m, "detail")}
	case "input_image":
		url := stringField(m, "image_url")
		return canon.ContentBlock{Type: canon.ContentInputImage, ImageURL: url, Detail: stringField(m, "detail")}
	default:
		return canon.ContentBlock{Type: canon.ContentText, Text: stringField(m, "text")}
	}
}

// --- Responses API (plain) ---

func normalizeResponses(body map[string]any) []canon.CanonicalMessage {
	var out []canon.CanonicalMessage

	if instr, ok := body["instructions"].(string); ok && instr != "" {
		out = append(out, canon.CanonicalMessage{Role: canon.RoleSystem, Content: instr})
	}

	switch in := body["input"].(type) {
	case string:
		if in != "" {
			out = append(out, canon.CanonicalMessage{Role: canon.RoleUser, Content: in})
		}
	case []any:
		if len(in) == 0 {
			break
		}
		if first, ok := in[0].(map[string]any); ok {
			if _, hasRole := first["role"]; hasRole {
				for _, el := range in {
					m, ok := el.(map[string]any)
					if !ok {
						continue
					}
					out = append(out, chatMessageFromMap(m))
				}
				break
			}
		}
		var parts []string
		for _, el := range in {
			parts = append(parts, stringifyAny(el))
		}
		out = append(out, canon.CanonicalMessage{Role: canon.RoleUser, Content: strings.Join(parts, "\n")})
	}

	return out
}

// --- Codex / structured Responses ---

func normalizeCodex(body map[string]any) []canon.CanonicalMessage {
	arr, _ := body["input"].([]any)

	nameMap := canon.CallIdNameMap{}
	// Pass 1: build call_id -> tool name map.
	for _, el := range arr {
		m, ok := el.(map[string]any)
		if !ok {
			continue
		}
		callID := stringField(m, "call_id")
		switch stringField(m, "type") {
		case "function_call":
			if callID != "" {
				nameMap[callID] = stringField(m, "name")
			}
		case "local_shell_call":
			if callID != "" {
				nameMap[callID] = "shell"
			}
		case "web_search_call":
			if callID != "" {
				nameMap[callID] = "google_search"
			}
		}
	}

	var out []canon.CanonicalMessage
	// Pass 2: emit messages.
	for _, el := range arr {
		m, ok := el.(map[string]any)
		if !ok {
			continue
		}
		switch stringField(m, "type") {
		case "message":
			out = append(out, codexMessageItem(m))

		case "function_call":
			out = append(out, canon.CanonicalMessage{
				Role: canon.RoleAssistant,
				ToolCalls: []canon.ToolCall{{
					ID:   stringField(m, "call_id"),
					Type: "function",
					Function: canon.ToolCallFunction{
						Name:      stringField(m, "name"),
						Arguments: stringifyArguments(m["arguments"]),
					},
				}},
			})

		case "local_shell_call":
			out = append(out, canon.CanonicalMessage{
				Role: canon.RoleAssistant,
				ToolCalls: []canon.ToolCall{{
					ID:       stringField(m, "call_id"),
					Type:     "function",
					Function: canon.ToolCallFunction{Name: "shell", Arguments: shellArguments(m)},
				}},
			})

		case "web_search_call":
			out = append(out, canon.CanonicalMessage{
				Role: canon.RoleAssistant,
				ToolCalls: []canon.ToolCall{{
					ID:       stringField(m, "call_id"),
					Type:     "function",
					Function: canon.ToolCallFunction{Name: "google_search", Arguments: webSearchArguments(m)},
				}},
			})

		case "function_call_output", "custom_tool_call_output":
			callID := stringField(m, "call_id")
			name, ok := nameMap[callID]
			if !ok {
				slog.Warn("normalize: unresolved call_id, defaulting tool name", "call_id", callID)
				name = "shell"
			}
			out = append(out, canon.CanonicalMessage{
				Role:       canon.RoleTool,
				ToolCallID: callID,
				Name:       name,
				Content:    outputContent(m["output"]),
			})
		}
	}

	return out
}

func codexMessageItem(m map[string]any) canon.CanonicalMessage {
	role := canon.Role(stringField(m, "role"))
	rawContent := m["content"]

	var texts []string
	var blocks []canon.ContentBlock
	hasImage := false

	switch c := rawContent.(type) {
	case string:
		texts = append(texts, c)
	case []any:
		for _, el := range c {
			cm, ok := el.(map[string]any)
			if !ok {
				continue
			}
			b := contentBlockFromMap(cm)
			if b.Type == canon.ContentImageURL || b.Type == canon.ContentInputImage {
				hasImage = true
			}
			if b.Type == canon.ContentText {
				texts = append(texts, b.Text)
			}
			blocks = append(blocks, b)
		}
	}

	if hasImage {
		return canon.CanonicalMessage{Role: role, Content: blocks}
	}
	return canon.CanonicalMessage{Role: role, Content: strings.Join(texts, "")}
}

func shellArguments(m map[string]any) string {
	action, _ := m["action"].(map[string]any)
	exec, _ := action["exec"].(map[string]any)
	if exec == nil {
		exec = map[string]any{}
	}

	var command []string
	switch c := exec["command"].(type) {
	case []any:
		for _, v := range c {
			if s, ok := v.(string); ok {
				command = append(command, s)
			}
		}
	case string:
		command = []string{c}
	}
	if command == nil {
		command = []string{}
	}

	args := map[string]any{"command": command}
	if wd, ok := exec["workdir"].(string); ok && wd != "" {
		args["workdir"] = wd
	}
	b, _ := json.Marshal(args)
	return string(b)
}

func webSearchArguments(m map[string]any) string {
	query := stringField(m, "query")
	if query == "" {
		if action, ok := m["action"].(map[string]any); ok {
			query = stringField(action, "query")
		}
	}
	b, _ := json.Marshal(map[string]any{"query": query})
	return string(b)
}

func outputContent(output any) string {
	switch o := output.(type) {
	case string:
		return o
	case map[string]any:
		if c, ok := o["content"]; ok {
			return stringifyAny(c)
		}
		return stringifyAny(o)
	default:
		return stringifyAny(o)
	}
}

func stringifyArguments(raw any) string {
	if s, ok := raw.(string); ok {
		return s
	}
	return stringifyAny(raw)
}

// --- Legacy completions ---

func normalizeLegacy(prompt any) []canon.CanonicalMessage {
	switch p := prompt.(type) {
	case string:
		if p == "" {
			return nil
		}
		return []canon.CanonicalMessage{{Role: canon.RoleUser, Content: p}}
	case []any:
		var parts []string
		for _, el := range p {
			if s, ok := el.(string); ok {
				parts = append(parts, s)
			}
		}
		if len(parts) == 0 {
			return nil
		}
		return []canon.CanonicalMessage{{Role: canon.RoleUser, Content: strings.Join(parts, "\n")}}
	default:
		return nil
	}
}

// AppendRecoveryPrompt mutates the last user message in place to carry
// a signature-recovery repair instruction, preserving content shape:
// a string gets the prompt appended, a block list gets a new text
// block appended. Used by the orchestrator's signature-recovery retry
// branch (C10 step 9); it never rotates accounts.
func AppendRecoveryPrompt(req *canon.CanonicalChatRequest, prompt string) {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role != canon.RoleUser {
			continue
		}
		switch c := req.Messages[i].Content.(type) {
		case string:
			req.Messages[i].Content = c + "\n\n" + prompt
		case []canon.ContentBlock:
			req.Messages[i].Content = append(c, canon.ContentBlock{Type: canon.ContentText, Text: prompt})
		case nil:
			req.Messages[i].Content = prompt
		}
		return
	}
	req.Messages = append(req.Messages, canon.CanonicalMessage{Role: canon.RoleUser, Content: prompt})
}

// --- helpers ---

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func defaultStr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func stringifyAny(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
