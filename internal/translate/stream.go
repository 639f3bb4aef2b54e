package translate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// geminiChunk is the shape of one Gemini streamGenerateContent SSE
// event, unwrapped from an optional top-level "response" envelope
// (spec.md §6: "JSON responses wrap the meaningful payload either at
// root or under a response key").
type geminiChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error json.RawMessage `json:"error"`
}

func unwrapGemini(raw []byte) (geminiChunk, bool) {
	var envelope struct {
		Response *geminiChunk `json:"response"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Response != nil {
		return *envelope.Response, true
	}
	var direct geminiChunk
	if err := json.Unmarshal(raw, &direct); err != nil {
		return geminiChunk{}, false
	}
	return direct, true
}

// TranslateChunk converts one raw Gemini SSE frame (as delivered on the
// wire, including its "data: " prefix and trailing blank line) into the
// equivalent OpenAI chat.completion.chunk SSE frame. Heartbeat/comment
// frames and anything that doesn't parse as a data frame pass through
// unchanged, so the C8 heartbeat filter downstream still recognizes
// them by their original shape.
func TranslateChunk(raw []byte, id, model string) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return raw
	}
	if bytes.HasPrefix(trimmed, []byte(":")) {
		return raw
	}

	payload := trimmed
	if bytes.HasPrefix(payload, []byte("data:")) {
		payload = bytes.TrimSpace(payload[len("data:"):])
	}
	if bytes.Equal(payload, []byte("[DONE]")) {
		return []byte("data: [DONE]\n\n")
	}

	chunk, ok := unwrapGemini(payload)
	if !ok {
		return raw
	}
	if len(chunk.Error) > 0 {
		// Pass an inline error frame through unchanged rather than
		// projecting it into an empty choice: Peek's error-shaped-chunk
		// check (spec.md §4.8) looks for a literal "error" field, and a
		// translated frame would otherwise silently swallow it.
		return raw
	}

	choice := map[string]any{"index": 0, "delta": map[string]any{}}
	if len(chunk.Candidates) > 0 {
		cand := chunk.Candidates[0]
		var text strings.Builder
		for _, p := range cand.Content.Parts {
			text.WriteString(p.Text)
		}
		if text.Len() > 0 {
			choice["delta"] = map[string]any{"content": text.String()}
		}
		if cand.FinishReason != "" {
			choice["finish_reason"] = mapFinishReason(cand.FinishReason)
		}
	}

	out := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []any{choice},
	}
	if chunk.UsageMetadata != nil {
		out["usage"] = map[string]any{
			"prompt_tokens":     chunk.UsageMetadata.PromptTokenCount,
			"completion_tokens": chunk.UsageMetadata.CandidatesTokenCount,
			"total_tokens":      chunk.UsageMetadata.TotalTokenCount,
		}
	}

	b, err := json.Marshal(out)
	if err != nil {
		return raw
	}
	return []byte(fmt.Sprintf("data: %s\n\n", b))
}

func mapFinishReason(gemini string) string {
	switch gemini {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return "stop"
	}
}
