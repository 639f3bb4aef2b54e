package sseutil

import (
	"bytes"
	"encoding/json"
	"io"
	"sort"
	"strings"
)

// Collect folds an OpenAI-format SSE stream into one final response
// object (spec.md §4.9): concatenates delta.content per choice index,
// keeps the last finish_reason seen per index, keeps the last usage
// block observed. first is the already-peeked lead chunk; the rest are
// read from cr until the stream ends or a "[DONE]" marker is seen.
type choiceAcc struct {
	content      strings.Builder
	finishReason string
}

func Collect(first []byte, cr NextReader, id, model string) map[string]any {
	choices := make(map[int]*choiceAcc)
	var usage map[string]any

	process := func(chunk []byte) (done bool) {
		if isHeartbeat(chunk) {
			return false
		}
		payload := bytes.TrimSpace(chunk)
		if bytes.HasPrefix(payload, []byte("data:")) {
			payload = bytes.TrimSpace(payload[len("data:"):])
		}
		if bytes.Equal(payload, []byte("[DONE]")) {
			return true
		}

		var parsed struct {
			Choices []struct {
				Index int `json:"index"`
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
			Usage map[string]any `json:"usage"`
		}
		if err := json.Unmarshal(payload, &parsed); err != nil {
			return false
		}
		for _, c := range parsed.Choices {
			a, ok := choices[c.Index]
			if !ok {
				a = &choiceAcc{}
				choices[c.Index] = a
			}
			a.content.WriteString(c.Delta.Content)
			if c.FinishReason != "" {
				a.finishReason = c.FinishReason
			}
		}
		if parsed.Usage != nil {
			usage = parsed.Usage
		}
		return false
	}

	if process(first) {
		return build(id, model, choices, usage)
	}
	for {
		chunk, err := cr.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			break
		}
		if process(chunk) {
			break
		}
	}
	return build(id, model, choices, usage)
}

func build(id, model string, choices map[int]*choiceAcc, usage map[string]any) map[string]any {
	indexes := make([]int, 0, len(choices))
	for i := range choices {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]any, 0, len(indexes))
	for _, i := range indexes {
		a := choices[i]
		finish := a.finishReason
		if finish == "" {
			finish = "stop"
		}
		out = append(out, map[string]any{
			"index": i,
			"message": map[string]any{
				"role":    "assistant",
				"content": a.content.String(),
			},
			"finish_reason": finish,
		})
	}
	if len(out) == 0 {
		out = append(out, map[string]any{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": ""},
			"finish_reason": "stop",
		})
	}

	resp := map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"model":   model,
		"choices": out,
	}
	if usage != nil {
		resp["usage"] = usage
	}
	return resp
}
