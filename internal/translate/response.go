package translate

import (
	"encoding/json"
	"strings"
	"time"
)

// FromGeminiJSON converts a complete (non-streamed) Gemini
// generateContent response into an OpenAI chat.completion object.
// Kept for completeness per spec.md §4.10 step 8 ("never reached under
// step 6's always-stream policy") — the orchestrator always opens a
// streaming upstream call, but this path stays correct in case that
// policy is ever relaxed.
func FromGeminiJSON(raw []byte, id, model string) (map[string]any, error) {
	var chunk geminiChunk
	if env, ok := unwrapGemini(raw); ok {
		chunk = env
	} else if err := json.Unmarshal(raw, &chunk); err != nil {
		return nil, err
	}

	var content strings.Builder
	finishReason := "stop"
	if len(chunk.Candidates) > 0 {
		cand := chunk.Candidates[0]
		for _, p := range cand.Content.Parts {
			content.WriteString(p.Text)
		}
		if cand.FinishReason != "" {
			finishReason = mapFinishReason(cand.FinishReason)
		}
	}

	resp := map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": content.String(),
				},
				"finish_reason": finishReason,
			},
		},
	}
	if chunk.UsageMetadata != nil {
		resp["usage"] = map[string]any{
			"prompt_tokens":     chunk.UsageMetadata.PromptTokenCount,
			"completion_tokens": chunk.UsageMetadata.CandidatesTokenCount,
			"total_tokens":      chunk.UsageMetadata.TotalTokenCount,
		}
	}
	return resp, nil
}
