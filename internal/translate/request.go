// Package translate holds the Gemini wire-format mappers. spec.md §1
// calls these "field-level payload mappers" and places them out of
// core scope ("consumed as pure functions") — this package is that
// external collaborator, grounded on the Gemini Cloud Code body shape
// documented in spec.md §6 and original_source/openai.rs.
package translate

import (
	"encoding/json"
	"strings"

	"github.com/yansir/cc-relayer/internal/canon"
)

var safetySettings = []map[string]any{
	{"category": "HARM_CATEGORY_HARASSMENT", "threshold": "OFF"},
	{"category": "HARM_CATEGORY_HATE_SPEECH", "threshold": "OFF"},
	{"category": "HARM_CATEGORY_SEXUALLY_EXPLICIT", "threshold": "OFF"},
	{"category": "HARM_CATEGORY_DANGEROUS_CONTENT", "threshold": "OFF"},
	{"category": "HARM_CATEGORY_CIVIC_INTEGRITY", "threshold": "OFF"},
}

// ToGeminiBody builds the outbound Gemini Cloud Code request body from
// a canonical chat request (spec.md §6's body schema):
// {project, requestId, model, userAgent:"antigravity", requestType, request:{contents, generationConfig, safetySettings, tools?}}.
func ToGeminiBody(req *canon.CanonicalChatRequest, cfg canon.RequestConfig, projectID, mappedModel, requestID string) map[string]any {
	var systemParts []string
	var contents []map[string]any

	for _, msg := range req.Messages {
		switch msg.Role {
		case canon.RoleSystem:
			if s := contentText(msg.Content); s != "" {
				systemParts = append(systemParts, s)
			}
		case canon.RoleUser, canon.RoleAssistant:
			contents = append(contents, messageToContent(msg))
		case canon.RoleTool:
			contents = append(contents, toolResultToContent(msg))
		}
	}

	generationConfig := map[string]any{}
	if v, ok := req.Extra["temperature"]; ok {
		generationConfig["temperature"] = v
	}
	if v, ok := req.Extra["top_p"]; ok {
		generationConfig["topP"] = v
	}
	if v, ok := req.Extra["max_tokens"]; ok {
		generationConfig["maxOutputTokens"] = v
	}
	if cfg.ImageConfig != nil {
		generationConfig["candidateCount"] = 1
		generationConfig["imageConfig"] = map[string]any{
			"aspectRatio": cfg.ImageConfig.AspectRatio,
			"imageSize":   cfg.ImageConfig.ImageSize,
		}
	}

	requestBody := map[string]any{
		"contents":         contents,
		"generationConfig": generationConfig,
		"safetySettings":   safetySettings,
	}
	if len(systemParts) > 0 {
		requestBody["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": strings.Join(systemParts, "\n\n")}},
		}
	}
	if tools := toolDeclarations(req.Tools); len(tools) > 0 {
		requestBody["tools"] = tools
	}

	return map[string]any{
		"project":     projectID,
		"requestId":   requestID,
		"model":       mappedModel,
		"userAgent":   "antigravity",
		"requestType": string(cfg.RequestType),
		"request":     requestBody,
	}
}

func messageToContent(msg canon.CanonicalMessage) map[string]any {
	role := "user"
	if msg.Role == canon.RoleAssistant {
		role = "model"
	}

	var parts []map[string]any
	switch c := msg.Content.(type) {
	case string:
		if c != "" {
			parts = append(parts, map[string]any{"text": c})
		}
	case []canon.ContentBlock:
		for _, b := range c {
			parts = append(parts, contentBlockToPart(b))
		}
	}

	for _, tc := range msg.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		parts = append(parts, map[string]any{
			"functionCall": map[string]any{
				"name": tc.Function.Name,
				"args": args,
			},
		})
	}

	if len(parts) == 0 {
		parts = append(parts, map[string]any{"text": ""})
	}

	return map[string]any{"role": role, "parts": parts}
}

func toolResultToContent(msg canon.CanonicalMessage) map[string]any {
	return map[string]any{
		"role": "function",
		"parts": []map[string]any{{
			"functionResponse": map[string]any{
				"name":     msg.Name,
				"response": map[string]any{"content": contentText(msg.Content)},
			},
		}},
	}
}

func contentBlockToPart(b canon.ContentBlock) map[string]any {
	switch b.Type {
	case canon.ContentText:
		return map[string]any{"text": b.Text}
	case canon.ContentImageURL, canon.ContentInputImage:
		if mime, data, ok := splitDataURI(b.ImageURL); ok {
			return map[string]any{"inlineData": map[string]any{"mimeType": mime, "data": data}}
		}
		return map[string]any{"fileData": map[string]any{"fileUri": b.ImageURL}}
	default:
		return map[string]any{"text": ""}
	}
}

// splitDataURI parses a "data:<mime>;base64,<payload>" URI.
func splitDataURI(uri string) (mime, data string, ok bool) {
	const prefix = "data:"
	if !strings.HasPrefix(uri, prefix) {
		return "", "", false
	}
	rest := uri[len(prefix):]
	semi := strings.Index(rest, ";base64,")
	if semi < 0 {
		return "", "", false
	}
	return rest[:semi], rest[semi+len(";base64,"):], true
}

func contentText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []canon.ContentBlock:
		var sb strings.Builder
		for _, b := range c {
			if b.Type == canon.ContentText {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	default:
		return ""
	}
}

// toolDeclarations converts OpenAI-shaped tool descriptors to Gemini
// functionDeclarations. Non-function tools (e.g. a bare web_search
// marker) are dropped, since Gemini has no equivalent declaration for
// them — request-type resolution (C4) already acted on their presence.
// It returns nil when no function tool is present.
func toolDeclarations(tools []any) []map[string]any {
	var decls []map[string]any
	for _, t := range tools {
		m, ok := t.(map[string]any)
		if !ok {
			continue
		}
		fn, ok := m["function"].(map[string]any)
		if !ok {
			continue
		}
		decls = append(decls, fn)
	}
	if len(decls) == 0 {
		return nil
	}
	return []map[string]any{{"functionDeclarations": decls}}
}
