// Package httperr labels unclassified upstream errors with an
// OpenAI-style error.type before they are forwarded verbatim to the
// client (spec.md §4.10 step 9, "everything else" passthrough path).
// It never invents a message; it only attaches a type so SDKs that
// switch on error.type don't treat an unrecognized shape as a parse
// failure.
package httperr

import (
	"encoding/json"
	"regexp"
)

type errorCode struct {
	Status  int
	Type    string
	Pattern *regexp.Regexp
}

var errorCodes = []errorCode{
	{Status: 400, Type: "invalid_request_error", Pattern: regexp.MustCompile(`(?i)invalid.?request|bad request|malformed`)},
	{Status: 404, Type: "not_found_error", Pattern: regexp.MustCompile(`(?i)not.?found`)},
	{Status: 413, Type: "request_too_large", Pattern: regexp.MustCompile(`(?i)too.?large|payload|content.?length`)},
}

var statusTypeMap = map[int]string{
	400: "invalid_request_error",
	404: "not_found_error",
	413: "request_too_large",
}

// Label returns the upstream body, re-wrapped with an error.type field
// when the body doesn't already carry one as valid JSON. If the body
// is already a well-formed {"error":{"type":...}} object it is
// returned unchanged.
func Label(status int, body []byte) []byte {
	var parsed struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.Type != "" {
		return body
	}

	errType := statusTypeMap[status]
	if errType == "" {
		errType = matchByBody(string(body))
	}
	if errType == "" {
		errType = "api_error"
	}

	wrapped, err := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": string(body),
		},
	})
	if err != nil {
		return body
	}
	return wrapped
}

func matchByBody(body string) string {
	for _, ec := range errorCodes {
		if ec.Pattern != nil && ec.Pattern.MatchString(body) {
			return ec.Type
		}
	}
	return ""
}
