// Package session computes the sticky-session fingerprint (C6) used by
// the token manager to bias account selection toward the same
// credential across turns of a conversation.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/yansir/cc-relayer/internal/canon"
)

// maxPrefixLen bounds how much of a message is hashed, matching the
// teacher's 200-character prefix for system/first-message hashing.
const maxPrefixLen = 200

// Compute derives a SessionFingerprint from a canonical request and an
// optional client-supplied conversation id (e.g. metadata.user_id
// carrying a "session_<uuid>" suffix). Priority: conversation id >
// system message content > first user message content.
func Compute(req canon.CanonicalChatRequest, conversationID string) canon.SessionFingerprint {
	if idx := strings.LastIndex(conversationID, "session_"); idx >= 0 {
		return canon.SessionFingerprint(hashStr("session:" + conversationID[idx:]))
	}

	if sys := firstByRole(req.Messages, canon.RoleSystem); sys != "" {
		return canon.SessionFingerprint(hashStr("system:" + truncate(sys, maxPrefixLen)))
	}

	if usr := firstByRole(req.Messages, canon.RoleUser); usr != "" {
		return canon.SessionFingerprint(hashStr("msg:" + truncate(usr, maxPrefixLen)))
	}

	return ""
}

func firstByRole(msgs []canon.CanonicalMessage, role canon.Role) string {
	for _, m := range msgs {
		if m.Role != role {
			continue
		}
		return contentText(m.Content)
	}
	return ""
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

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func hashStr(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:16])
}
