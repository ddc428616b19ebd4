package llm

import "strings"

const fence = "```"

// StripCodeFence unwraps a reply that is entirely one ``` fenced block,
// dropping an optional language tag. Other input is returned trimmed.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, fence) {
		return s
	}
	body := s[len(fence):]
	if strings.HasSuffix(body, fence) {
		body = body[:len(body)-len(fence)]
	}
	// Skip a language tag such as ```json.
	if nl := strings.IndexByte(body, '\n'); nl != -1 && !strings.ContainsAny(body[:nl], "{[") {
		body = body[nl+1:]
	}
	return strings.TrimSpace(body)
}
