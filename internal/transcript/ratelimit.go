package transcript

import "strings"

// RateLimitKeywords are the literal markers of an upstream rate limit.
var RateLimitKeywords = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
	"429",
	"quota exceeded",
	"overloaded",
}

// RateLimitTailLen is how many trailing transcript records the stop hook
// scans for rate-limit markers.
const RateLimitTailLen = 5

// DetectRateLimit scans transcript records for rate-limit keywords.
// Plain user/assistant messages are skipped so a conversation that merely
// discusses rate limits does not trip detection; only error-bearing
// tool_result blocks and non-message records (system, error) are matched.
// Returns the first keyword found.
func DetectRateLimit(records []Record) (bool, string) {
	for _, r := range records {
		var haystack string

		switch r.Type {
		case "user", "assistant":
			haystack = errorBlockText(r)
		default:
			haystack = r.line
		}
		if haystack == "" {
			continue
		}

		lower := strings.ToLower(haystack)
		for _, kw := range RateLimitKeywords {
			if strings.Contains(lower, kw) {
				return true, kw
			}
		}
	}
	return false, ""
}

// errorBlockText collects text from tool_result blocks flagged is_error
// inside a message record. Everything else in the record is conversation
// content and intentionally ignored.
func errorBlockText(r Record) string {
	msg, _ := r.raw["message"].(map[string]any)
	if msg == nil {
		return ""
	}
	content, _ := msg["content"].([]any)
	var parts []string
	for _, item := range content {
		block, ok := item.(map[string]any)
		if !ok || asString(block["type"]) != "tool_result" {
			continue
		}
		isErr, _ := block["is_error"].(bool)
		if !isErr {
			continue
		}
		switch c := block["content"].(type) {
		case string:
			parts = append(parts, c)
		case []any:
			for _, sub := range c {
				if sb, ok := sub.(map[string]any); ok {
					if t := asString(sb["text"]); t != "" {
						parts = append(parts, t)
					}
				}
			}
		}
	}
	return strings.Join(parts, "\n")
}
