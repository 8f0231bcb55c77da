package retry

import (
	"strings"

	"github.com/taxera/payretry/pkg/types"
	"github.com/tidwall/gjson"
)

// errorFields are the JSON paths probed, in order, when extracting an
// error description from a raw gateway response.
var errorFields = []string{"error.code", "error.message", "code", "message", "status"}

// MatchesRetryable reports whether the error text matches any of the
// configured retryable patterns. Matching is a case-insensitive substring
// test, so a pattern "TIMEOUT" matches "connect timeout after 30s".
func MatchesRetryable(errText string, patterns []string) bool {
	if errText == "" {
		return false
	}
	lower := strings.ToLower(errText)
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// ErrorText returns the best error description for an attempt: the recorded
// message when present, otherwise error fields pulled out of the raw
// gateway JSON response.
func ErrorText(att *types.RetryAttempt) string {
	if att == nil {
		return ""
	}
	if att.ErrorMessage != "" {
		return att.ErrorMessage
	}
	if att.RawResponse == "" || !gjson.Valid(att.RawResponse) {
		return ""
	}
	parts := make([]string, 0, 2)
	for _, field := range errorFields {
		if v := gjson.Get(att.RawResponse, field); v.Exists() && v.String() != "" {
			parts = append(parts, v.String())
		}
	}
	return strings.Join(parts, ": ")
}
