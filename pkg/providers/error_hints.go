package providers

import (
	"net/http"
	"strings"
)

// augmentProviderError appends an operator hint to well-known failures.
func augmentProviderError(providerName string, status int, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}
	lower := strings.ToLower(msg)

	switch {
	case status == http.StatusUnauthorized || strings.Contains(lower, "incorrect api key"):
		return msg + " Hint: check providers." + NormalizeProviderName(providerName) + ".api_key."
	case status == http.StatusPaymentRequired || strings.Contains(lower, "insufficient credits"):
		return msg + " Hint: the " + NormalizeProviderName(providerName) + " account is out of credits."
	case status == http.StatusTooManyRequests || strings.Contains(lower, "quota"):
		return msg + " Hint: rate limit or quota reached, replies fall back until it recovers."
	}
	return msg
}
