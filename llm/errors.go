package llm

import (
	"fmt"

	"github.com/c360studio/provgraph/store"
)

// classifyHTTPError maps an HTTP status to a tagged error. 4xx statuses
// other than 408 and 429 are not retryable and surface as validation errors;
// everything else is transient and eligible for retry and fallback.
func classifyHTTPError(endpoint string, status int, body string) error {
	if len(body) > 200 {
		body = body[:200]
	}
	err := fmt.Errorf("endpoint %s returned %d: %s", endpoint, status, body)

	switch {
	case status == 408, status == 429:
		return store.Transient(err)
	case status >= 400 && status < 500:
		return store.Validation(err)
	default:
		return store.Transient(err)
	}
}

// retryable reports whether an error is worth retrying on the same endpoint.
func retryable(err error) bool {
	return store.KindOf(err) == store.KindTransient
}
