package aggregator

import (
	"errors"
	"fmt"
	"net/http"
)

// UpstreamError is the closed error shape every aggregator failure is
// translated into at this boundary. Callers match on it (or use IsTransient)
// instead of inspecting raw responses.
type UpstreamError struct {
	StatusCode int
	Code       string
	Message    string
	Transient  bool
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("aggregator: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("aggregator: %s (status %d): %s", e.Code, e.StatusCode, e.Message)
}

// IsTransient reports whether err is an upstream failure worth retrying:
// network failures, HTTP 429 and HTTP 5xx. All other 4xx are terminal.
func IsTransient(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Transient
	}
	return false
}

// IsCredentialError reports whether err indicates the stored credential is no
// longer usable (revoked item, expired login). The caller marks the item
// errored instead of retrying.
func IsCredentialError(err error) bool {
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		return false
	}
	switch ue.Code {
	case "ITEM_LOGIN_REQUIRED", "INVALID_ACCESS_TOKEN", "ITEM_NOT_FOUND":
		return true
	}
	return ue.StatusCode == http.StatusUnauthorized
}

func transientStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
