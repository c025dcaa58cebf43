package capability

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConfigured means a credential or endpoint for the capability is missing.
	ErrNotConfigured = errors.New("capability not configured")
	// ErrEmptyContent means the capability answered without usable output.
	ErrEmptyContent = errors.New("empty content")
)

// StatusError is a non-success HTTP answer from a capability.
type StatusError struct {
	Capability string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Capability, e.StatusCode, strings.TrimSpace(e.Body))
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
