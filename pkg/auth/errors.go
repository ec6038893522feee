package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidToken covers malformed, undecryptable, revoked, and expired
	// tokens. Callers get a single 401 with no further detail.
	ErrInvalidToken = errors.New("invalid or expired token")

	// ErrRevokeUnsupported is returned by token backends that cannot revoke
	// individual tokens.
	ErrRevokeUnsupported = errors.New("token backend does not support revocation")
)

// ConfigurationError is fatal at startup: the process must not serve with a
// broken auth configuration.
type ConfigurationError struct {
	Component string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("auth configuration error in %s: %s", e.Component, e.Reason)
}

// NewConfigurationError creates a ConfigurationError
func NewConfigurationError(component, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Component: component, Reason: fmt.Sprintf(format, args...)}
}
