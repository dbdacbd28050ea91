package core

import (
	"errors"
	"fmt"
)

// ErrTokenExists is returned by the anchor path when the chain rejects a mint
// because the token id is already taken. Token ids equal batch ids, so a
// collision means the batch is already anchored; callers treat it as terminal.
var ErrTokenExists = errors.New("token id already exists on chain")

// ErrNotFound is returned when a requested object (token, bundle) does not
// exist at the collaborator holding it.
var ErrNotFound = errors.New("not found")

// ConfigError represents a configuration error
type ConfigError struct {
	msg string
}

func (e ConfigError) Error() string {
	return e.msg
}

// ErrInvalidConfig creates a new configuration error
func ErrInvalidConfig(msg string) error {
	return ConfigError{msg: msg}
}

// ErrInvalidConfigf creates a new formatted configuration error
func ErrInvalidConfigf(format string, args ...interface{}) error {
	return ConfigError{msg: fmt.Sprintf(format, args...)}
}
