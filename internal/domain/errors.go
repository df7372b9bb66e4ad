package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrRuleNotActive = errors.New("rule is not active")
	ErrRuleTerminal  = errors.New("rule is in a terminal state")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidOrder  = errors.New("invalid order parameters")
	ErrSigningFailed = errors.New("signing failed")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrLockHeld      = errors.New("lock already held")
)

// ValidationError reports a schema or cross-field violation in
// owner-supplied input. It is a typed error so API layers can map it
// without string matching.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// FeedError wraps a transient feed failure (socket or parse). Feed errors
// are emitted through the feed's error handler and never abort evaluation.
type FeedError struct {
	Op  string // "dial", "read", "write", "parse"
	Err error
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("feed %s: %v", e.Op, e.Err)
}

func (e *FeedError) Unwrap() error {
	return e.Err
}
