package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrForbidden means the bot lacks a permission for the operation.
	ErrForbidden = errors.New("missing permissions")
	// ErrNotFound means the target message or channel no longer exists.
	ErrNotFound = errors.New("not found")
	// ErrEmptyResult means conversion produced no artifacts.
	ErrEmptyResult = errors.New("conversion produced no output")
	// ErrPromptTimeout means nobody answered a prompt in time.
	ErrPromptTimeout = errors.New("prompt timed out")
)

// RateLimitError is returned when the platform throttled a request.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// ConversionError wraps a converter failure for a content kind.
type ConversionError struct {
	Kind ContentKind
	Err  error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert %s: %v", e.Kind, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// ThreadCreationError is returned after thread creation gave up.
type ThreadCreationError struct {
	Attempts int
	Err      error
}

func (e *ThreadCreationError) Error() string {
	return fmt.Sprintf("create thread after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ThreadCreationError) Unwrap() error { return e.Err }

// TimeoutError is returned when a stage exceeded its time bound.
type TimeoutError struct {
	Kind  ContentKind
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s conversion exceeded %s", e.Kind, e.Limit)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }
