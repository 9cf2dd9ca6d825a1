package errors

import "errors"

// Request errors.
var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrNotFound      = errors.New("resource not found")
	ErrRequestFailed = errors.New("request failed")
)

// Sync errors.
var (
	ErrBadPayload = errors.New("malformed event payload")
	ErrPullOnly   = errors.New("push channel unavailable, pull-only mode")
)
