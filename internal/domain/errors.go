package domain

import "errors"

// Sentinel errors for the application.
var (
	ErrNotFound         = errors.New("resource not found")
	ErrUnauthorized     = errors.New("unauthorized access")
	ErrPermissionDenied = errors.New("permission denied")
	ErrConflict         = errors.New("resource already exists")
	ErrInvalidInput     = errors.New("invalid input")

	// ErrSendFailed marks an optimistic send whose remote write did not
	// complete; the caller rolls back the tentative entry and restores the
	// draft. Never retried automatically.
	ErrSendFailed = errors.New("send failed")

	// ErrNotRecipient marks a delivered/seen transition attempted by a user
	// who has no status row for the message (the sender, or a non-member).
	ErrNotRecipient = errors.New("user is not a recipient of this message")
)
