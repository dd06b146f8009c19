package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyMessage is returned by SendMessage for blank text. Nothing is
	// written anywhere.
	ErrEmptyMessage = errors.New("message text is empty")
	// ErrSendFailed matches any *SendError.
	ErrSendFailed = errors.New("send failed")
	// ErrLocalCacheUnavailable wraps cache failures in logs. It is never
	// returned to callers; the engine continues remote-only.
	ErrLocalCacheUnavailable = errors.New("local cache unavailable")
	// ErrListener wraps remote subscription failures.
	ErrListener = errors.New("listener failed")
	// ErrStatusUpdateFailed matches any *StatusUpdateError.
	ErrStatusUpdateFailed = errors.New("status update failed")
	// ErrOffline is returned by resend attempts while disconnected.
	ErrOffline = errors.New("offline")
	// ErrNotQueued is returned by Discard for a message not in the offline queue.
	ErrNotQueued = errors.New("message not queued")
)

// SendError reports a remote write failure after the optimistic append. The
// message stays visible as failed and is queued for retry.
type SendError struct {
	LocalID string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s: %v", e.LocalID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func (e *SendError) Is(target error) bool { return target == ErrSendFailed }

// StatusUpdateError reports a failed delivered/read write for one message.
type StatusUpdateError struct {
	MessageID string
	Err       error
}

func (e *StatusUpdateError) Error() string {
	return fmt.Sprintf("update status of %s: %v", e.MessageID, e.Err)
}

func (e *StatusUpdateError) Unwrap() error { return e.Err }

func (e *StatusUpdateError) Is(target error) bool { return target == ErrStatusUpdateFailed }
