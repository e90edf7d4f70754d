package sync

import "errors"

var (
	// ErrInvalidEnvelope marks a push body that cannot be decoded
	ErrInvalidEnvelope = errors.New("invalid envelope")
	// ErrInvalidCursor marks a candidate that is not a non-negative integer string
	ErrInvalidCursor = errors.New("invalid cursor")
	// ErrNotNewer marks a stale or duplicate delivery
	ErrNotNewer = errors.New("cursor not newer than stored cursor")
	// ErrBusy is returned when another run held the gate for longer than the admit wait
	ErrBusy = errors.New("another run is in flight")
	// ErrSourceUnavailable marks a failed history page fetch
	ErrSourceUnavailable = errors.New("history source unavailable")
	// ErrCursorExpired is returned when the source no longer has history for the start cursor
	ErrCursorExpired = errors.New("start cursor expired")
	// ErrLookupFailed marks a per-message metadata miss
	ErrLookupFailed = errors.New("message lookup failed")
	// ErrSinkFailed marks a failed notification dispatch
	ErrSinkFailed = errors.New("notification sink failed")
	// ErrCommitFailed marks a cursor write failure after a successful run
	ErrCommitFailed = errors.New("cursor commit failed")
	// ErrTimeout marks a run that exceeded its wall-clock budget
	ErrTimeout = errors.New("run budget exceeded")
	// ErrAdmissionClosed is returned by a second Commit on the same admission
	ErrAdmissionClosed = errors.New("admission already closed")
)
