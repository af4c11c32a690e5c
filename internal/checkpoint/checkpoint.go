// Package checkpoint persists which work items a job has already completed,
// so re-invocations skip confirmed items instead of re-fetching them.
package checkpoint

import "context"

// Cursor is the resumable pagination position for one job. It is advanced
// only after every item it covers has been durably marked done.
type Cursor struct {
	Page      int  `json:"page"`
	Total     int  `json:"total,omitempty"`
	Exhausted bool `json:"exhausted,omitempty"`
}

// Store records completed item identifiers and the pagination cursor for a
// single job. MarkDone must be durable before it returns: a crash after
// MarkDone may cost a redundant IsDone check on restart, never a redundant
// fetch of a confirmed item. Loading reconstructs a superset-safe state:
// anything uncertain reads as not done.
type Store interface {
	IsDone(id string) bool
	MarkDone(ctx context.Context, id string) error
	Cursor() Cursor
	SetCursor(ctx context.Context, c Cursor) error
	DoneCount() int
	Close() error
}
