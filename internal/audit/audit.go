// Package audit records privileged actions in the append-only audit_log
// table and serves filtered, paginated views of that trail.
//
// Entries are immutable once written: the schema rejects UPDATE and DELETE
// on audit_log, and this package exposes no mutation other than append.
// Permission changes append through the caller's transaction (Append), so
// an entry exists if and only if the change it describes was committed.
package audit

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/nerrad567/gray-logic-access/internal/infrastructure/database"
)

// Page size limits for Query.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Sources identify the surface that initiated an audited action.
const (
	SourceAPI    = "api"
	SourceCLI    = "cli"
	SourceSystem = "system"
)

var (
	// ErrNotFound is returned when an entry id does not exist.
	ErrNotFound = errors.New("audit: entry not found")

	// ErrWriteFailed is returned when an entry could not be persisted.
	// Callers that append inside a transaction must roll back on it.
	ErrWriteFailed = errors.New("audit: write failed")

	// ErrInvalidCursor is returned when a pagination cursor cannot be decoded.
	ErrInvalidCursor = errors.New("audit: invalid cursor")
)

// Entry is a single audit trail record.
type Entry struct {
	ID          string         `json:"id"`
	Seq         int64          `json:"seq"`
	Action      string         `json:"action"`
	ActorID     string         `json:"actor_id"`
	ActorRole   string         `json:"actor_role,omitempty"`
	Description string         `json:"description,omitempty"`
	TargetType  string         `json:"target_type"`
	TargetID    string         `json:"target_id,omitempty"`
	Before      map[string]any `json:"before,omitempty"`
	After       map[string]any `json:"after,omitempty"`
	Source      string         `json:"source"`
	RequestID   string         `json:"request_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Filter selects and pages audit entries. Zero-valued fields do not filter.
type Filter struct {
	ActorID    string
	Action     string
	TargetType string
	TargetID   string
	Since      time.Time // inclusive
	Until      time.Time // exclusive

	// Descending returns newest entries first. The default is oldest first.
	Descending bool

	// Limit is the page size: default 50, max 200.
	Limit int

	// Cursor resumes after the last entry of a previous page.
	Cursor string
}

// Page is one page of Query results.
type Page struct {
	Entries    []Entry `json:"entries"`
	Total      int     `json:"total"`
	Limit      int     `json:"limit"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

// Appender writes an entry through a caller-supplied Querier, typically an
// open transaction, and returns the new entry id.
type Appender interface {
	Append(ctx context.Context, q database.Querier, e *Entry) (string, error)
}

// Log is the full audit trail surface.
type Log interface {
	Appender

	// Record appends outside any caller transaction.
	Record(ctx context.Context, e *Entry) (string, error)

	// Query returns one page of entries ordered by (created_at, seq).
	Query(ctx context.Context, f Filter) (*Page, error)

	// Iterate yields every entry matching f, page by page. Each iteration
	// is bounded by the newest entry present when it starts, so it always
	// terminates, and ranging over the sequence again restarts it.
	Iterate(ctx context.Context, f Filter) iter.Seq2[Entry, error]

	// Get returns a single entry by id.
	Get(ctx context.Context, id string) (*Entry, error)
}
