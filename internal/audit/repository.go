package audit

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nerrad567/gray-logic-access/internal/infrastructure/database"
)

const entryColumns = `seq, id, action, actor_id, actor_role, description, target_type, target_id,
	before_json, after_json, source, request_id, created_at`

// SQLiteLog stores audit entries in the audit_log table.
type SQLiteLog struct {
	db  *database.DB
	now func() time.Time

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewSQLiteLog creates a new audit log backed by db.
func NewSQLiteLog(db *database.DB) *SQLiteLog {
	return &SQLiteLog{
		db:      db,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// newID returns a ULID for t. IDs generated by one process sort in
// creation order even within the same millisecond.
func (l *SQLiteLog) newID(t time.Time) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(t), l.entropy)
	if err != nil {
		return "", fmt.Errorf("generating entry id: %w", err)
	}
	return id.String(), nil
}

// Append inserts e using q, which is usually the caller's open transaction.
// ID, Seq, CreatedAt and Source are filled in on e. Every failure wraps
// ErrWriteFailed.
func (l *SQLiteLog) Append(ctx context.Context, q database.Querier, e *Entry) (string, error) {
	if e.Action == "" || e.ActorID == "" || e.TargetType == "" {
		return "", fmt.Errorf("%w: action, actor and target type are required", ErrWriteFailed)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	if e.Source == "" {
		e.Source = SourceAPI
	}

	id, err := l.newID(e.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	before, err := marshalState(e.Before)
	if err != nil {
		return "", fmt.Errorf("%w: marshalling before state: %w", ErrWriteFailed, err)
	}
	after, err := marshalState(e.After)
	if err != nil {
		return "", fmt.Errorf("%w: marshalling after state: %w", ErrWriteFailed, err)
	}

	res, err := q.ExecContext(ctx,
		`INSERT INTO audit_log (id, action, actor_id, actor_role, description, target_type, target_id,
			before_json, after_json, source, request_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, e.Action, e.ActorID, nullableString(e.ActorRole), e.Description,
		e.TargetType, nullableString(e.TargetID),
		before, after, e.Source, nullableString(e.RequestID),
		database.FormatTime(e.CreatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("%w: inserting audit entry: %w", ErrWriteFailed, err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("%w: reading entry sequence: %w", ErrWriteFailed, err)
	}

	e.ID = id
	e.Seq = seq
	return id, nil
}

// Record appends e in its own implicit transaction.
func (l *SQLiteLog) Record(ctx context.Context, e *Entry) (string, error) {
	return l.Append(ctx, l.db, e)
}

// Query returns one page of entries matching f.
func (l *SQLiteLog) Query(ctx context.Context, f Filter) (*Page, error) {
	return l.query(ctx, f, 0, true)
}

// Iterate yields every entry matching f. See Log.Iterate.
func (l *SQLiteLog) Iterate(ctx context.Context, f Filter) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		var highWater int64
		if err := l.db.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(seq), 0) FROM audit_log").Scan(&highWater); err != nil {
			yield(Entry{}, fmt.Errorf("reading audit high-water mark: %w", err))
			return
		}
		if highWater == 0 {
			return
		}

		page := f
		for {
			p, err := l.query(ctx, page, highWater, false)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, e := range p.Entries {
				if !yield(e, nil) {
					return
				}
			}
			if p.NextCursor == "" {
				return
			}
			page.Cursor = p.NextCursor
		}
	}
}

// Get returns the entry with the given id.
func (l *SQLiteLog) Get(ctx context.Context, id string) (*Entry, error) {
	row := l.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM audit_log WHERE id = ?", id)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting audit entry: %w", err)
	}
	return e, nil
}

// query runs one page of f. A positive maxSeq excludes entries appended
// after it was read.
func (l *SQLiteLog) query(ctx context.Context, f Filter, maxSeq int64, withTotal bool) (*Page, error) { //nolint:gocognit,gocyclo // dynamic query builder: WHERE clause assembly from filter fields
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	var conditions []string
	var args []any

	if f.ActorID != "" {
		conditions = append(conditions, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if f.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, f.Action)
	}
	if f.TargetType != "" {
		conditions = append(conditions, "target_type = ?")
		args = append(args, f.TargetType)
	}
	if f.TargetID != "" {
		conditions = append(conditions, "target_id = ?")
		args = append(args, f.TargetID)
	}
	if !f.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, database.FormatTime(f.Since))
	}
	if !f.Until.IsZero() {
		conditions = append(conditions, "created_at < ?")
		args = append(args, database.FormatTime(f.Until))
	}
	if maxSeq > 0 {
		conditions = append(conditions, "seq <= ?")
		args = append(args, maxSeq)
	}

	var total int
	if withTotal {
		// WHERE clause is built from parameterised conditions (? placeholders), no user input in SQL string.
		countQuery := "SELECT COUNT(*) FROM audit_log" + whereClause(conditions) //nolint:gosec // parameterised conditions
		if err := l.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
			return nil, fmt.Errorf("counting audit entries: %w", err)
		}
	}

	order, cmp := "ASC", ">"
	if f.Descending {
		order, cmp = "DESC", "<"
	}

	if f.Cursor != "" {
		c, err := decodeCursor(f.Cursor)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions,
			fmt.Sprintf("(created_at %[1]s ? OR (created_at = ? AND seq %[1]s ?))", cmp))
		args = append(args, c.CreatedAt, c.CreatedAt, c.Seq)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		"SELECT %s FROM audit_log%s ORDER BY created_at %s, seq %s LIMIT ?",
		entryColumns, whereClause(conditions), order, order,
	)
	// One extra row tells us whether another page exists.
	args = append(args, limit+1)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	page := &Page{Total: total, Limit: limit}
	if len(entries) > limit {
		entries = entries[:limit]
		last := entries[len(entries)-1]
		page.NextCursor = encodeCursor(cursor{
			CreatedAt: database.FormatTime(last.CreatedAt),
			Seq:       last.Seq,
		})
	}
	page.Entries = entries
	return page, nil
}

func whereClause(conditions []string) string {
	if len(conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conditions, " AND ")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var e Entry
	var actorRole, targetID, before, after, requestID sql.NullString
	var createdAt string

	if err := s.Scan(&e.Seq, &e.ID, &e.Action, &e.ActorID, &actorRole, &e.Description,
		&e.TargetType, &targetID, &before, &after, &e.Source, &requestID, &createdAt); err != nil {
		return nil, err
	}

	e.ActorRole = actorRole.String
	e.TargetID = targetID.String
	e.RequestID = requestID.String
	e.Before = unmarshalState(before)
	e.After = unmarshalState(after)

	t, err := database.ParseTime(createdAt)
	if err != nil {
		return nil, err
	}
	e.CreatedAt = t
	return &e, nil
}

func marshalState(state map[string]any) (any, error) {
	if state == nil {
		return nil, nil
	}
	b, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalState(s sql.NullString) map[string]any {
	if !s.Valid || s.String == "" {
		return nil
	}
	var state map[string]any
	if json.Unmarshal([]byte(s.String), &state) != nil {
		return nil
	}
	return state
}

// nullableString returns nil for empty strings so optional TEXT columns stay NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ Log = (*SQLiteLog)(nil)
