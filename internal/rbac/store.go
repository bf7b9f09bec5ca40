package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-access/internal/infrastructure/database"
)

// History page size limits.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Store is the durable permission matrix. A missing tuple is reported as
// (nil, nil): absence means deny and is never an error.
//
// Every method that touches storage wraps failures in ErrStorageUnavailable.
// The store never writes audit entries; the service does that through
// StoreTx.Querier so both land in one transaction.
type Store interface {
	Get(ctx context.Context, key Key) (*Permission, error)
	ListByRole(ctx context.Context, role string) ([]Permission, error)
	ListAll(ctx context.Context) ([]Permission, error)

	// Version returns the store generation, bumped by every committed mutation.
	Version(ctx context.Context) (int64, error)

	// Catalog returns every declared role, module and action, active or not.
	Catalog(ctx context.Context) (*Catalog, error)

	// Snapshot reads version, catalog and permissions consistently.
	Snapshot(ctx context.Context) (*Snapshot, error)

	ListHistory(ctx context.Context, f HistoryFilter) ([]HistoryEntry, error)
	GetHistory(ctx context.Context, id string) (*HistoryEntry, error)

	Begin(ctx context.Context) (StoreTx, error)
}

// StoreTx is a write transaction on the store. Nothing is visible to other
// readers until Commit; Rollback after Commit is a no-op.
type StoreTx interface {
	Get(ctx context.Context, key Key) (*Permission, error)

	// Upsert inserts p when p.Version is zero and otherwise updates it if
	// the stored version still equals p.Version. A lost race returns
	// ErrConflict. On success p.Version, timestamps and ID are updated.
	Upsert(ctx context.Context, p *Permission) error

	// InsertIfAbsent stores p unless its tuple already exists.
	InsertIfAbsent(ctx context.Context, p *Permission) (bool, error)

	AppendHistory(ctx context.Context, h *HistoryEntry) error

	// SyncCatalog makes the stored catalog match c: new entries are added,
	// changed display names updated, and entries missing from c deactivated.
	SyncCatalog(ctx context.Context, c *Catalog) (*CatalogChanges, error)

	// BumpVersion increments the store generation and returns the new value.
	BumpVersion(ctx context.Context) (int64, error)

	// Querier exposes the transaction to collaborators such as the audit log.
	Querier() database.Querier

	Commit() error
	Rollback() error
}

const permissionColumns = `id, role, module, action, is_allowed, is_active, priority, conditions,
	version, created_by, updated_by, created_at, updated_at`

const historyColumns = `seq, id, permission_id, role, module, action, field, old_value, new_value,
	actor_id, reason, audit_id, created_at`

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *database.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite-backed permission store.
func NewSQLiteStore(db *database.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// Get returns the permission for key, or nil when none is stored.
func (s *SQLiteStore) Get(ctx context.Context, key Key) (*Permission, error) {
	return getPermission(ctx, s.db, key)
}

// ListByRole returns the stored permissions of role ordered by (module, action).
func (s *SQLiteStore) ListByRole(ctx context.Context, role string) ([]Permission, error) {
	return listPermissions(ctx, s.db,
		"SELECT "+permissionColumns+" FROM permissions WHERE role = ? ORDER BY module, action", role)
}

// ListAll returns every stored permission ordered by (role, module, action).
func (s *SQLiteStore) ListAll(ctx context.Context) ([]Permission, error) {
	return listPermissions(ctx, s.db,
		"SELECT "+permissionColumns+" FROM permissions ORDER BY role, module, action")
}

// Version returns the current store generation.
func (s *SQLiteStore) Version(ctx context.Context) (int64, error) {
	return readVersion(ctx, s.db)
}

// Catalog returns the stored catalog.
func (s *SQLiteStore) Catalog(ctx context.Context) (*Catalog, error) {
	return readCatalog(ctx, s.db)
}

// Snapshot reads version, catalog and permissions in one transaction.
func (s *SQLiteStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("starting snapshot read", err)
	}
	defer tx.Rollback() //nolint:errcheck // read-only transaction

	version, err := readVersion(ctx, tx)
	if err != nil {
		return nil, err
	}
	catalog, err := readCatalog(ctx, tx)
	if err != nil {
		return nil, err
	}
	perms, err := listPermissions(ctx, tx, "SELECT "+permissionColumns+" FROM permissions")
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Version:     version,
		Catalog:     catalog,
		Permissions: make(map[Key]*Permission, len(perms)),
	}
	for i := range perms {
		snap.Permissions[perms[i].Key()] = &perms[i]
	}
	return snap, nil
}

// ListHistory returns permission history rows matching f ordered by seq.
func (s *SQLiteStore) ListHistory(ctx context.Context, f HistoryFilter) ([]HistoryEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	var conditions []string
	var args []any
	add := func(column, value string) {
		if value != "" {
			conditions = append(conditions, column+" = ?")
			args = append(args, value)
		}
	}
	add("role", f.Role)
	add("module", f.Module)
	add("action", f.Action)
	add("permission_id", f.PermissionID)
	add("actor_id", f.ActorID)
	if f.AfterSeq > 0 {
		conditions = append(conditions, "seq > ?")
		args = append(args, f.AfterSeq)
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, //nolint:gosec // WHERE built from parameterised conditions
		"SELECT "+historyColumns+" FROM permission_history"+where+" ORDER BY seq LIMIT ?", args...)
	if err != nil {
		return nil, storageErr("querying permission history", err)
	}
	defer rows.Close()

	entries := []HistoryEntry{}
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, storageErr("scanning permission history", err)
		}
		entries = append(entries, *h)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating permission history", err)
	}
	return entries, nil
}

// GetHistory returns a single history row by id.
func (s *SQLiteStore) GetHistory(ctx context.Context, id string) (*HistoryEntry, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+historyColumns+" FROM permission_history WHERE id = ?", id)
	h, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: history entry %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, storageErr("getting history entry", err)
	}
	return h, nil
}

// Begin starts a write transaction.
func (s *SQLiteStore) Begin(ctx context.Context) (StoreTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("starting transaction", err)
	}
	return &sqliteTx{tx: tx, now: s.now}, nil
}

// sqliteTx implements StoreTx.
type sqliteTx struct {
	tx  *sql.Tx
	now func() time.Time
}

func (t *sqliteTx) Get(ctx context.Context, key Key) (*Permission, error) {
	return getPermission(ctx, t.tx, key)
}

func (t *sqliteTx) Upsert(ctx context.Context, p *Permission) error {
	conditions, err := encodeConditions(p.Conditions)
	if err != nil {
		return err
	}
	now := t.now().UTC()

	if p.Version == 0 {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if p.CreatedBy == "" {
			p.CreatedBy = p.UpdatedBy
		}
		_, err := t.tx.ExecContext(ctx,
			`INSERT INTO permissions (`+permissionColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)`,
			p.ID, p.Role, p.Module, p.Action,
			boolToInt(p.IsAllowed), boolToInt(p.IsActive), p.Priority, conditions,
			nullString(p.CreatedBy), nullString(p.UpdatedBy),
			database.FormatTime(now), database.FormatTime(now),
		)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return fmt.Errorf("inserting permission %s: %w", p.Key(), ErrConflict)
			}
			return storageErr("inserting permission", err)
		}
		p.Version = 1
		p.CreatedAt = now
		p.UpdatedAt = now
		return nil
	}

	result, err := t.tx.ExecContext(ctx,
		`UPDATE permissions
		 SET is_allowed = ?, is_active = ?, priority = ?, conditions = ?,
		     updated_by = ?, updated_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		boolToInt(p.IsAllowed), boolToInt(p.IsActive), p.Priority, conditions,
		nullString(p.UpdatedBy), database.FormatTime(now),
		p.ID, p.Version,
	)
	if err != nil {
		return storageErr("updating permission", err)
	}
	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return fmt.Errorf("updating permission %s at version %d: %w", p.Key(), p.Version, ErrConflict)
	}
	p.Version++
	p.UpdatedAt = now
	return nil
}

func (t *sqliteTx) InsertIfAbsent(ctx context.Context, p *Permission) (bool, error) {
	conditions, err := encodeConditions(p.Conditions)
	if err != nil {
		return false, err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := t.now().UTC()

	result, err := t.tx.ExecContext(ctx,
		`INSERT INTO permissions (`+permissionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)
		 ON CONFLICT (role, module, action) DO NOTHING`,
		p.ID, p.Role, p.Module, p.Action,
		boolToInt(p.IsAllowed), boolToInt(p.IsActive), p.Priority, conditions,
		nullString(p.CreatedBy), nullString(p.UpdatedBy),
		database.FormatTime(now), database.FormatTime(now),
	)
	if err != nil {
		return false, storageErr("seeding permission", err)
	}
	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return false, nil
	}
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now
	return true, nil
}

func (t *sqliteTx) AppendHistory(ctx context.Context, h *HistoryEntry) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = t.now()
	}
	h.CreatedAt = h.CreatedAt.UTC()

	result, err := t.tx.ExecContext(ctx,
		`INSERT INTO permission_history (id, permission_id, role, module, action, field,
			old_value, new_value, actor_id, reason, audit_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.PermissionID, h.Role, h.Module, h.Action, string(h.Field),
		boolToInt(h.OldValue), boolToInt(h.NewValue), h.ActorID,
		nullString(h.Reason), nullString(h.AuditID), database.FormatTime(h.CreatedAt),
	)
	if err != nil {
		return storageErr("appending permission history", err)
	}
	h.Seq, _ = result.LastInsertId() //nolint:errcheck // always succeeds on SQLite
	return nil
}

func (t *sqliteTx) SyncCatalog(ctx context.Context, c *Catalog) (*CatalogChanges, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	changes := &CatalogChanges{}
	now := database.FormatTime(t.now())

	sets := []struct {
		kind    string
		table   string
		entries []CatalogEntry
	}{
		{"role", "rbac_roles", c.Roles},
		{"module", "rbac_modules", c.Modules},
		{"action", "rbac_actions", c.Actions},
	}
	for _, set := range sets {
		existing, err := readCatalogTable(ctx, t.tx, set.table)
		if err != nil {
			return nil, err
		}
		stored := make(map[string]CatalogEntry, len(existing))
		for _, e := range existing {
			stored[e.Name] = e
		}

		declared := make(map[string]bool, len(set.entries))
		for _, e := range set.entries {
			declared[e.Name] = true
			display := e.DisplayName
			if display == "" {
				display = e.Name
			}
			prev, ok := stored[e.Name]
			switch {
			case !ok:
				if _, err := t.tx.ExecContext(ctx, //nolint:gosec // table name from fixed list
					"INSERT INTO "+set.table+" (name, display_name, is_active, created_at, updated_at) VALUES (?, ?, 1, ?, ?)",
					e.Name, display, now, now); err != nil {
					return nil, storageErr("inserting "+set.kind, err)
				}
				changes.Added = append(changes.Added, set.kind+":"+e.Name)
			case !prev.IsActive || prev.DisplayName != display:
				if _, err := t.tx.ExecContext(ctx, //nolint:gosec // table name from fixed list
					"UPDATE "+set.table+" SET display_name = ?, is_active = 1, updated_at = ? WHERE name = ?",
					display, now, e.Name); err != nil {
					return nil, storageErr("updating "+set.kind, err)
				}
				changes.Updated = append(changes.Updated, set.kind+":"+e.Name)
			}
		}

		for _, e := range existing {
			if e.IsActive && !declared[e.Name] {
				if _, err := t.tx.ExecContext(ctx, //nolint:gosec // table name from fixed list
					"UPDATE "+set.table+" SET is_active = 0, updated_at = ? WHERE name = ?",
					now, e.Name); err != nil {
					return nil, storageErr("deactivating "+set.kind, err)
				}
				changes.Deactivated = append(changes.Deactivated, set.kind+":"+e.Name)
			}
		}
	}
	return changes, nil
}

func (t *sqliteTx) BumpVersion(ctx context.Context) (int64, error) {
	var version int64
	if err := t.tx.QueryRowContext(ctx,
		"UPDATE rbac_state SET version = version + 1 WHERE id = 1 RETURNING version").Scan(&version); err != nil {
		return 0, storageErr("bumping store version", err)
	}
	return version, nil
}

func (t *sqliteTx) Querier() database.Querier {
	return t.tx
}

func (t *sqliteTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return storageErr("committing transaction", err)
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rolling back transaction: %w", err)
	}
	return nil
}

func getPermission(ctx context.Context, q database.Querier, key Key) (*Permission, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+permissionColumns+" FROM permissions WHERE role = ? AND module = ? AND action = ?",
		key.Role, key.Module, key.Action)
	p, err := scanPermission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // absence is a normal deny, not an error
	}
	if err != nil {
		return nil, storageErr("reading permission", err)
	}
	return p, nil
}

func listPermissions(ctx context.Context, q database.Querier, query string, args ...any) ([]Permission, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("listing permissions", err)
	}
	defer rows.Close()

	perms := []Permission{}
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, storageErr("scanning permission", err)
		}
		perms = append(perms, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating permissions", err)
	}
	return perms, nil
}

func readVersion(ctx context.Context, q database.Querier) (int64, error) {
	var version int64
	if err := q.QueryRowContext(ctx,
		"SELECT version FROM rbac_state WHERE id = 1").Scan(&version); err != nil {
		return 0, storageErr("reading store version", err)
	}
	return version, nil
}

func readCatalog(ctx context.Context, q database.Querier) (*Catalog, error) {
	roles, err := readCatalogTable(ctx, q, "rbac_roles")
	if err != nil {
		return nil, err
	}
	modules, err := readCatalogTable(ctx, q, "rbac_modules")
	if err != nil {
		return nil, err
	}
	actions, err := readCatalogTable(ctx, q, "rbac_actions")
	if err != nil {
		return nil, err
	}
	return &Catalog{Roles: roles, Modules: modules, Actions: actions}, nil
}

func readCatalogTable(ctx context.Context, q database.Querier, table string) ([]CatalogEntry, error) {
	rows, err := q.QueryContext(ctx, //nolint:gosec // table name from fixed list
		"SELECT name, display_name, is_active FROM "+table+" ORDER BY name")
	if err != nil {
		return nil, storageErr("reading "+table, err)
	}
	defer rows.Close()

	entries := []CatalogEntry{}
	for rows.Next() {
		var e CatalogEntry
		var active int
		if err := rows.Scan(&e.Name, &e.DisplayName, &active); err != nil {
			return nil, storageErr("scanning "+table, err)
		}
		e.IsActive = active == 1
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating "+table, err)
	}
	return entries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPermission(s scanner) (*Permission, error) {
	var p Permission
	var allowed, active int
	var conditions, createdBy, updatedBy sql.NullString
	var createdAt, updatedAt string

	if err := s.Scan(&p.ID, &p.Role, &p.Module, &p.Action, &allowed, &active, &p.Priority,
		&conditions, &p.Version, &createdBy, &updatedBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	p.IsAllowed = allowed == 1
	p.IsActive = active == 1
	p.Conditions = decodeConditions(conditions.String)
	p.CreatedBy = createdBy.String
	p.UpdatedBy = updatedBy.String

	var err error
	if p.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanHistory(s scanner) (*HistoryEntry, error) {
	var h HistoryEntry
	var field string
	var oldValue, newValue int
	var reason, auditID sql.NullString
	var createdAt string

	if err := s.Scan(&h.Seq, &h.ID, &h.PermissionID, &h.Role, &h.Module, &h.Action, &field,
		&oldValue, &newValue, &h.ActorID, &reason, &auditID, &createdAt); err != nil {
		return nil, err
	}

	h.Field = Field(field)
	h.OldValue = oldValue == 1
	h.NewValue = newValue == 1
	h.Reason = reason.String
	h.AuditID = auditID.String

	t, err := database.ParseTime(createdAt)
	if err != nil {
		return nil, err
	}
	h.CreatedAt = t
	return &h, nil
}

// nullString returns nil for empty strings, or the string otherwise.
// Used for nullable TEXT columns in SQLite.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// boolToInt converts a bool to SQLite INTEGER (0 or 1).
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SQLiteStore)(nil)
