package rbac

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nerrad567/gray-logic-access/internal/audit"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/database"
	_ "github.com/nerrad567/gray-logic-access/migrations"
)

var testActor = Actor{ID: "user-admin", Role: "admin", Source: audit.SourceAPI, RequestID: "req-test"}

// testCatalog declares 3 roles, 4 modules and 5 actions.
func testCatalog() *Catalog {
	return &Catalog{
		Roles: []Role{
			{Name: "admin", DisplayName: "Administrator"},
			{Name: "editor", DisplayName: "Editor"},
			{Name: "viewer", DisplayName: "Viewer"},
		},
		Modules: []Module{
			{Name: "dashboard", DisplayName: "Dashboard"},
			{Name: "reports", DisplayName: "Reports"},
			{Name: "users", DisplayName: "Users"},
			{Name: "rbac", DisplayName: "Access Control"},
		},
		Actions: []Action{
			{Name: "view", DisplayName: "View"},
			{Name: "create", DisplayName: "Create"},
			{Name: "edit", DisplayName: "Edit"},
			{Name: "delete", DisplayName: "Delete"},
			{Name: "export", DisplayName: "Export"},
		},
	}
}

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "rbac.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return db
}

type testEnv struct {
	db    *database.DB
	store *SQLiteStore
	log   *audit.SQLiteLog
	svc   *Service
}

// newTestEnv returns a service over a migrated database with testCatalog synced.
func newTestEnv(t *testing.T, cfg ServiceConfig) *testEnv {
	t.Helper()
	db := openTestDB(t)
	env := &testEnv{
		db:    db,
		store: NewSQLiteStore(db),
		log:   audit.NewSQLiteLog(db),
	}
	env.svc = NewService(env.store, env.log, cfg)
	t.Cleanup(env.svc.Close)

	if _, err := env.svc.SyncCatalog(context.Background(), testActor, testCatalog()); err != nil {
		t.Fatalf("SyncCatalog() error = %v", err)
	}
	return env
}

// cacheModes runs fn once with the snapshot cache disabled and once enabled.
func cacheModes(t *testing.T, fn func(t *testing.T, env *testEnv)) {
	t.Helper()
	for _, cached := range []bool{false, true} {
		name := "uncached"
		if cached {
			name = "cached"
		}
		t.Run(name, func(t *testing.T) {
			fn(t, newTestEnv(t, ServiceConfig{MaxRetries: DefaultMaxRetries, CacheEnabled: cached}))
		})
	}
}

func countRows(t *testing.T, db *database.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		t.Fatalf("counting %s: %v", table, err)
	}
	return n
}

func mustSet(t *testing.T, svc *Service, key Key, allowed bool) *Result {
	t.Helper()
	res, err := svc.SetPermission(context.Background(), testActor, key, allowed, "test setup")
	if err != nil {
		t.Fatalf("SetPermission(%s, %v) error = %v", key, allowed, err)
	}
	return res
}

// failingAppender fails every audit append after the first ok appends.
type failingAppender struct {
	inner audit.Appender
	ok    int

	mu    sync.Mutex
	calls int
}

func (f *failingAppender) Append(ctx context.Context, q database.Querier, e *audit.Entry) (string, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if n > f.ok {
		return "", audit.ErrWriteFailed
	}
	return f.inner.Append(ctx, q, e)
}

// hookStore runs beforeBegin once, just before the next transaction starts.
// Tests use it to land another writer's commit between a read and a write.
type hookStore struct {
	Store
	beforeBegin func()
}

func (h *hookStore) Begin(ctx context.Context) (StoreTx, error) {
	if f := h.beforeBegin; f != nil {
		h.beforeBegin = nil
		f()
	}
	return h.Store.Begin(ctx)
}

// recordingNotifier captures published change events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (n *recordingNotifier) PermissionsChanged(_ context.Context, ev ChangeEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) Events() []ChangeEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ChangeEvent(nil), n.events...)
}

// countingRecorder counts recorded mutations per audit action.
type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRecorder) RecordMutation(action string, changed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[action] += changed
}
