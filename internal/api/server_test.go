package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nerrad567/gray-logic-access/internal/audit"
	"github.com/nerrad567/gray-logic-access/internal/auth"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-access/internal/rbac"
	_ "github.com/nerrad567/gray-logic-access/migrations"
)

const (
	testSecret = "test-secret-key-at-least-32-characters-long"
	testIssuer = "graylogic-auth"
)

var systemActor = rbac.Actor{ID: "system", Source: audit.SourceSystem}

func testCatalog() *rbac.Catalog {
	return &rbac.Catalog{
		Roles: []rbac.Role{
			{Name: "admin", DisplayName: "Administrator"},
			{Name: "editor", DisplayName: "Editor"},
			{Name: "viewer", DisplayName: "Viewer"},
		},
		Modules: []rbac.Module{
			{Name: "rbac", DisplayName: "Access Control"},
			{Name: "audit", DisplayName: "Audit"},
			{Name: "reports", DisplayName: "Reports"},
		},
		Actions: []rbac.Action{
			{Name: "view", DisplayName: "View"},
			{Name: "edit", DisplayName: "Edit"},
		},
	}
}

type testServer struct {
	handler http.Handler
	svc     *rbac.Service
	guard   *auth.Guard
	db      *database.DB
}

// newTestServer returns a server over a migrated database where admin holds
// every permission, editor may view the matrix and viewer holds nothing.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "access.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrating database: %v", err)
	}

	auditLog := audit.NewSQLiteLog(db)
	svc := rbac.NewService(rbac.NewSQLiteStore(db), auditLog, rbac.ServiceConfig{
		MaxRetries:   rbac.DefaultMaxRetries,
		CacheEnabled: true,
	})
	t.Cleanup(svc.Close)

	if _, err := svc.SyncCatalog(ctx, systemActor, testCatalog()); err != nil {
		t.Fatalf("SyncCatalog() error = %v", err)
	}
	if _, err := svc.InitializeDefaults(ctx, systemActor, rbac.DenyAllExcept("admin")); err != nil {
		t.Fatalf("InitializeDefaults() error = %v", err)
	}
	if _, err := svc.SetPermission(ctx, systemActor,
		rbac.Key{Role: "editor", Module: "rbac", Action: "view"}, true, "setup"); err != nil {
		t.Fatalf("SetPermission() error = %v", err)
	}

	guard := auth.NewGuard(svc, auth.GuardConfig{})
	srv, err := New(Deps{
		Config:   config.APIConfig{Host: "127.0.0.1", Port: 0},
		Security: config.SecurityConfig{JWT: config.JWTConfig{Secret: testSecret, Issuer: testIssuer}},
		Logger:   logging.Discard(),
		Service:  svc,
		Audit:    auditLog,
		Guard:    guard,
		Defaults: rbac.DenyAllExcept("admin"),
		Checks:   map[string]HealthChecker{"database": db},
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return &testServer{handler: srv.Handler(), svc: svc, guard: guard, db: db}
}

func tokenFor(t *testing.T, subject, role string) string {
	t.Helper()
	now := time.Now()
	claims := auth.CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    testIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(15 * time.Minute)),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

// do sends a request as role (no token when role is empty).
func (ts *testServer) do(t *testing.T, role, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, "usr-"+role, role))
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New(Deps{}) error = nil, want error")
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "", http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not set")
	}
}

func TestHealth_Degraded(t *testing.T) {
	ts := newTestServer(t)
	ts.db.Close()

	rec := ts.do(t, "", http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRequestID_Propagated(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "req-abc" {
		t.Errorf("X-Request-ID = %q, want %q", got, "req-abc")
	}
}

func TestAuthMiddleware(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not-a-jwt"},
		{"wrong secret", "Bearer " + func() string {
			tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.CustomClaims{
				RegisteredClaims: jwt.RegisteredClaims{
					Subject:   "usr-admin",
					Issuer:    testIssuer,
					ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
				},
				Role: "admin",
			}).SignedString([]byte("another-secret-key-of-sufficient-length"))
			return tok
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/rbac/matrix", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			ts.handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestRoutes_Guarded(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		role   string
		method string
		path   string
		want   int
	}{
		{"admin reads matrix", "admin", http.MethodGet, "/api/v1/rbac/matrix", http.StatusOK},
		{"editor reads matrix", "editor", http.MethodGet, "/api/v1/rbac/matrix", http.StatusOK},
		{"viewer reads matrix", "viewer", http.MethodGet, "/api/v1/rbac/matrix", http.StatusForbidden},
		{"editor reads catalog", "editor", http.MethodGet, "/api/v1/rbac/catalog", http.StatusOK},
		{"editor writes", "editor", http.MethodPut, "/api/v1/rbac/permissions", http.StatusForbidden},
		{"editor reads audit", "editor", http.MethodGet, "/api/v1/audit", http.StatusForbidden},
		{"admin reads audit", "admin", http.MethodGet, "/api/v1/audit", http.StatusOK},
		{"admin reads history", "admin", http.MethodGet, "/api/v1/rbac/history", http.StatusOK},
		{"unknown role", "contractor", http.MethodGet, "/api/v1/rbac/matrix", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.role, tt.method, tt.path, nil)
			if rec.Code != tt.want {
				t.Errorf("%s %s as %s: status = %d, want %d", tt.method, tt.path, tt.role, rec.Code, tt.want)
			}
		})
	}
}

func TestRoutes_ForbiddenBodyIsUniform(t *testing.T) {
	ts := newTestServer(t)

	unknown := ts.do(t, "contractor", http.MethodGet, "/api/v1/rbac/matrix", nil)
	denied := ts.do(t, "viewer", http.MethodGet, "/api/v1/rbac/matrix", nil)

	if unknown.Body.String() != denied.Body.String() {
		t.Errorf("forbidden bodies differ:\n%s\n%s", unknown.Body.String(), denied.Body.String())
	}
	if !strings.Contains(denied.Body.String(), "not permitted") {
		t.Errorf("body = %s, want not permitted", denied.Body.String())
	}
}

func TestCheck(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		role string
		body any
		want bool
	}{
		{"admin allowed", "admin", checkRequest{Module: "reports", Action: "edit"}, true},
		{"viewer denied", "viewer", checkRequest{Module: "reports", Action: "view"}, false},
		{"unknown module denied", "admin", checkRequest{Module: "billing", Action: "view"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.role, http.MethodPost, "/api/v1/access/check", tt.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
			}
			body := decode[map[string]any](t, rec)
			if body["allowed"] != tt.want {
				t.Errorf("allowed = %v, want %v", body["allowed"], tt.want)
			}
		})
	}
}

func TestCheck_WithAttributes(t *testing.T) {
	ts := newTestServer(t)
	key := rbac.Key{Role: "admin", Module: "reports", Action: "view"}
	conds := rbac.Conditions{rbac.AttributeEquals{Attribute: "site", Value: "north"}}
	if _, err := ts.svc.SetConditions(context.Background(), systemActor, key, conds, "site scoped"); err != nil {
		t.Fatalf("SetConditions() error = %v", err)
	}

	tests := []struct {
		name  string
		attrs map[string]string
		want  bool
	}{
		{"matching attribute", map[string]string{"site": "north"}, true},
		{"other attribute value", map[string]string{"site": "south"}, false},
		{"no attributes", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, "admin", http.MethodPost, "/api/v1/access/check",
				checkRequest{Module: "reports", Action: "view", Attributes: tt.attrs})
			body := decode[map[string]any](t, rec)
			if body["allowed"] != tt.want {
				t.Errorf("allowed = %v, want %v", body["allowed"], tt.want)
			}
		})
	}
}

func TestCheck_BadRequest(t *testing.T) {
	ts := newTestServer(t)

	for _, body := range []any{"{not json", checkRequest{Module: "reports"}} {
		rec := ts.do(t, "admin", http.MethodPost, "/api/v1/access/check", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %v: status = %d, want %d", body, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestGetMatrix(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "admin", http.MethodGet, "/api/v1/rbac/matrix", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decode[struct {
		Matrix rbac.Matrix `json:"matrix"`
	}](t, rec)

	if len(body.Matrix) != 3 {
		t.Errorf("len(matrix) = %d, want 3 roles", len(body.Matrix))
	}
	if !body.Matrix.Allowed(rbac.Key{Role: "admin", Module: "reports", Action: "edit"}) {
		t.Error("admin:reports:edit = false, want true")
	}
	if !body.Matrix.Allowed(rbac.Key{Role: "editor", Module: "rbac", Action: "view"}) {
		t.Error("editor:rbac:view = false, want true")
	}
	viewer := body.Matrix["viewer"]["reports"]
	if allowed, ok := viewer["view"]; !ok || allowed {
		t.Errorf("viewer:reports:view = %v (present %v), want false and present", allowed, ok)
	}
}

func TestSetPermission(t *testing.T) {
	ts := newTestServer(t)
	req := setPermissionRequest{
		Key:     rbac.Key{Role: "viewer", Module: "reports", Action: "view"},
		Allowed: new(bool),
		Reason:  "read access for viewers",
	}
	*req.Allowed = true

	rec := ts.do(t, "admin", http.MethodPut, "/api/v1/rbac/permissions", req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	result := decode[rbac.Result](t, rec)
	if !result.Changed {
		t.Error("Changed = false, want true")
	}
	if result.AuditID == "" {
		t.Error("AuditID is empty")
	}

	allowed, err := ts.svc.IsAllowed(context.Background(), "viewer", "reports", "view")
	if err != nil || !allowed {
		t.Errorf("IsAllowed() = %v, %v, want true, nil", allowed, err)
	}

	// The audit entry carries the API actor and request id.
	entry := decode[audit.Entry](t, ts.do(t, "admin", http.MethodGet, "/api/v1/audit/"+result.AuditID, nil))
	if entry.ActorID != "usr-admin" {
		t.Errorf("ActorID = %q, want %q", entry.ActorID, "usr-admin")
	}
	if entry.Source != audit.SourceAPI {
		t.Errorf("Source = %q, want %q", entry.Source, audit.SourceAPI)
	}
	if entry.RequestID == "" {
		t.Error("RequestID is empty")
	}
	if entry.Action != rbac.AuditPermissionUpdate {
		t.Errorf("Action = %q, want %q", entry.Action, rbac.AuditPermissionUpdate)
	}
}

func TestSetPermission_Errors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"invalid json", "{", http.StatusBadRequest},
		{"missing allowed", map[string]any{"role": "viewer", "module": "reports", "action": "view"}, http.StatusBadRequest},
		{"unknown role", map[string]any{"role": "ghost", "module": "reports", "action": "view", "allowed": true}, http.StatusBadRequest},
		{"unknown action", map[string]any{"role": "viewer", "module": "reports", "action": "fly", "allowed": true}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, "admin", http.MethodPut, "/api/v1/rbac/permissions", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestSetActive(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]any{
		"role": "editor", "module": "rbac", "action": "view",
		"active": false, "reason": "suspend",
	}

	rec := ts.do(t, "admin", http.MethodPut, "/api/v1/rbac/permissions/active", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	if got := ts.do(t, "editor", http.MethodGet, "/api/v1/rbac/matrix", nil).Code; got != http.StatusForbidden {
		t.Errorf("editor after deactivation: status = %d, want %d", got, http.StatusForbidden)
	}
}

func TestSetConditions(t *testing.T) {
	ts := newTestServer(t)
	body := `{"role":"admin","module":"reports","action":"edit",` +
		`"conditions":[{"kind":"attribute_equals","attribute":"site","value":"north"}],"reason":"scope"}`

	rec := ts.do(t, "admin", http.MethodPut, "/api/v1/rbac/permissions/conditions", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	result := decode[rbac.Result](t, rec)
	if result.Permission == nil || len(result.Permission.Conditions) != 1 {
		t.Fatalf("Permission = %+v, want one condition", result.Permission)
	}

	bad := `{"role":"admin","module":"reports","action":"edit",` +
		`"conditions":[{"kind":"time_window","start":"25:00","end":"06:00"}]}`
	if got := ts.do(t, "admin", http.MethodPut, "/api/v1/rbac/permissions/conditions", bad).Code; got != http.StatusBadRequest {
		t.Errorf("invalid window: status = %d, want %d", got, http.StatusBadRequest)
	}
}

func TestApplyBulk(t *testing.T) {
	ts := newTestServer(t)
	body := bulkRequest{
		Changes: []rbac.Change{
			{Module: "reports", Action: "view", Allowed: true},
			{Module: "reports", Action: "edit", Allowed: true},
			{Module: "audit", Action: "view", Allowed: false},
		},
		Reason: "viewer onboarding",
	}

	rec := ts.do(t, "admin", http.MethodPost, "/api/v1/rbac/roles/viewer/bulk", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	result := decode[rbac.BulkResult](t, rec)
	if len(result.Changed) != 2 {
		t.Errorf("len(Changed) = %d, want 2", len(result.Changed))
	}
	if len(result.Unchanged) != 1 {
		t.Errorf("len(Unchanged) = %d, want 1", len(result.Unchanged))
	}
	if result.SummaryAuditID == "" {
		t.Error("SummaryAuditID is empty")
	}
}

func TestApplyBulk_InvalidBatchWritesNothing(t *testing.T) {
	ts := newTestServer(t)
	body := bulkRequest{Changes: []rbac.Change{
		{Module: "reports", Action: "view", Allowed: true},
		{Module: "reports", Action: "teleport", Allowed: true},
	}}

	rec := ts.do(t, "admin", http.MethodPost, "/api/v1/rbac/roles/viewer/bulk", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	allowed, err := ts.svc.IsAllowed(context.Background(), "viewer", "reports", "view")
	if err != nil || allowed {
		t.Errorf("IsAllowed() = %v, %v, want false, nil", allowed, err)
	}
}

func TestInitializeDefaults_Idempotent(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "admin", http.MethodPost, "/api/v1/rbac/defaults", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	result := decode[rbac.SeedResult](t, rec)
	if result.Seeded != 0 {
		t.Errorf("Seeded = %d, want 0", result.Seeded)
	}
	if result.Existing != 3*3*2 {
		t.Errorf("Existing = %d, want %d", result.Existing, 3*3*2)
	}
}

func TestHistory(t *testing.T) {
	ts := newTestServer(t)
	for _, allowed := range []bool{true, false} {
		if _, err := ts.svc.SetPermission(context.Background(), systemActor,
			rbac.Key{Role: "viewer", Module: "reports", Action: "view"}, allowed, "toggle"); err != nil {
			t.Fatalf("SetPermission() error = %v", err)
		}
	}

	rec := ts.do(t, "admin", http.MethodGet, "/api/v1/rbac/history?role=viewer&module=reports&limit=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	page := decode[struct {
		Entries      []rbac.HistoryEntry `json:"entries"`
		NextAfterSeq int64               `json:"next_after_seq"`
	}](t, rec)
	if len(page.Entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(page.Entries))
	}
	first := page.Entries[0]
	if first.OldValue || !first.NewValue {
		t.Errorf("first transition = %v→%v, want false→true", first.OldValue, first.NewValue)
	}

	next := decode[struct {
		Entries []rbac.HistoryEntry `json:"entries"`
	}](t, ts.do(t, "admin", http.MethodGet,
		"/api/v1/rbac/history?role=viewer&module=reports&after_seq="+jsonInt(page.NextAfterSeq), nil))
	if len(next.Entries) != 1 || next.Entries[0].NewValue {
		t.Errorf("second page = %+v, want one true→false transition", next.Entries)
	}

	one := ts.do(t, "admin", http.MethodGet, "/api/v1/rbac/history/"+first.ID, nil)
	if one.Code != http.StatusOK {
		t.Errorf("get history status = %d, want %d", one.Code, http.StatusOK)
	}
	if got := ts.do(t, "admin", http.MethodGet, "/api/v1/rbac/history/missing", nil).Code; got != http.StatusNotFound {
		t.Errorf("missing history status = %d, want %d", got, http.StatusNotFound)
	}
	if got := ts.do(t, "admin", http.MethodGet, "/api/v1/rbac/history?limit=zero", nil).Code; got != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want %d", got, http.StatusBadRequest)
	}
}

func TestAudit_Query(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "admin", http.MethodGet, "/api/v1/audit?action=permission.update&order=desc&limit=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	page := decode[audit.Page](t, rec)
	if len(page.Entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(page.Entries))
	}
	if page.Entries[0].Action != rbac.AuditPermissionUpdate {
		t.Errorf("Action = %q, want %q", page.Entries[0].Action, rbac.AuditPermissionUpdate)
	}

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"bad order", "?order=sideways", http.StatusBadRequest},
		{"bad since", "?since=yesterday", http.StatusBadRequest},
		{"bad cursor", "?cursor=%21%21", http.StatusBadRequest},
		{"bad limit", "?limit=-1", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ts.do(t, "admin", http.MethodGet, "/api/v1/audit"+tt.query, nil).Code; got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}

	if got := ts.do(t, "admin", http.MethodGet, "/api/v1/audit/01HZZZZZZZZZZZZZZZZZZZZZZZ", nil).Code; got != http.StatusNotFound {
		t.Errorf("missing entry status = %d, want %d", got, http.StatusNotFound)
	}
}

func TestStorageUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.svc.Invalidate()
	ts.db.Close()

	// The guard cannot read the store, so it denies.
	if got := ts.do(t, "admin", http.MethodGet, "/api/v1/rbac/matrix", nil).Code; got != http.StatusForbidden {
		t.Errorf("status = %d, want %d", got, http.StatusForbidden)
	}
}

// faultRecorder counts faults reported by the guard.
type faultRecorder struct {
	mu     sync.Mutex
	faults []string
}

func (r *faultRecorder) RecordDecision(string, string, string, bool, time.Duration) {}

func (r *faultRecorder) RecordFault(module, action string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults = append(r.faults, module+":"+action)
}

func TestCheck_WithAttributesReportsFaults(t *testing.T) {
	ts := newTestServer(t)
	rec := &faultRecorder{}
	ts.guard.SetRecorder(rec)
	ts.svc.Invalidate()
	ts.db.Close()

	w := ts.do(t, "editor", http.MethodPost, "/api/v1/access/check", map[string]any{
		"module":     "reports",
		"action":     "view",
		"attributes": map[string]string{"site": "north"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Allowed {
		t.Error("allowed = true with the store closed, want false")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.faults) != 1 || rec.faults[0] != "reports:view" {
		t.Errorf("faults = %v, want [reports:view]", rec.faults)
	}
}

func TestWriteServiceError(t *testing.T) {
	s := &Server{logger: logging.Discard()}

	tests := []struct {
		err  error
		want int
	}{
		{rbac.ErrValidation, http.StatusBadRequest},
		{audit.ErrInvalidCursor, http.StatusBadRequest},
		{rbac.ErrNotFound, http.StatusNotFound},
		{audit.ErrNotFound, http.StatusNotFound},
		{rbac.ErrConflict, http.StatusConflict},
		{rbac.ErrAuditWrite, http.StatusServiceUnavailable},
		{rbac.ErrStorageUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			s.writeServiceError(rec, req, tt.err)
			if rec.Code != tt.want {
				t.Errorf("writeServiceError(%v) status = %d, want %d", tt.err, rec.Code, tt.want)
			}
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	s := &Server{logger: logging.Discard()}
	h := s.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
