package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nerrad567/gray-logic-access/internal/audit"
	"github.com/nerrad567/gray-logic-access/internal/rbac"
)

// writeTestConfig writes a config over a temp database and returns its path.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := fmt.Sprintf(`
service:
  id: access-test
database:
  path: %q
  wal_mode: true
  busy_timeout: 5
logging:
  level: error
  format: text
rbac:
  roles:
    - {name: admin, display_name: Administrator}
    - {name: viewer, display_name: Viewer}
  modules:
    - {name: reports, display_name: Reports}
    - {name: users, display_name: Users}
  actions:
    - {name: view, display_name: View}
    - {name: edit, display_name: Edit}
  super_role: admin
`, filepath.Join(dir, "access.db"))

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

// execute runs accessctl with args against configPath and returns stdout.
func execute(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", configPath, "--actor", "ops-1"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustExecute(t *testing.T, configPath string, args ...string) string {
	t.Helper()
	out, err := execute(t, configPath, args...)
	if err != nil {
		t.Fatalf("accessctl %s: %v", strings.Join(args, " "), err)
	}
	return out
}

// bootstrap migrates, syncs and seeds the test database.
func bootstrap(t *testing.T) string {
	t.Helper()
	cfg := writeTestConfig(t)
	mustExecute(t, cfg, "migrate")
	mustExecute(t, cfg, "sync")
	mustExecute(t, cfg, "defaults")
	return cfg
}

func TestMigrate_Status(t *testing.T) {
	cfg := writeTestConfig(t)

	before := mustExecute(t, cfg, "migrate", "status")
	if !strings.Contains(before, "pending") {
		t.Errorf("status before migrate = %q, want pending rows", before)
	}

	if out := mustExecute(t, cfg, "migrate"); !strings.Contains(out, "Applied 3 migration(s)") {
		t.Errorf("migrate output = %q", out)
	}

	after := mustExecute(t, cfg, "migrate", "status")
	if strings.Contains(after, "pending") {
		t.Errorf("status after migrate = %q, want no pending rows", after)
	}
}

func TestSync_Idempotent(t *testing.T) {
	cfg := writeTestConfig(t)

	first := mustExecute(t, cfg, "sync", "--json")
	var changes rbac.CatalogChanges
	if err := json.Unmarshal([]byte(first), &changes); err != nil {
		t.Fatalf("decoding sync output %q: %v", first, err)
	}
	if len(changes.Added) == 0 {
		t.Error("first sync added nothing")
	}

	if out := mustExecute(t, cfg, "sync"); !strings.Contains(out, "already up to date") {
		t.Errorf("second sync output = %q, want up to date", out)
	}
}

func TestDefaults(t *testing.T) {
	cfg := writeTestConfig(t)
	mustExecute(t, cfg, "sync")

	var first rbac.SeedResult
	if err := json.Unmarshal([]byte(mustExecute(t, cfg, "defaults", "--json")), &first); err != nil {
		t.Fatalf("decoding defaults output: %v", err)
	}
	if first.Seeded != 8 {
		t.Errorf("Seeded = %d, want 8", first.Seeded)
	}

	var second rbac.SeedResult
	if err := json.Unmarshal([]byte(mustExecute(t, cfg, "defaults", "--json")), &second); err != nil {
		t.Fatalf("decoding defaults output: %v", err)
	}
	if second.Seeded != 0 || second.Existing != 8 {
		t.Errorf("second run = %+v, want 0 seeded, 8 existing", second)
	}
}

func TestSetAndCheck(t *testing.T) {
	cfg := bootstrap(t)

	if out := mustExecute(t, cfg, "check", "viewer", "reports", "view"); !strings.Contains(out, "denied") {
		t.Errorf("check before set = %q, want denied", out)
	}

	out := mustExecute(t, cfg, "set", "viewer", "reports", "view", "allow", "--reason", "read access")
	if !strings.Contains(out, "updated") {
		t.Errorf("set output = %q, want updated", out)
	}
	if out := mustExecute(t, cfg, "set", "viewer", "reports", "view", "allow"); !strings.Contains(out, "unchanged") {
		t.Errorf("repeated set output = %q, want unchanged", out)
	}

	if out := mustExecute(t, cfg, "check", "viewer", "reports", "view"); !strings.Contains(out, "allowed") {
		t.Errorf("check after set = %q, want allowed", out)
	}

	mustExecute(t, cfg, "activate", "viewer", "reports", "view", "--off")
	if out := mustExecute(t, cfg, "check", "viewer", "reports", "view"); !strings.Contains(out, "denied") {
		t.Errorf("check after deactivate = %q, want denied", out)
	}
}

func TestSet_Errors(t *testing.T) {
	cfg := bootstrap(t)

	tests := []struct {
		name string
		args []string
	}{
		{"bad value", []string{"set", "viewer", "reports", "view", "maybe"}},
		{"unknown role", []string{"set", "ghost", "reports", "view", "allow"}},
		{"missing args", []string{"set", "viewer", "reports"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, cfg, tt.args...); err == nil {
				t.Errorf("accessctl %v: error = nil, want error", tt.args)
			}
		})
	}
}

func TestConditions(t *testing.T) {
	cfg := bootstrap(t)

	mustExecute(t, cfg, "conditions", "admin", "reports", "view",
		`[{"kind":"attribute_equals","attribute":"site","value":"north"}]`)

	if out := mustExecute(t, cfg, "check", "admin", "reports", "view", "--attr", "site=north"); !strings.Contains(out, "allowed") {
		t.Errorf("check with matching attribute = %q, want allowed", out)
	}
	if out := mustExecute(t, cfg, "check", "admin", "reports", "view"); !strings.Contains(out, "denied") {
		t.Errorf("check without attribute = %q, want denied", out)
	}

	mustExecute(t, cfg, "conditions", "admin", "reports", "view", "--clear")
	if out := mustExecute(t, cfg, "check", "admin", "reports", "view"); !strings.Contains(out, "allowed") {
		t.Errorf("check after clear = %q, want allowed", out)
	}

	if _, err := execute(t, cfg, "conditions", "admin", "reports", "view"); err == nil {
		t.Error("conditions without JSON or --clear: error = nil, want error")
	}
}

func TestBulk(t *testing.T) {
	cfg := bootstrap(t)
	file := filepath.Join(t.TempDir(), "changes.yaml")
	content := `
reason: viewer onboarding
changes:
  - {module: reports, action: view, allowed: true}
  - {module: users, action: view, allowed: true}
  - {module: users, action: edit, allowed: false}
`
	if err := os.WriteFile(file, []byte(content), 0600); err != nil {
		t.Fatalf("writing change file: %v", err)
	}

	var res rbac.BulkResult
	if err := json.Unmarshal([]byte(mustExecute(t, cfg, "bulk", "viewer", "--file", file, "--json")), &res); err != nil {
		t.Fatalf("decoding bulk output: %v", err)
	}
	if len(res.Changed) != 2 || len(res.Unchanged) != 1 {
		t.Errorf("bulk = %d changed, %d unchanged, want 2 and 1", len(res.Changed), len(res.Unchanged))
	}

	var matrix rbac.Matrix
	if err := json.Unmarshal([]byte(mustExecute(t, cfg, "matrix", "viewer", "--json")), &matrix); err != nil {
		t.Fatalf("decoding matrix output: %v", err)
	}
	if !matrix.Allowed(rbac.Key{Role: "viewer", Module: "users", Action: "view"}) {
		t.Error("viewer:users:view = false, want true")
	}
	if _, ok := matrix["admin"]; ok {
		t.Error("matrix viewer includes admin")
	}
}

func TestBulk_InvalidFile(t *testing.T) {
	cfg := bootstrap(t)
	file := filepath.Join(t.TempDir(), "changes.json")
	if err := os.WriteFile(file, []byte(`{"changes":[{"module":"billing","action":"view","allowed":true}]}`), 0600); err != nil {
		t.Fatalf("writing change file: %v", err)
	}

	if _, err := execute(t, cfg, "bulk", "viewer", "--file", file); err == nil {
		t.Error("bulk with unknown module: error = nil, want error")
	}
	if _, err := execute(t, cfg, "bulk", "viewer", "--file", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("bulk with missing file: error = nil, want error")
	}
}

func TestMatrix_Table(t *testing.T) {
	cfg := bootstrap(t)

	out := mustExecute(t, cfg, "matrix")
	if !strings.HasPrefix(out, "ROLE") {
		t.Errorf("matrix output = %q, want table header", out)
	}
	// 1 header + 2 roles × 2 modules.
	if lines := strings.Count(strings.TrimSpace(out), "\n") + 1; lines != 5 {
		t.Errorf("matrix lines = %d, want 5:\n%s", lines, out)
	}

	if _, err := execute(t, cfg, "matrix", "ghost"); err == nil {
		t.Error("matrix for unknown role: error = nil, want error")
	}
}

func TestHistoryAndAudit(t *testing.T) {
	cfg := bootstrap(t)
	mustExecute(t, cfg, "set", "viewer", "reports", "edit", "allow", "--reason", "temporary")
	mustExecute(t, cfg, "set", "viewer", "reports", "edit", "deny", "--reason", "revoked")

	var history []rbac.HistoryEntry
	if err := json.Unmarshal([]byte(mustExecute(t, cfg, "history", "--role", "viewer", "--json")), &history); err != nil {
		t.Fatalf("decoding history output: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	if history[0].ActorID != "ops-1" || history[1].Reason != "revoked" {
		t.Errorf("history = %+v", history)
	}

	var page audit.Page
	out := mustExecute(t, cfg, "audit", "--action", rbac.AuditPermissionUpdate, "--all", "--json")
	if err := json.Unmarshal([]byte(out), &page); err != nil {
		t.Fatalf("decoding audit output: %v", err)
	}
	if len(page.Entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(page.Entries))
	}
	for _, e := range page.Entries {
		if e.Source != audit.SourceCLI {
			t.Errorf("Source = %q, want %q", e.Source, audit.SourceCLI)
		}
	}

	if out := mustExecute(t, cfg, "audit", "--limit", "1"); !strings.Contains(out, "--cursor") {
		t.Errorf("paged audit output = %q, want a cursor hint", out)
	}
}

func TestParseAttributes(t *testing.T) {
	got, err := parseAttributes([]string{"site=north", "shift=night"})
	if err != nil {
		t.Fatalf("parseAttributes() error = %v", err)
	}
	if got["site"] != "north" || got["shift"] != "night" {
		t.Errorf("parseAttributes() = %v", got)
	}

	if _, err := parseAttributes([]string{"site"}); err == nil {
		t.Error("parseAttributes(site) error = nil, want error")
	}
}
