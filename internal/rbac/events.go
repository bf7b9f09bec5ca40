package rbac

import (
	"context"
	"time"
)

// Audit actions written by the service.
const (
	AuditPermissionUpdate     = "permission.update"
	AuditPermissionActivate   = "permission.set_active"
	AuditPermissionConditions = "permission.set_conditions"
	AuditBulkUpdate           = "permission.bulk_update"
	AuditDefaultsSeeded       = "permission.defaults_seeded"
	AuditCatalogSync          = "catalog.sync"
)

// Audit target types written by the service.
const (
	TargetPermission = "permission"
	TargetRole       = "role"
	TargetMatrix     = "matrix"
	TargetCatalog    = "catalog"
)

// ChangeEvent announces a committed change to the store.
type ChangeEvent struct {
	// Origin is the instance that made the change. Instances ignore their own events.
	Origin  string    `json:"origin"`
	Version int64     `json:"version"`
	Action  string    `json:"action"`
	Role    string    `json:"role,omitempty"`
	ActorID string    `json:"actor_id"`
	Changed int       `json:"changed"`
	At      time.Time `json:"at"`
}

// Notifier publishes change events to other instances sharing the store.
type Notifier interface {
	PermissionsChanged(ctx context.Context, ev ChangeEvent) error
}

// MutationRecorder counts committed mutations for monitoring.
type MutationRecorder interface {
	RecordMutation(action string, changed int)
}

// Logger is the logging interface used by the service.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
