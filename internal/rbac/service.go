package rbac

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-access/internal/audit"
)

// DefaultMaxRetries bounds optimistic-concurrency retries when none is configured.
const DefaultMaxRetries = 3

// notifyTimeout bounds a single change notification.
const notifyTimeout = 5 * time.Second

// ServiceConfig tunes the permission matrix service.
type ServiceConfig struct {
	// MaxRetries is the number of times a write is retried with a fresh
	// read after losing an optimistic-concurrency race. Negative selects
	// DefaultMaxRetries.
	MaxRetries int

	// CacheEnabled serves decisions from an in-process snapshot.
	CacheEnabled bool

	// VerifyInterval is how long a snapshot is trusted without re-reading
	// the store generation. Zero re-reads it on every decision.
	VerifyInterval time.Duration

	// InstanceID tags change events published by this process.
	InstanceID string
}

// Service is the permission matrix engine. It is the only writer of
// permissions and permission history. Every mutation commits the permission
// row, its history row, its audit entry and a store version bump in one
// transaction, or none of them.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Service struct {
	store      Store
	audit      audit.Appender
	cache      *snapshotCache
	maxRetries int
	instanceID string
	now        func() time.Time

	notifier Notifier
	recorder MutationRecorder
	logger   Logger

	notifyWG sync.WaitGroup
}

// NewService creates a permission matrix service over store. Audit entries
// are appended through auditLog inside each mutation's transaction.
func NewService(store Store, auditLog audit.Appender, cfg ServiceConfig) *Service {
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	s := &Service{
		store:      store,
		audit:      auditLog,
		maxRetries: maxRetries,
		instanceID: cfg.InstanceID,
		now:        time.Now,
		logger:     noopLogger{},
	}
	if cfg.CacheEnabled {
		s.cache = newSnapshotCache(store, cfg.VerifyInterval, func() time.Time { return s.now() })
	}
	return s
}

// SetLogger sets the logger for the service.
func (s *Service) SetLogger(logger Logger) {
	s.logger = logger
}

// SetNotifier sets the publisher for change events.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetRecorder sets the mutation metrics recorder.
func (s *Service) SetRecorder(r MutationRecorder) {
	s.recorder = r
}

// Close waits for in-flight change notifications.
func (s *Service) Close() {
	s.notifyWG.Wait()
}

// Invalidate drops the decision snapshot. It is called when another
// instance reports a change.
func (s *Service) Invalidate() {
	if s.cache != nil {
		s.cache.invalidate()
	}
}

// HandleChange invalidates the snapshot for events from other instances
// that are newer than the cached snapshot.
func (s *Service) HandleChange(ev ChangeEvent) {
	if s.cache == nil || ev.Origin == s.instanceID {
		return
	}
	if ev.Version > 0 && ev.Version <= s.cache.version() {
		return
	}
	s.cache.invalidate()
}

// IsAllowed reports whether role may perform action on module. Absent,
// inactive, disallowed and conditional-but-unsatisfied permissions all
// deny, as do unregistered names. An error means the store could not be
// consulted; callers must treat it as deny.
//
// IsAllowed has no side effects and does not log.
func (s *Service) IsAllowed(ctx context.Context, role, module, action string) (bool, error) {
	return s.Decide(ctx, Request{Key: Key{Role: role, Module: module, Action: action}})
}

// Decide is IsAllowed with request attributes and an evaluation time for
// conditional grants.
func (s *Service) Decide(ctx context.Context, req Request) (bool, error) {
	if req.At.IsZero() {
		req.At = s.now()
	}

	if s.cache != nil {
		snap, err := s.cache.get(ctx)
		if err != nil {
			return false, err
		}
		if !snap.registry.registered(req.Key) {
			return false, nil
		}
		return snap.Permissions[req.Key].grants(req), nil
	}

	reg, err := s.registry(ctx)
	if err != nil {
		return false, err
	}
	if !reg.registered(req.Key) {
		return false, nil
	}
	p, err := s.store.Get(ctx, req.Key)
	if err != nil {
		return false, err
	}
	return p.grants(req), nil
}

// SetPermission sets is_allowed for key. Setting the current value is a
// successful no-op that writes nothing.
func (s *Service) SetPermission(ctx context.Context, actor Actor, key Key, allowed bool, reason string) (*Result, error) {
	return s.setField(ctx, actor, key, FieldAllowed, allowed, reason, AuditPermissionUpdate)
}

// SetActive sets is_active for key. An inactive permission denies
// regardless of is_allowed.
func (s *Service) SetActive(ctx context.Context, actor Actor, key Key, active bool, reason string) (*Result, error) {
	return s.setField(ctx, actor, key, FieldActive, active, reason, AuditPermissionActivate)
}

// SetConditions replaces the conditions of key. Conditions are audited but
// produce no history row, since history tracks boolean transitions.
func (s *Service) SetConditions(ctx context.Context, actor Actor, key Key, conds Conditions, reason string) (*Result, error) {
	if err := s.validateWrite(ctx, actor, key, reason); err != nil {
		return nil, err
	}
	if err := conds.Validate(); err != nil {
		return nil, err
	}
	if len(conds) == 0 {
		conds = nil
	}

	return retry(ctx, s, func() (*Result, error) {
		return s.writeOne(ctx, actor, key, reason, AuditPermissionConditions, "",
			func(current, next *Permission) (map[string]any, map[string]any, bool) {
				var old Conditions
				if current != nil {
					old = current.Conditions
				}
				if reflect.DeepEqual(old, conds) {
					return nil, nil, false
				}
				next.Conditions = conds
				return map[string]any{"conditions": old}, map[string]any{"conditions": conds}, true
			})
	})
}

func (s *Service) setField(ctx context.Context, actor Actor, key Key, field Field, value bool, reason, auditAction string) (*Result, error) {
	if err := s.validateWrite(ctx, actor, key, reason); err != nil {
		return nil, err
	}

	return retry(ctx, s, func() (*Result, error) {
		return s.writeOne(ctx, actor, key, reason, auditAction, field,
			func(current, next *Permission) (map[string]any, map[string]any, bool) {
				old := field.get(current)
				if old == value {
					return nil, nil, false
				}
				field.set(next, value)
				return map[string]any{string(field): old}, map[string]any{string(field): value}, true
			})
	})
}

// mutateFunc applies a change to next, a copy of current (or a fresh row
// when current is nil), and returns the audit diff. Returning false means
// the value is unchanged and nothing is written.
type mutateFunc func(current, next *Permission) (before, after map[string]any, changed bool)

// writeOne performs one optimistic read-compare-write attempt.
func (s *Service) writeOne(ctx context.Context, actor Actor, key Key, reason, auditAction string, field Field, mutate mutateFunc) (*Result, error) {
	current, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	next := newPermission(key, actor)
	if current != nil {
		next = current.clone()
	}
	before, after, changed := mutate(current, next)
	if !changed {
		return &Result{Permission: current, Changed: false}, nil
	}
	next.UpdatedBy = actor.ID

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if err := tx.Upsert(ctx, next); err != nil {
		return nil, err
	}

	auditID, err := s.appendAudit(ctx, tx, actor, &audit.Entry{
		Action:      auditAction,
		Description: describeChange(auditAction, key, before, after),
		TargetType:  TargetPermission,
		TargetID:    next.ID,
		Before:      withKey(key, before),
		After:       withKey(key, after),
	}, reason)
	if err != nil {
		return nil, err
	}

	result := &Result{Permission: next, Changed: true, AuditID: auditID}

	if field != "" {
		h := &HistoryEntry{
			PermissionID: next.ID,
			Role:         key.Role,
			Module:       key.Module,
			Action:       key.Action,
			Field:        field,
			OldValue:     field.get(current),
			NewValue:     field.get(next),
			ActorID:      actor.ID,
			Reason:       reason,
			AuditID:      auditID,
		}
		if err := tx.AppendHistory(ctx, h); err != nil {
			return nil, err
		}
		result.HistoryID = h.ID
	}

	version, err := tx.BumpVersion(ctx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	result.Version = version

	s.afterCommit(ChangeEvent{
		Version: version,
		Action:  auditAction,
		Role:    key.Role,
		ActorID: actor.ID,
		Changed: 1,
	})
	s.logger.Info("permission changed",
		"key", key.String(),
		"action", auditAction,
		"actor", actor.ID,
		"audit_id", auditID,
		"store_version", version,
	)
	return result, nil
}

// GetMatrix returns the dense matrix over the registered sets. Cells with
// no stored permission, or an inactive one, are false. Conditions are not
// evaluated: a conditional grant shows as allowed.
func (s *Service) GetMatrix(ctx context.Context) (Matrix, error) {
	var reg *registry
	var perms map[Key]*Permission

	if s.cache != nil {
		snap, err := s.cache.get(ctx)
		if err != nil {
			return nil, err
		}
		reg, perms = snap.registry, snap.Permissions
	} else {
		snap, err := s.store.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		reg, perms = snap.Catalog.index(), snap.Permissions
	}

	m := make(Matrix, len(reg.roles))
	for _, role := range reg.catalog.Roles {
		if !role.IsActive {
			continue
		}
		modules := make(map[string]map[string]bool, len(reg.modules))
		for _, module := range reg.catalog.Modules {
			if !module.IsActive {
				continue
			}
			actions := make(map[string]bool, len(reg.actions))
			for _, action := range reg.catalog.Actions {
				if !action.IsActive {
					continue
				}
				p := perms[Key{Role: role.Name, Module: module.Name, Action: action.Name}]
				actions[action.Name] = p != nil && p.IsActive && p.IsAllowed
			}
			modules[module.Name] = actions
		}
		m[role.Name] = modules
	}
	return m, nil
}

// ListByRole returns the stored permissions of a registered role ordered
// by (module, action).
func (s *Service) ListByRole(ctx context.Context, role string) ([]Permission, error) {
	reg, err := s.registry(ctx)
	if err != nil {
		return nil, err
	}
	if !reg.roles[role] {
		return nil, fmt.Errorf("%w: role %q is not registered", ErrValidation, role)
	}
	return s.store.ListByRole(ctx, role)
}

// Catalog returns the stored catalog, including inactive entries.
func (s *Service) Catalog(ctx context.Context) (*Catalog, error) {
	return s.store.Catalog(ctx)
}

// SyncCatalog makes the stored catalog match c and audits the change.
// A sync that changes nothing writes nothing.
func (s *Service) SyncCatalog(ctx context.Context, actor Actor, c *Catalog) (*CatalogChanges, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	changes, err := tx.SyncCatalog(ctx, c)
	if err != nil {
		return nil, err
	}
	if changes.Empty() {
		return changes, nil
	}

	if _, err := s.appendAudit(ctx, tx, actor, &audit.Entry{
		Action:     AuditCatalogSync,
		TargetType: TargetCatalog,
		Description: fmt.Sprintf("catalog synced: %d added, %d updated, %d deactivated",
			len(changes.Added), len(changes.Updated), len(changes.Deactivated)),
		After: map[string]any{
			"added":       changes.Added,
			"updated":     changes.Updated,
			"deactivated": changes.Deactivated,
		},
	}, ""); err != nil {
		return nil, err
	}

	version, err := tx.BumpVersion(ctx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.afterCommit(ChangeEvent{
		Version: version,
		Action:  AuditCatalogSync,
		ActorID: actor.ID,
		Changed: len(changes.Added) + len(changes.Updated) + len(changes.Deactivated),
	})
	s.logger.Info("catalog synced",
		"added", len(changes.Added),
		"updated", len(changes.Updated),
		"deactivated", len(changes.Deactivated),
	)
	return changes, nil
}

// History returns permission history rows matching f.
func (s *Service) History(ctx context.Context, f HistoryFilter) ([]HistoryEntry, error) {
	return s.store.ListHistory(ctx, f)
}

// HistoryEntry returns one history row, or ErrNotFound.
func (s *Service) HistoryEntry(ctx context.Context, id string) (*HistoryEntry, error) {
	return s.store.GetHistory(ctx, id)
}

// registry returns the registered sets, from the snapshot when cached.
func (s *Service) registry(ctx context.Context) (*registry, error) {
	if s.cache != nil {
		snap, err := s.cache.get(ctx)
		if err != nil {
			return nil, err
		}
		return snap.registry, nil
	}
	c, err := s.store.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	return c.index(), nil
}

func (s *Service) validateWrite(ctx context.Context, actor Actor, key Key, reason string) error {
	if err := actor.validate(); err != nil {
		return err
	}
	if err := validateReason(reason); err != nil {
		return err
	}
	reg, err := s.registry(ctx)
	if err != nil {
		return err
	}
	return reg.validateKey(key)
}

// appendAudit writes e inside tx on behalf of actor. Failures are reported
// as ErrAuditWrite so the caller rolls the whole mutation back.
func (s *Service) appendAudit(ctx context.Context, tx StoreTx, actor Actor, e *audit.Entry, reason string) (string, error) {
	e.ActorID = actor.ID
	e.ActorRole = actor.Role
	e.Source = actor.Source
	e.RequestID = actor.RequestID
	if reason != "" {
		if e.After == nil {
			e.After = map[string]any{}
		}
		e.After["reason"] = reason
	}

	id, err := s.audit.Append(ctx, tx.Querier(), e)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuditWrite, err)
	}
	return id, nil
}

// afterCommit runs the post-commit side effects of a mutation. The snapshot
// is invalidated before the mutating call returns, so the caller's next
// decision observes its own write.
func (s *Service) afterCommit(ev ChangeEvent) {
	if s.cache != nil {
		s.cache.invalidate()
	}
	if s.recorder != nil {
		s.recorder.RecordMutation(ev.Action, ev.Changed)
	}
	if s.notifier == nil {
		return
	}

	ev.Origin = s.instanceID
	ev.At = s.now().UTC()
	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := s.notifier.PermissionsChanged(ctx, ev); err != nil {
			s.logger.Warn("publishing permission change failed",
				"action", ev.Action,
				"store_version", ev.Version,
				"error", err,
			)
		}
	}()
}

// retry runs fn until it succeeds, fails with something other than
// ErrConflict, or s.maxRetries retries are spent.
func retry[T any](ctx context.Context, s *Service, fn func() (T, error)) (T, error) {
	for attempt := 0; ; attempt++ {
		res, err := fn()
		if err == nil || !errors.Is(err, ErrConflict) || attempt >= s.maxRetries {
			return res, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			var zero T
			return zero, fmt.Errorf("retrying after conflict: %w", ctxErr)
		}
		s.logger.Debug("write conflict, retrying with fresh read", "attempt", attempt+1)
	}
}

// newPermission returns an unsaved, active, denying permission for key.
func newPermission(key Key, actor Actor) *Permission {
	return &Permission{
		Role:      key.Role,
		Module:    key.Module,
		Action:    key.Action,
		IsActive:  true,
		CreatedBy: actor.ID,
	}
}

func withKey(key Key, state map[string]any) map[string]any {
	out := map[string]any{
		"role":   key.Role,
		"module": key.Module,
		"action": key.Action,
	}
	for k, v := range state {
		out[k] = v
	}
	return out
}

func describeChange(auditAction string, key Key, before, after map[string]any) string {
	for field, newValue := range after {
		return fmt.Sprintf("%s %s: %s %v -> %v", auditAction, key, field, before[field], newValue)
	}
	return auditAction + " " + key.String()
}
