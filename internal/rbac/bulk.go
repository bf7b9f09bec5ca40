package rbac

import (
	"context"
	"fmt"
	"strings"

	"github.com/nerrad567/gray-logic-access/internal/audit"
)

// maxBulkChanges bounds the size of one batch.
const maxBulkChanges = 1000

// Change is one requested cell value in a bulk update.
type Change struct {
	Module  string `json:"module" yaml:"module"`
	Action  string `json:"action" yaml:"action"`
	Allowed bool   `json:"allowed" yaml:"allowed"`
}

// CellChange is a cell whose value a bulk update changed.
type CellChange struct {
	Module string `json:"module"`
	Action string `json:"action"`
	Old    bool   `json:"old"`
	New    bool   `json:"new"`
}

// BulkResult reports the outcome of ApplyBulk.
type BulkResult struct {
	Role      string       `json:"role"`
	Changed   []CellChange `json:"changed"`
	Unchanged []Change     `json:"unchanged"`

	// AuditIDs holds one entry per changed cell, in the order of Changed.
	AuditIDs []string `json:"audit_ids"`

	// SummaryAuditID is the entry describing the batch as a whole.
	SummaryAuditID string `json:"summary_audit_id,omitempty"`

	Version int64 `json:"store_version,omitempty"`
}

// stagedChange is a cell diffed against a fresh read.
type stagedChange struct {
	key     Key
	current *Permission
	next    *Permission
}

// ApplyBulk sets is_allowed for several cells of one role as a single unit.
//
// The whole batch is validated first: the role, every module and action
// must be registered and no cell may appear twice. Nothing is written if
// any change is invalid. Cells already holding the requested value are
// reported as unchanged. All changed cells, their history rows, one audit
// entry per cell and one summary entry commit together; on a write
// conflict the batch is re-read and retried as a whole.
func (s *Service) ApplyBulk(ctx context.Context, actor Actor, role string, changes []Change, reason string) (*BulkResult, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if err := validateReason(reason); err != nil {
		return nil, err
	}
	if err := s.validateBulk(ctx, role, changes); err != nil {
		return nil, err
	}

	return retry(ctx, s, func() (*BulkResult, error) {
		return s.applyBulkOnce(ctx, actor, role, changes, reason)
	})
}

func (s *Service) validateBulk(ctx context.Context, role string, changes []Change) error {
	if len(changes) == 0 {
		return fmt.Errorf("%w: bulk update has no changes", ErrValidation)
	}
	if len(changes) > maxBulkChanges {
		return fmt.Errorf("%w: bulk update exceeds %d changes", ErrValidation, maxBulkChanges)
	}

	reg, err := s.registry(ctx)
	if err != nil {
		return err
	}

	var problems []string
	if !reg.roles[role] {
		problems = append(problems, fmt.Sprintf("role %q is not registered", role))
	}
	seen := make(map[[2]string]bool, len(changes))
	for i, c := range changes {
		if !reg.modules[c.Module] {
			problems = append(problems, fmt.Sprintf("change %d: module %q is not registered", i, c.Module))
		}
		if !reg.actions[c.Action] {
			problems = append(problems, fmt.Sprintf("change %d: action %q is not registered", i, c.Action))
		}
		cell := [2]string{c.Module, c.Action}
		if seen[cell] {
			problems = append(problems, fmt.Sprintf("change %d: %s:%s appears more than once", i, c.Module, c.Action))
		}
		seen[cell] = true
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

func (s *Service) applyBulkOnce(ctx context.Context, actor Actor, role string, changes []Change, reason string) (*BulkResult, error) {
	stored, err := s.store.ListByRole(ctx, role)
	if err != nil {
		return nil, err
	}
	byCell := make(map[Key]*Permission, len(stored))
	for i := range stored {
		byCell[stored[i].Key()] = &stored[i]
	}

	result := &BulkResult{
		Role:      role,
		Changed:   []CellChange{},
		Unchanged: []Change{},
		AuditIDs:  []string{},
	}

	var staged []stagedChange
	for _, c := range changes {
		key := Key{Role: role, Module: c.Module, Action: c.Action}
		current := byCell[key]
		if FieldAllowed.get(current) == c.Allowed {
			result.Unchanged = append(result.Unchanged, c)
			continue
		}
		next := newPermission(key, actor)
		if current != nil {
			next = current.clone()
		}
		next.IsAllowed = c.Allowed
		next.UpdatedBy = actor.ID
		staged = append(staged, stagedChange{key: key, current: current, next: next})
	}

	if len(staged) == 0 {
		return result, nil
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	for _, sc := range staged {
		if err := tx.Upsert(ctx, sc.next); err != nil {
			return nil, err
		}

		old, updated := FieldAllowed.get(sc.current), sc.next.IsAllowed
		before := map[string]any{string(FieldAllowed): old}
		after := map[string]any{string(FieldAllowed): updated}
		auditID, err := s.appendAudit(ctx, tx, actor, &audit.Entry{
			Action:      AuditPermissionUpdate,
			Description: describeChange(AuditPermissionUpdate, sc.key, before, after),
			TargetType:  TargetPermission,
			TargetID:    sc.next.ID,
			Before:      withKey(sc.key, before),
			After:       withKey(sc.key, after),
		}, reason)
		if err != nil {
			return nil, err
		}

		if err := tx.AppendHistory(ctx, &HistoryEntry{
			PermissionID: sc.next.ID,
			Role:         role,
			Module:       sc.key.Module,
			Action:       sc.key.Action,
			Field:        FieldAllowed,
			OldValue:     old,
			NewValue:     updated,
			ActorID:      actor.ID,
			Reason:       reason,
			AuditID:      auditID,
		}); err != nil {
			return nil, err
		}

		result.Changed = append(result.Changed, CellChange{
			Module: sc.key.Module,
			Action: sc.key.Action,
			Old:    old,
			New:    updated,
		})
		result.AuditIDs = append(result.AuditIDs, auditID)
	}

	cells := make([]string, 0, len(result.Changed))
	for _, c := range result.Changed {
		cells = append(cells, fmt.Sprintf("%s:%s=%v", c.Module, c.Action, c.New))
	}
	summaryID, err := s.appendAudit(ctx, tx, actor, &audit.Entry{
		Action:      AuditBulkUpdate,
		TargetType:  TargetRole,
		TargetID:    role,
		Description: fmt.Sprintf("bulk update of role %s: %d changed, %d unchanged", role, len(result.Changed), len(result.Unchanged)),
		After: map[string]any{
			"changed":   cells,
			"unchanged": len(result.Unchanged),
		},
	}, reason)
	if err != nil {
		return nil, err
	}

	version, err := tx.BumpVersion(ctx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	result.SummaryAuditID = summaryID
	result.Version = version

	s.afterCommit(ChangeEvent{
		Version: version,
		Action:  AuditBulkUpdate,
		Role:    role,
		ActorID: actor.ID,
		Changed: len(result.Changed),
	})
	s.logger.Info("bulk permission update applied",
		"role", role,
		"changed", len(result.Changed),
		"unchanged", len(result.Unchanged),
		"actor", actor.ID,
		"store_version", version,
	)
	return result, nil
}
