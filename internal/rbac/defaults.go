package rbac

import (
	"context"
	"fmt"

	"github.com/nerrad567/gray-logic-access/internal/audit"
)

// DefaultPolicy decides the initial is_allowed value of a matrix cell.
type DefaultPolicy func(key Key) bool

// DenyAllExcept grants every cell to the listed roles and denies the rest.
func DenyAllExcept(roles ...string) DefaultPolicy {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		if r != "" {
			allowed[r] = true
		}
	}
	return func(k Key) bool {
		return allowed[k.Role]
	}
}

// SeedResult reports what InitializeDefaults wrote.
type SeedResult struct {
	Seeded   int    `json:"seeded"`
	Existing int    `json:"existing"`
	AuditID  string `json:"audit_id,omitempty"`
	Version  int64  `json:"store_version,omitempty"`
}

// InitializeDefaults stores a permission for every registered cell that has
// none, using policy for its value. Existing rows are never touched, so
// running it again writes nothing. One audit entry summarises a run that
// seeded anything; seeded rows get no history rows since they are not
// transitions.
func (s *Service) InitializeDefaults(ctx context.Context, actor Actor, policy DefaultPolicy) (*SeedResult, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if policy == nil {
		policy = DenyAllExcept()
	}

	reg, err := s.registry(ctx)
	if err != nil {
		return nil, err
	}
	keys := reg.keys()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	result := &SeedResult{}
	granted := 0
	for _, key := range keys {
		p := newPermission(key, actor)
		p.IsAllowed = policy(key)
		p.UpdatedBy = actor.ID

		inserted, err := tx.InsertIfAbsent(ctx, p)
		if err != nil {
			return nil, err
		}
		if !inserted {
			result.Existing++
			continue
		}
		result.Seeded++
		if p.IsAllowed {
			granted++
		}
	}

	if result.Seeded == 0 {
		return result, nil
	}

	auditID, err := s.appendAudit(ctx, tx, actor, &audit.Entry{
		Action:      AuditDefaultsSeeded,
		TargetType:  TargetMatrix,
		Description: fmt.Sprintf("seeded %d default permissions (%d granted)", result.Seeded, granted),
		After: map[string]any{
			"seeded":   result.Seeded,
			"granted":  granted,
			"existing": result.Existing,
		},
	}, "")
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
	result.AuditID = auditID
	result.Version = version

	s.afterCommit(ChangeEvent{
		Version: version,
		Action:  AuditDefaultsSeeded,
		ActorID: actor.ID,
		Changed: result.Seeded,
	})
	s.logger.Info("default permissions seeded",
		"seeded", result.Seeded,
		"existing", result.Existing,
		"granted", granted,
	)
	return result, nil
}
