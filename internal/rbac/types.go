package rbac

import (
	"fmt"
	"time"
)

// Key identifies one cell of the permission matrix.
type Key struct {
	Role   string `json:"role"`
	Module string `json:"module"`
	Action string `json:"action"`
}

// String renders k as role:module:action.
func (k Key) String() string {
	return k.Role + ":" + k.Module + ":" + k.Action
}

// Permission is a stored (role, module, action) grant.
type Permission struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Module    string `json:"module"`
	Action    string `json:"action"`
	IsAllowed bool   `json:"is_allowed"`
	IsActive  bool   `json:"is_active"`

	// Priority is stored and returned but never consulted: a tuple is
	// unique, so there is nothing to break ties between.
	Priority int `json:"priority"`

	// Conditions must all hold for an allowed, active permission to grant.
	Conditions Conditions `json:"conditions,omitempty"`

	// Version is the optimistic-concurrency counter. Zero means the row
	// has not been stored yet.
	Version int64 `json:"version"`

	CreatedBy string    `json:"created_by,omitempty"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the matrix cell of p.
func (p *Permission) Key() Key {
	return Key{Role: p.Role, Module: p.Module, Action: p.Action}
}

// grants reports whether p allows req. A nil permission denies.
func (p *Permission) grants(req Request) bool {
	if p == nil || !p.IsActive || !p.IsAllowed {
		return false
	}
	for _, c := range p.Conditions {
		if !c.Evaluate(req) {
			return false
		}
	}
	return true
}

// clone returns a copy of p that can be modified without touching p.
func (p *Permission) clone() *Permission {
	c := *p
	c.Conditions = append(Conditions(nil), p.Conditions...)
	return &c
}

// Field names a boolean column tracked by permission history.
type Field string

// Tracked fields.
const (
	FieldAllowed Field = "is_allowed"
	FieldActive  Field = "is_active"
)

func (f Field) get(p *Permission) bool {
	if p == nil {
		return false
	}
	if f == FieldActive {
		return p.IsActive
	}
	return p.IsAllowed
}

func (f Field) set(p *Permission, v bool) {
	if f == FieldActive {
		p.IsActive = v
		return
	}
	p.IsAllowed = v
}

// HistoryEntry records one committed transition of a permission field.
type HistoryEntry struct {
	ID           string    `json:"id"`
	Seq          int64     `json:"seq"`
	PermissionID string    `json:"permission_id"`
	Role         string    `json:"role"`
	Module       string    `json:"module"`
	Action       string    `json:"action"`
	Field        Field     `json:"field"`
	OldValue     bool      `json:"old_value"`
	NewValue     bool      `json:"new_value"`
	ActorID      string    `json:"actor_id"`
	Reason       string    `json:"reason,omitempty"`
	AuditID      string    `json:"audit_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// HistoryFilter selects permission history rows. Results are ordered by seq.
type HistoryFilter struct {
	Role         string
	Module       string
	Action       string
	PermissionID string
	ActorID      string

	// AfterSeq resumes after the given seq.
	AfterSeq int64

	// Limit is the page size: default 50, max 200.
	Limit int
}

// Actor is the identity performing a mutation.
type Actor struct {
	ID        string
	Role      string
	Source    string
	RequestID string
}

func (a Actor) validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: actor id is required", ErrValidation)
	}
	return nil
}

// maxReasonLength bounds the free-text reason stored with a change.
const maxReasonLength = 500

func validateReason(reason string) error {
	if len(reason) > maxReasonLength {
		return fmt.Errorf("%w: reason exceeds %d characters", ErrValidation, maxReasonLength)
	}
	return nil
}

// Request is an authorization question with its evaluation context.
type Request struct {
	Key

	// Attributes are matched by attribute_equals conditions.
	Attributes map[string]string

	// At is the evaluation time for time_window conditions. Zero means now.
	At time.Time
}

// Result describes the outcome of a single-permission write.
type Result struct {
	Permission *Permission `json:"permission,omitempty"`
	Changed    bool        `json:"changed"`
	AuditID    string      `json:"audit_id,omitempty"`
	HistoryID  string      `json:"history_id,omitempty"`
	Version    int64       `json:"store_version,omitempty"`
}

// Matrix is the dense role → module → action → allowed view.
type Matrix map[string]map[string]map[string]bool

// Allowed returns the cell for k, false when absent.
func (m Matrix) Allowed(k Key) bool {
	return m[k.Role][k.Module][k.Action]
}

// Snapshot is a consistent read of the store at one version.
type Snapshot struct {
	Version     int64
	Catalog     *Catalog
	Permissions map[Key]*Permission
}
