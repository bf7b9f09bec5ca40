package rbac

import (
	"fmt"
	"regexp"
)

// nameRe constrains role, module and action names.
var nameRe = regexp.MustCompile(`^[a-z][a-z0-9_.-]{0,63}$`)

// ValidateName reports whether name is a well-formed role, module or action name.
func ValidateName(kind, name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: invalid %s name %q", ErrValidation, kind, name)
	}
	return nil
}

// CatalogEntry is one declared role, module or action.
type CatalogEntry struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	IsActive    bool   `json:"is_active"`
}

// Role, Module and Action share the catalog lifecycle: declared, synced
// into storage, deactivated when removed from the declaration.
type (
	Role   = CatalogEntry
	Module = CatalogEntry
	Action = CatalogEntry
)

// Catalog is the set of declared roles, modules and actions. Only active
// entries are registered: the matrix is dense over them and writes naming
// anything else are rejected.
type Catalog struct {
	Roles   []Role   `json:"roles"`
	Modules []Module `json:"modules"`
	Actions []Action `json:"actions"`
}

// Validate checks names and rejects duplicates within each set.
func (c *Catalog) Validate() error {
	sets := []struct {
		kind    string
		entries []CatalogEntry
	}{
		{"role", c.Roles},
		{"module", c.Modules},
		{"action", c.Actions},
	}
	for _, set := range sets {
		seen := make(map[string]bool, len(set.entries))
		for _, e := range set.entries {
			if err := ValidateName(set.kind, e.Name); err != nil {
				return err
			}
			if seen[e.Name] {
				return fmt.Errorf("%w: %s %q declared twice", ErrValidation, set.kind, e.Name)
			}
			seen[e.Name] = true
		}
	}
	return nil
}

// index builds lookup sets of the active entries.
func (c *Catalog) index() *registry {
	return &registry{
		roles:   activeSet(c.Roles),
		modules: activeSet(c.Modules),
		actions: activeSet(c.Actions),
		catalog: c,
	}
}

func activeSet(entries []CatalogEntry) map[string]bool {
	set := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.IsActive {
			set[e.Name] = true
		}
	}
	return set
}

// registry answers membership questions against an indexed catalog.
type registry struct {
	roles   map[string]bool
	modules map[string]bool
	actions map[string]bool
	catalog *Catalog
}

func (r *registry) registered(k Key) bool {
	return r.roles[k.Role] && r.modules[k.Module] && r.actions[k.Action]
}

// validateKey returns an ErrValidation naming the first unregistered part of k.
func (r *registry) validateKey(k Key) error {
	if !r.roles[k.Role] {
		return fmt.Errorf("%w: role %q is not registered", ErrValidation, k.Role)
	}
	if !r.modules[k.Module] {
		return fmt.Errorf("%w: module %q is not registered", ErrValidation, k.Module)
	}
	if !r.actions[k.Action] {
		return fmt.Errorf("%w: action %q is not registered", ErrValidation, k.Action)
	}
	return nil
}

// keys enumerates every registered (role, module, action) in catalog order.
func (r *registry) keys() []Key {
	var keys []Key
	for _, role := range r.catalog.Roles {
		if !role.IsActive {
			continue
		}
		for _, module := range r.catalog.Modules {
			if !module.IsActive {
				continue
			}
			for _, action := range r.catalog.Actions {
				if !action.IsActive {
					continue
				}
				keys = append(keys, Key{Role: role.Name, Module: module.Name, Action: action.Name})
			}
		}
	}
	return keys
}

// CatalogChanges summarises a catalog sync.
type CatalogChanges struct {
	Added       []string `json:"added,omitempty"`
	Updated     []string `json:"updated,omitempty"`
	Deactivated []string `json:"deactivated,omitempty"`
}

// Empty reports whether the sync changed nothing.
func (c *CatalogChanges) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Deactivated) == 0
}
