// Package rbac implements the role-based access-control permission matrix.
//
// The matrix maps every registered (role, module, action) triple to an
// allowed flag. It is stored in SQLite (SQLiteStore), served by Service, and
// changed only through Service so that each change leaves a permission
// history row and an audit entry committed in the same transaction.
//
// # Decisions
//
// IsAllowed and Decide fail closed: a missing tuple, an inactive row, an
// unregistered name or an unsatisfied condition denies. An error is
// returned only when the store cannot be read, and callers treat it as a
// deny as well.
//
// With the snapshot cache enabled, decisions are answered from memory. The
// snapshot carries the store generation it was read at and is dropped on
// every write made through the Service, so a caller always observes its own
// writes. Writes from other processes are picked up when the generation is
// re-checked, or immediately when a ChangeEvent arrives through HandleChange.
//
// # Writes
//
// SetPermission, SetActive and SetConditions are idempotent: writing the
// current value succeeds without touching storage. Concurrent writers are
// serialised by a per-row version counter; the loser re-reads and retries a
// bounded number of times before returning ErrConflict. ApplyBulk validates
// a whole batch before writing any of it and commits it as one unit.
//
// Usage:
//
//	store := rbac.NewSQLiteStore(db)
//	svc := rbac.NewService(store, audit.NewSQLiteLog(db), rbac.ServiceConfig{CacheEnabled: true})
//	allowed, err := svc.IsAllowed(ctx, "manager", "reports", "export")
//	if err != nil || !allowed {
//	    // deny
//	}
package rbac
