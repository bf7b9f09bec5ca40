package rbac

import "errors"

// Domain errors for the rbac package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, rbac.ErrConflict) {
//	    // reload and retry, or report 409
//	}
//
// A permission tuple that does not exist is never an error: it is a deny.
var (
	// ErrNotFound is returned when a history record id does not exist.
	ErrNotFound = errors.New("rbac: not found")

	// ErrValidation is returned when a role, module or action is not
	// registered, a batch is malformed or a field is out of range.
	ErrValidation = errors.New("rbac: validation failed")

	// ErrConflict is returned when a concurrent writer changed the same
	// permission between read and write, and retries are exhausted.
	ErrConflict = errors.New("rbac: concurrent modification")

	// ErrAuditWrite is returned when the audit entry for a mutation could
	// not be written. The mutation is rolled back.
	ErrAuditWrite = errors.New("rbac: audit write failed")

	// ErrStorageUnavailable is returned when the permission store cannot
	// be read or written.
	ErrStorageUnavailable = errors.New("rbac: storage unavailable")
)
