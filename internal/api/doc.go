// Package api implements the administrative HTTP API of Gray Logic Access.
//
// This package provides:
//   - Decision endpoint for the caller's own role (POST /access/check)
//   - Permission matrix reads and single, bulk and default-seeding writes
//   - Permission history and audit trail queries with pagination
//   - Middleware stack (request ID, logging, recovery, CORS, body limit,
//     bearer token verification)
//
// # Security
//
// Every route except /health requires a bearer token issued by the
// authentication service and verified with the shared HS256 secret. Each
// route is then guarded by a (module, action) permission from the matrix
// itself, so the rbac module governs who may change the matrix. Denials
// are a uniform 403 "not permitted".
//
// # Errors
//
// Service errors map to status codes: validation 400, not found 404,
// conflict 409, audit or storage failure 503, anything else 500.
package api
