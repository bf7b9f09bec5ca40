// Package auth turns verified bearer tokens into caller identities and
// guards requests with the permission matrix.
//
// Tokens are issued elsewhere and only verified here (HS256 with a shared
// secret). The Guard asks an rbac decision source whether the caller's role
// may perform an action on a module and short-circuits the request when it
// may not. Every denial looks the same to the caller: an explicit deny, a
// missing rule and a storage fault all produce a generic "not permitted".
package auth
