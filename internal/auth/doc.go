// Package auth provides authentication for the reference coordinator.
//
// # Tokens
//
// All tokens are HS256 JWTs signed with the configured jwt_secret. The scope
// claim separates two kinds:
//
//   - session: issued on password login or device approval. Carries the
//     identifier (sub) and role.
//   - watch: issued with a new device login request. Carries the request id
//     (rid) and lets the unauthenticated requester subscribe to that request's
//     resolution and cancel it. It grants nothing else.
//
// # Middleware
//
//	mw := auth.NewMiddleware(issuer, store)
//	r.With(mw.Session()).Get("/device/requests", ...)
//	r.With(mw.Require(true, auth.ScopeSession, auth.ScopeWatch)).Get("/ws", ...)
//
// Session tokens are checked against the user table on every request so a
// deleted account stops working at once.
//
// # Passwords
//
// Passwords are stored as bcrypt hashes. CheckPassword with an empty hash
// still runs a comparison so unknown identifiers take as long as wrong
// passwords.
package auth
