// Package store persists the reference coordinator's users, device login
// requests, and push tokens.
//
// SQLiteStore is the production implementation; MockStore is an in-memory
// stand-in for handler tests. Both guarantee that a pending request leaves
// the pending state exactly once, and that at most one pending request holds
// a given code.
package store
