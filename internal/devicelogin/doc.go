// Package devicelogin holds the domain model shared by every surface of the
// device-approval handshake.
//
// A Request is created pending by the coordinator and moves exactly once to a
// terminal status (approved, denied or expired). not_found and deleted mean the
// request can no longer be resolved and are handled like a denial.
package devicelogin
