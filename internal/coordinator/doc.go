// Package coordinator is a reference implementation of the server side of the
// device-approval login handshake.
//
// A requester creates a pending request with a password (or with a session
// for the same identifier) and receives a short numeric code plus a watch
// token. The approver's signed-in devices learn about the request through the
// realtime hub and push, and approve or deny it. Approval mints a session
// token for the requester, which it receives through its watch socket or the
// next poll.
//
// Every request leaves the pending state exactly once: approve, deny, cancel,
// account deletion, and the expiry sweeper all go through a single conditional
// store update, and only the winner fans a resolution out.
package coordinator
