// Package client is the typed HTTP client for the device-login coordinator.
//
// # Calls
//
//   - Login: password login, returns a session token
//   - RequestDeviceLogin: create a pending request (long timeout)
//   - PollDeviceRequest: status read under the watch token; approved carries the session token
//   - ListDeviceRequests, GetRequestByCode: approver-side discovery
//   - Approve, Deny: resolve a pending request
//   - CancelDeviceRequest: best-effort abandonment by the requester
//   - RegisterPushToken, PushTokenStatus: push delivery registration
//
// # Errors
//
// Every call returns a typed outcome. Transport failures wrap
// ErrNetworkUnreachable and never touch the session. A 401/403 on an
// authenticated call wraps ErrUnauthorized and runs the unauthorized hook,
// which callers wire to clear the stored session. Other statuses map to
// ErrRequestNotFound, ErrRequestExpired, ErrAlreadyResolved and ErrRateLimited.
package client
