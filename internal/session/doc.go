// Package session provides the session-state handle shared by the requester,
// approver, realtime channel and CLI.
//
// The handle is passed explicitly to each component instead of being looked up
// from ambient context. It exposes two readouts for presentation code: the
// current session (Subscribe) and the realtime connection status
// (SubscribeConnection).
package session
