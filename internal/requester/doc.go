// Package requester drives the login side of the device-approval handshake.
//
// Start submits the identifier and secret, shows the returned code through
// Snapshot, then waits on two paths at once: a poll every PollInterval and,
// when the coordinator issued a watch token, a realtime watcher. Whichever
// delivers a terminal status first wins; the other is stopped and anything it
// delivers later is ignored. An approval stores the token through
// session.State exactly once.
//
// States: idle -> requesting -> awaiting_approval -> approved | denied |
// expired | error. Cancel returns to idle from requesting or awaiting_approval.
package requester
