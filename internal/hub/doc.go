// Package hub fans realtime frames out to websocket clients.
//
// Every connection subscribes to one or more subjects:
//
//   - UserSubject(identifier): all signed-in sessions of a user
//   - RequestSubject(id): the requester waiting on one device login request
//   - AdminSubject: administrators, for presence and action-log frames
//
// Publishing never blocks. A subscriber whose buffer is full misses the frame;
// clients treat realtime as a hint and fall back to polling.
package hub
