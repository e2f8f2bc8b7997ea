// Package realtime is the client side of the coordinator's /ws channel.
//
// A Channel holds at most one physical WebSocket. It authenticates with the
// token returned by Config.Token at each attempt, dispatches {type, ...}
// frames to handlers registered with On, and reconnects on its own:
//
//   - a close or dial error schedules a reconnect after the Backoff delay
//     (floor 1s, doubling, ceiling 30s)
//   - the backoff resets only once a connection has stayed open for
//     StableAfter, so a flapping server cannot keep it at the floor
//   - Foreground skips the pending delay when the socket is down
//   - Close bumps the connection generation before closing the socket so the
//     read loop's exit is not treated as a drop
package realtime
