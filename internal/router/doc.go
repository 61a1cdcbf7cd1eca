// Package router implements topic dispatch for the push channel.
//
// The Router:
//   - Queues raw frames from the websocket read loop (never blocks it)
//   - Decodes {type, data, timestamp} frames; malformed frames are dropped and counted
//   - Delivers each event to every handler registered for its topic, in
//     registration order, on a single goroutine (per-topic arrival order holds)
//   - Recovers handler panics so one subscriber cannot stop delivery to others
package router
