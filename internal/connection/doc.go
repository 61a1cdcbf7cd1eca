// Package connection implements the Push Channel Manager.
//
// The Push Channel Manager:
//   - Owns one websocket connection per process, shared by every feed
//   - Hands topic subscriptions to the router; they survive reconnects
//   - Reports connect/disconnect transitions and reconnect progress to listeners
//   - Handles reconnection with jittered exponential backoff
//   - Optionally announces subscribed topics with a SUBSCRIBE frame
package connection
