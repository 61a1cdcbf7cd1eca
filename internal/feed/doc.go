// Package feed implements the Feed Synchronizer.
//
// A Feed merges push events for one topic with snapshots fetched by the
// fallback scheduler or an explicit Refresh, producing one value whose
// LastUpdate never moves backwards:
//   - a push is accepted when its ReceivedAt is not before LastUpdate
//   - a fetch is accepted when the time it was issued is strictly after LastUpdate
//
// A failed fetch sets Err and leaves the value untouched. After Close every
// in-flight completion is discarded.
package feed
