// Package scheduler owns the fallback poll timers.
//
// One recurring timer per feed ID, at most. EnsureRunning and Stop are the
// only mutation points and both are idempotent. Ticks for one feed never
// overlap: a slow task delays the next tick instead of stacking requests.
package scheduler
