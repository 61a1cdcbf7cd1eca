// Package status derives one presentation state from the push channel's
// lifecycle and the fallback scheduler's activity.
//
// Precedence for simultaneous signals: Syncing > Reconnecting >
// FallbackPolling > Live. The state is for display only; feeds never read it.
package status
