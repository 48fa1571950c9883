// Package shipper runs the agent's send loop.
//
// Each iteration asks the service for admission, runs the collection tool
// into a fresh temporary file, reads the snapshot into memory, deletes the
// file, then performs the three-step upload handshake: request a target,
// PUT the payload, confirm. Every outcome ends in a backoff wait: the
// server-advised wait after a denial, a fixed one second otherwise.
//
// Run never returns on error. Failures and panics inside an iteration are
// logged and followed by the short wait. Run returns only when its context
// is cancelled, and waits are the only points where cancellation is
// observed. Nothing is carried between iterations.
//
// Validate is the one-shot configuration check: a single collection with no
// network calls.
package shipper
