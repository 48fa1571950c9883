// Package collector runs the external snapshot tool (a pgmetrics-compatible
// CLI) and leaves its JSON report at a caller-chosen path.
//
// Collector.Collect(ctx, dest) builds a fixed argument list from the
// database target and collection tunables (Args), injects the password as
// PGPASSWORD in the child environment, waits for the tool to exit and
// returns the size of the written file.
//
// A non-zero exit or a launch failure is returned as *Error carrying the
// tool's stderr, or a launch-failure message when nothing was captured.
// The destination file may exist after a failure; callers remove it.
//
// The process runner is injectable (WithRunner) so tests never need the
// real tool.
package collector
