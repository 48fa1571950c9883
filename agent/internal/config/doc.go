// Package config builds the agent's immutable configuration.
//
// Top-level types:
//   - Config{Identity, TestMode, MetricsAddr, Service, Database, Collect}
//   - Service: base URL of the collection service and per-request timeout
//   - Database: user, host, port, password (or password_env), and the
//     database selection: ["all"] or an ordered explicit list
//   - Collect: collection tool binary, temp dir, timeout seconds, omitted
//     sections, SQL length cap, statement count cap
//
// Load(path, overrides...) applies, in order: defaults (local socket
// /var/run/postgresql, port 5432, all databases, 60s timeout, omit "log",
// 10000 SQL length, 10000 statements), the optional YAML file, the PGSNAP_*
// environment, then the overrides (command-line flags). It validates the
// result; a validation error is fatal at startup.
//
// Watch(ctx, path, onChange) uses fsnotify to detect edits to the config
// file. The configuration of a running agent is never swapped; onChange only
// lets the caller report that a restart is needed.
package config
