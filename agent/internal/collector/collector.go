package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/obsidianstack/pgsnap/agent/internal/config"
)

// PasswordEnv is the variable the tool reads its password from.
const PasswordEnv = "PGPASSWORD"

// Error is returned when the collection tool fails to start or exits with a
// non-zero status.
type Error struct {
	// Message is the tool's diagnostic output, or a launch-failure message.
	Message string

	// ExitCode is the tool's exit status, or -1 if it never ran.
	ExitCode int

	Err error
}

func (e *Error) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("collector: exit status %d: %s", e.ExitCode, e.Message)
	}
	return "collector: " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Runner executes name with args and extra environment entries and returns
// whatever the process wrote to stderr. exitCode is -1 when the process
// could not be started.
type Runner func(ctx context.Context, name string, args, env []string) (stderr []byte, exitCode int, err error)

// Collector invokes the snapshot tool with a fixed parameter set.
type Collector struct {
	db     config.Database
	opts   config.Collect
	run    Runner
	logger *slog.Logger
}

// Option configures a Collector.
type Option func(*Collector)

// WithRunner replaces the process runner.
func WithRunner(r Runner) Option {
	return func(c *Collector) { c.run = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// New returns a Collector for the given database target and tunables.
func New(db config.Database, opts config.Collect, options ...Option) *Collector {
	c := &Collector{
		db:     db,
		opts:   opts,
		run:    execRunner,
		logger: slog.Default().With("component", "collector"),
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Collect runs the tool once, writing its JSON report to dest, and returns
// the size of the written file in bytes.
func (c *Collector) Collect(ctx context.Context, dest string) (int64, error) {
	args := Args(c.db, c.opts, dest)

	var env []string
	if c.db.Password != "" {
		env = append(env, PasswordEnv+"="+c.db.Password)
	}

	c.logger.Debug("collector: running tool",
		"binary", c.opts.Binary,
		"args", args,
		"password_set", c.db.Password != "",
	)

	stderr, code, err := c.run(ctx, c.opts.Binary, args, env)
	if err != nil || code != 0 {
		return 0, newError(c.opts.Binary, stderr, code, err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return 0, &Error{Message: "tool exited cleanly but wrote no output", ExitCode: 0, Err: err}
	}
	return info.Size(), nil
}

// Args returns the tool's argument list. The password is never part of it.
func Args(db config.Database, opts config.Collect, dest string) []string {
	args := []string{
		"--host=" + db.Host,
		"--port=" + strconv.Itoa(db.Port),
		"--username=" + db.User,
		"--no-password",
		"--timeout=" + strconv.Itoa(opts.TimeoutSeconds),
	}
	if omit := trimmed(opts.Omit); len(omit) > 0 {
		args = append(args, "--omit="+strings.Join(omit, ","))
	}
	args = append(args,
		"--sql-length="+strconv.Itoa(opts.SQLLength),
		"--statements-limit="+strconv.Itoa(opts.StatementsLimit),
		"--format=json",
		"--output="+dest,
	)
	if db.All() {
		return append(args, "--all-dbs")
	}
	return append(args, db.Names()...)
}

func trimmed(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// newError prefers the tool's own stderr over the Go error text.
func newError(binary string, stderr []byte, code int, err error) *Error {
	msg := strings.TrimSpace(string(stderr))
	if msg == "" {
		switch {
		case code < 0 && err != nil:
			msg = fmt.Sprintf("failed to launch %s: %v", binary, err)
		case err != nil:
			msg = err.Error()
		default:
			msg = fmt.Sprintf("%s failed without diagnostic output", binary)
		}
	}
	return &Error{Message: msg, ExitCode: code, Err: err}
}

// execRunner is the production Runner. The child inherits the agent's
// environment plus env, and is killed if ctx is cancelled.
func execRunner(ctx context.Context, name string, args, env []string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stderr.Bytes(), 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stderr.Bytes(), exitErr.ExitCode(), err
	}
	return stderr.Bytes(), -1, err
}
