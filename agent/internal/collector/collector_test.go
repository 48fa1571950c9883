package collector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/obsidianstack/pgsnap/agent/internal/config"
)

func testTarget() (config.Database, config.Collect) {
	return config.Database{
			User:      "postgres",
			Host:      "/var/run/postgresql",
			Port:      5432,
			Databases: []string{"all"},
		}, config.Collect{
			Binary:          "pgmetrics",
			TimeoutSeconds:  60,
			Omit:            []string{"log"},
			SQLLength:       10000,
			StatementsLimit: 10000,
		}
}

func TestArgs_AllDatabases(t *testing.T) {
	db, opts := testTarget()
	got := Args(db, opts, "/tmp/out.json")
	want := []string{
		"--host=/var/run/postgresql",
		"--port=5432",
		"--username=postgres",
		"--no-password",
		"--timeout=60",
		"--omit=log",
		"--sql-length=10000",
		"--statements-limit=10000",
		"--format=json",
		"--output=/tmp/out.json",
		"--all-dbs",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Args() =\n  %v\nwant\n  %v", got, want)
	}
}

func TestArgs_ExplicitDatabases(t *testing.T) {
	db, opts := testTarget()
	db.Databases = []string{" orders", "", "billing ", "  "}
	opts.Omit = nil

	got := Args(db, opts, "/tmp/out.json")

	for _, a := range got {
		if a == "--all-dbs" {
			t.Fatal("explicit list must not add --all-dbs")
		}
		if strings.HasPrefix(a, "--omit") {
			t.Errorf("empty omit list still produced %q", a)
		}
	}
	tail := got[len(got)-2:]
	if !reflect.DeepEqual(tail, []string{"orders", "billing"}) {
		t.Errorf("trailing databases = %v, want [orders billing]", tail)
	}
}

func TestCollect_PasswordInEnvNotArgs(t *testing.T) {
	db, opts := testTarget()
	db.Password = "hunter2"
	dest := filepath.Join(t.TempDir(), "snap.json")

	var gotArgs, gotEnv []string
	c := New(db, opts, WithRunner(func(_ context.Context, _ string, args, env []string) ([]byte, int, error) {
		gotArgs, gotEnv = args, env
		return nil, 0, os.WriteFile(dest, []byte(`{"ok":true}`), 0o600)
	}))

	size, err := c.Collect(context.Background(), dest)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if size != int64(len(`{"ok":true}`)) {
		t.Errorf("size = %d, want %d", size, len(`{"ok":true}`))
	}
	for _, a := range gotArgs {
		if strings.Contains(a, "hunter2") {
			t.Errorf("password leaked into argv: %q", a)
		}
	}
	if !reflect.DeepEqual(gotEnv, []string{"PGPASSWORD=hunter2"}) {
		t.Errorf("env = %v, want [PGPASSWORD=hunter2]", gotEnv)
	}
}

func TestCollect_NoPasswordNoEnv(t *testing.T) {
	db, opts := testTarget()
	dest := filepath.Join(t.TempDir(), "snap.json")

	c := New(db, opts, WithRunner(func(_ context.Context, _ string, _, env []string) ([]byte, int, error) {
		if len(env) != 0 {
			t.Errorf("env = %v, want empty", env)
		}
		return nil, 0, os.WriteFile(dest, []byte("{}"), 0o600)
	}))
	if _, err := c.Collect(context.Background(), dest); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
}

func TestCollect_Failures(t *testing.T) {
	tests := []struct {
		name     string
		stderr   string
		code     int
		runErr   error
		wantMsg  string
		wantCode int
	}{
		{"exit with stderr", "connection refused\n", 1, errors.New("exit status 1"), "connection refused", 1},
		{"launch failure", "", -1, errors.New("executable file not found"), "failed to launch pgmetrics", -1},
		{"exit without output", "", 2, errors.New("exit status 2"), "exit status 2", 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			db, opts := testTarget()
			c := New(db, opts, WithRunner(func(context.Context, string, []string, []string) ([]byte, int, error) {
				return []byte(tc.stderr), tc.code, tc.runErr
			}))

			_, err := c.Collect(context.Background(), filepath.Join(t.TempDir(), "snap.json"))

			var cerr *Error
			if !errors.As(err, &cerr) {
				t.Fatalf("error %v is not *collector.Error", err)
			}
			if !strings.Contains(cerr.Message, tc.wantMsg) {
				t.Errorf("Message = %q, want it to contain %q", cerr.Message, tc.wantMsg)
			}
			if cerr.ExitCode != tc.wantCode {
				t.Errorf("ExitCode = %d, want %d", cerr.ExitCode, tc.wantCode)
			}
		})
	}
}

func TestCollect_CleanExitWithoutFile(t *testing.T) {
	db, opts := testTarget()
	c := New(db, opts, WithRunner(func(context.Context, string, []string, []string) ([]byte, int, error) {
		return nil, 0, nil
	}))
	_, err := c.Collect(context.Background(), filepath.Join(t.TempDir(), "missing.json"))
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("error %v is not *collector.Error", err)
	}
}

// fakeTool is a shell stand-in for the collection tool. It writes the
// PGPASSWORD it received into the output file, or fails when the first
// database argument is "fail".
const fakeTool = `#!/bin/sh
out=""
for a in "$@"; do
  case "$a" in
    --output=*) out="${a#--output=}" ;;
    fail) echo "connection refused" >&2; exit 1 ;;
  esac
done
printf '{"password":"%s"}' "$PGPASSWORD" > "$out"
`

func writeFakeTool(t *testing.T) string {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	path := filepath.Join(t.TempDir(), "fake-pgmetrics")
	if err := os.WriteFile(path, []byte(fakeTool), 0o755); err != nil {
		t.Fatalf("write fake tool: %v", err)
	}
	return path
}

func TestCollect_RealProcess(t *testing.T) {
	db, opts := testTarget()
	opts.Binary = writeFakeTool(t)
	db.Password = "pw"
	dest := filepath.Join(t.TempDir(), "snap.json")

	size, err := New(db, opts).Collect(context.Background(), dest)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != `{"password":"pw"}` {
		t.Errorf("output = %s", data)
	}
	if size != int64(len(data)) {
		t.Errorf("size = %d, want %d", size, len(data))
	}
}

func TestCollect_RealProcessFailure(t *testing.T) {
	db, opts := testTarget()
	opts.Binary = writeFakeTool(t)
	db.Databases = []string{"fail"}

	_, err := New(db, opts).Collect(context.Background(), filepath.Join(t.TempDir(), "snap.json"))

	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("error %v is not *collector.Error", err)
	}
	if cerr.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", cerr.ExitCode)
	}
	if cerr.Message != "connection refused" {
		t.Errorf("Message = %q, want %q", cerr.Message, "connection refused")
	}
}

func TestCollect_MissingBinary(t *testing.T) {
	db, opts := testTarget()
	opts.Binary = filepath.Join(t.TempDir(), "does-not-exist")

	_, err := New(db, opts).Collect(context.Background(), filepath.Join(t.TempDir(), "snap.json"))

	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("error %v is not *collector.Error", err)
	}
	if cerr.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1", cerr.ExitCode)
	}
	if !strings.Contains(cerr.Message, "failed to launch") {
		t.Errorf("Message = %q", cerr.Message)
	}
}
