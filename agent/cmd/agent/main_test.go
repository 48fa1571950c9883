package main

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level, format string
		shouldFail    bool
	}{
		{"info", "json", false},
		{"debug", "text", false},
		{"WARN", "json", false},
		{"loud", "json", true},
		{"info", "xml", true},
	}
	for _, tc := range tests {
		_, err := newLogger(&bytes.Buffer{}, tc.level, tc.format)
		if (err != nil) != tc.shouldFail {
			t.Errorf("newLogger(%q, %q) error = %v, shouldFail %v", tc.level, tc.format, err, tc.shouldFail)
		}
	}
}

func TestRun_BadFlag(t *testing.T) {
	if code := run([]string{"--no-such-flag"}, &bytes.Buffer{}); code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
}

func TestRun_ConfigErrorExitsOne(t *testing.T) {
	t.Setenv("PGSNAP_API_KEY", "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("db:\n  port: 5432\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if code := run([]string{"--config", path}, &out); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(out.String(), "api_key is required") {
		t.Errorf("log output = %s", out.String())
	}
}

func TestRun_MetricsPortInUseFailsAtStartup(t *testing.T) {
	held, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer held.Close()

	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := "api_key: k\nservice:\n  url: http://127.0.0.1:1\n"
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PGSNAP_API_KEY", "")

	var out bytes.Buffer
	code := run([]string{"--config", path, "--metrics-addr", held.Addr().String()}, &out)
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(out.String(), "failed to start metrics listener") {
		t.Errorf("log output = %s", out.String())
	}
	if strings.Contains(out.String(), "pgsnap-agent started") {
		t.Error("send loop started despite the busy metrics port")
	}
}

// writeTool writes a shell stand-in for the collection tool.
func writeTool(t *testing.T, script string) string {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	path := filepath.Join(t.TempDir(), "pgmetrics")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_TestMode(t *testing.T) {
	tool := writeTool(t, `for a in "$@"; do case "$a" in --output=*) printf '{"ok":true}' > "${a#--output=}";; esac; done`)
	tmp := t.TempDir()
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := "collect:\n  binary: " + tool + "\n  temp_dir: " + tmp + "\n"
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PGSNAP_API_KEY", "")

	var out bytes.Buffer
	if code := run([]string{"--test", "--config", path}, &out); code != 0 {
		t.Fatalf("exit code = %d, log:\n%s", code, out.String())
	}
	if !strings.Contains(out.String(), `"bytes":11`) {
		t.Errorf("size not reported:\n%s", out.String())
	}
	entries, _ := os.ReadDir(tmp)
	if len(entries) != 0 {
		t.Errorf("temp dir not empty: %d entries", len(entries))
	}
}

func TestRun_TestModeFailure(t *testing.T) {
	tool := writeTool(t, `echo "connection refused" >&2; exit 1`)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("collect:\n  binary: "+tool+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PGSNAP_API_KEY", "")

	var out bytes.Buffer
	if code := run([]string{"--test", "--config", path}, &out); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(out.String(), "connection refused") {
		t.Errorf("log output = %s", out.String())
	}
}
