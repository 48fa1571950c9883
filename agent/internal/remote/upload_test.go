package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/obsidianstack/pgsnap/agent/internal/config"
	"github.com/obsidianstack/pgsnap/agent/internal/remotetest"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		raw        string
		key        string
		bucket     string
		shouldFail bool
	}{
		{raw: "https://bucket1.storage.example/abc123.json?sig=x", key: "abc123", bucket: "bucket1"},
		{raw: "https://b.s3.amazonaws.com/k.v2.json", key: "k", bucket: "b"},
		{raw: "https://bucket2.storage.example:8443/snap/inner.json", key: "snap", bucket: "bucket2"},
		{raw: "http://single/abc", key: "abc", bucket: "single"},
		{raw: "https://bucket1.storage.example/", shouldFail: true},
		{raw: "://bad", shouldFail: true},
	}
	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseTarget(tc.raw)
			if tc.shouldFail {
				if err == nil {
					t.Fatalf("ParseTarget(%q) = %+v, want error", tc.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTarget(%q) error = %v", tc.raw, err)
			}
			if got.Key != tc.key || got.Bucket != tc.bucket {
				t.Errorf("ParseTarget(%q) = %+v, want key %q bucket %q", tc.raw, got, tc.key, tc.bucket)
			}
		})
	}
}

// newHandshake wires an Uploader to a fake service.
func newHandshake(t *testing.T, opts ...remotetest.Option) (*Uploader, *remotetest.Server) {
	t.Helper()
	fake := remotetest.New(opts...)
	t.Cleanup(fake.Close)

	client, err := NewHTTPClient(
		config.Service{URL: fake.URL(), RequestTimeout: 5 * time.Second},
		"key-abc",
		WithBaseTransport(fake.Transport()),
	)
	if err != nil {
		t.Fatalf("NewHTTPClient() error = %v", err)
	}
	u, err := NewUploader(fake.URL(), client)
	if err != nil {
		t.Fatalf("NewUploader() error = %v", err)
	}
	return u, fake
}

func TestUploader_FullHandshake(t *testing.T) {
	u, fake := newHandshake(t, remotetest.WithAPIKey("key-abc"), remotetest.WithBucket("snapshots"))
	ctx := context.Background()
	payload := []byte(`{"meta":{"version":"1.16"}}`)

	target, ok := u.RequestTarget(ctx, int64(len(payload)))
	if !ok {
		t.Fatal("RequestTarget() returned no target")
	}
	if !strings.HasPrefix(target, "http://snapshots."+remotetest.StorageDomain+"/") {
		t.Errorf("target = %q", target)
	}
	if !u.Upload(ctx, target, payload) {
		t.Fatal("Upload() = false")
	}
	if !u.Confirm(ctx, target) {
		t.Fatal("Confirm() = false")
	}

	parsed, err := ParseTarget(target)
	if err != nil {
		t.Fatalf("ParseTarget() error = %v", err)
	}
	obj, found := fake.Objects.Get(parsed.Bucket, parsed.Key)
	if !found {
		t.Fatalf("object %s/%s not stored", parsed.Bucket, parsed.Key)
	}
	if string(obj.Data) != string(payload) {
		t.Errorf("stored payload = %s", obj.Data)
	}
	if !obj.Confirmed {
		t.Error("object not confirmed")
	}

	for _, r := range fake.Requests() {
		switch r.Path {
		case PathUploadURL:
			if got := r.Header.Get(HeaderSnapshotSize); got != "27" {
				t.Errorf("%s = %q, want 27", HeaderSnapshotSize, got)
			}
			if r.Header.Get(HeaderAPIKey) != "key-abc" {
				t.Errorf("upload-url request missing identity")
			}
		case PathUploadComplete:
			if r.Header.Get(HeaderSnapshotKey) != parsed.Key || r.Header.Get(HeaderSnapshotBucket) != "snapshots" {
				t.Errorf("confirm headers = %v", r.Header)
			}
		default:
			if r.Method != http.MethodPut {
				t.Errorf("unexpected request %s %s", r.Method, r.Path)
			}
			if ct := r.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("PUT Content-Type = %q", ct)
			}
			if r.Header.Get(HeaderAPIKey) != "" {
				t.Error("identity header leaked to storage host")
			}
		}
	}
}

func TestUploader_RequestTargetFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"forbidden", http.StatusForbidden, `{"error":"plan expired","reason":"billing"}`},
		{"not found", http.StatusNotFound, `{"error":"unknown key"}`},
		{"server error", http.StatusInternalServerError, `oops`},
		{"missing url", http.StatusOK, `{"other":"field"}`},
		{"empty url", http.StatusOK, `{"url":""}`},
		{"garbage", http.StatusOK, `not json`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			u, fake := newHandshake(t)
			fake.SetTargetStatus(tc.status, tc.body)

			target, ok := u.RequestTarget(context.Background(), 10)
			if ok || target != "" {
				t.Errorf("RequestTarget() = (%q, %v), want (\"\", false)", target, ok)
			}
		})
	}
}

func TestUploader_UnknownIdentity(t *testing.T) {
	u, _ := newHandshake(t, remotetest.WithAPIKey("someone-else"))
	if _, ok := u.RequestTarget(context.Background(), 10); ok {
		t.Error("RequestTarget() succeeded with the wrong identity")
	}
}

func TestUploader_UploadRejected(t *testing.T) {
	u, fake := newHandshake(t)
	fake.SetPutStatus(http.StatusForbidden)

	target, ok := u.RequestTarget(context.Background(), 2)
	if !ok {
		t.Fatal("RequestTarget() returned no target")
	}
	if u.Upload(context.Background(), target, []byte("{}")) {
		t.Error("Upload() = true for a 403 reply")
	}
}

func TestUploader_UploadTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	dead := srv.URL + "/abc.json"
	srv.Close()

	u, _ := newHandshake(t)
	if u.Upload(context.Background(), dead, []byte("{}")) {
		t.Error("Upload() = true against a closed server")
	}
}

func TestUploader_ConfirmFailures(t *testing.T) {
	u, fake := newHandshake(t)
	ctx := context.Background()

	if u.Confirm(ctx, "https://bucket1.storage.example/") {
		t.Error("Confirm() = true for a url with no key")
	}
	if n := fake.Count(PathUploadComplete); n != 0 {
		t.Errorf("unparseable target still sent %d confirm requests", n)
	}

	// Never uploaded, so the fake reports 404.
	if u.Confirm(ctx, "http://bucket1."+remotetest.StorageDomain+"/nothing.json") {
		t.Error("Confirm() = true for an unknown upload")
	}

	fake.SetConfirmStatus(http.StatusInternalServerError)
	if u.Confirm(ctx, "http://bucket1."+remotetest.StorageDomain+"/nothing.json") {
		t.Error("Confirm() = true for a 500 reply")
	}
}
