package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Target is the storage location derived from an upload URL.
type Target struct {
	Key    string
	Bucket string
}

// ParseTarget derives the storage key and bucket from an upload URL.
// The key is the first path segment up to its first '.', and the bucket is
// the first dot-separated label of the host:
//
//	https://bucket1.storage.example/abc123.json?sig=x -> {Key: abc123, Bucket: bucket1}
func ParseTarget(raw string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("remote: parse upload url: %w", err)
	}
	segment, _, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	key, _, _ := strings.Cut(segment, ".")
	bucket, _, _ := strings.Cut(u.Hostname(), ".")
	if key == "" || bucket == "" {
		return Target{}, fmt.Errorf("remote: upload url %q has no key or bucket", raw)
	}
	return Target{Key: key, Bucket: bucket}, nil
}

// Uploader drives the upload handshake. Each method performs exactly one
// HTTP exchange and reports failure as false.
type Uploader struct {
	targetURL   string
	completeURL string
	client      *http.Client
	logger      *slog.Logger
}

// UploaderOption configures an Uploader.
type UploaderOption func(*Uploader)

// WithUploaderLogger sets the logger.
func WithUploaderLogger(l *slog.Logger) UploaderOption {
	return func(u *Uploader) { u.logger = l }
}

// NewUploader returns an Uploader for the service at baseURL. client must
// add the identity header for the service host only (see NewHTTPClient).
func NewUploader(baseURL string, client *http.Client, opts ...UploaderOption) (*Uploader, error) {
	target, err := endpoint(baseURL, PathUploadURL)
	if err != nil {
		return nil, err
	}
	complete, err := endpoint(baseURL, PathUploadComplete)
	if err != nil {
		return nil, err
	}
	u := &Uploader{
		targetURL:   target,
		completeURL: complete,
		client:      client,
		logger:      slog.Default().With("component", "uploader"),
	}
	for _, o := range opts {
		o(u)
	}
	return u, nil
}

type targetResponse struct {
	URL string `json:"url"`
}

// RequestTarget asks for a write-capable URL sized for size bytes. It
// returns false when the service has no target to give this cycle.
func (u *Uploader) RequestTarget(ctx context.Context, size int64) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.targetURL, nil)
	if err != nil {
		u.logger.Error("upload: build target request", "err", err)
		return "", false
	}
	req.Header.Set(HeaderSnapshotSize, strconv.FormatInt(size, 10))

	resp, err := u.client.Do(req)
	if err != nil {
		u.logger.Warn("upload: target request failed", "err", err)
		return "", false
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))

	if !success(resp.StatusCode) {
		eb := parseErrorBody(data)
		switch resp.StatusCode {
		case http.StatusForbidden:
			u.logger.Warn("upload: target refused", "status", resp.StatusCode,
				"error", orDefault(eb.Error, "forbidden"), "reason", eb.Reason)
		case http.StatusNotFound:
			u.logger.Warn("upload: target refused", "status", resp.StatusCode,
				"error", orDefault(eb.Error, "api key not found"))
		default:
			u.logger.Warn("upload: target request rejected", "status", resp.StatusCode,
				"error", orDefault(eb.Error, statusText(resp.StatusCode)))
		}
		return "", false
	}

	var tr targetResponse
	if err := json.Unmarshal(data, &tr); err != nil || tr.URL == "" {
		u.logger.Warn("upload: target response has no url", "status", resp.StatusCode)
		return "", false
	}
	return tr.URL, true
}

// Upload PUTs payload to target as JSON. It returns true on a 2xx reply.
func (u *Uploader) Upload(ctx context.Context, target string, payload []byte) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(payload))
	if err != nil {
		u.logger.Error("upload: build put request", "err", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		u.logger.Warn("upload: put failed", "err", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	if !success(resp.StatusCode) {
		u.logger.Warn("upload: put rejected", "status", resp.StatusCode)
		return false
	}
	return true
}

// Confirm tells the service the upload to target is complete. The key and
// bucket headers come from ParseTarget; no extra lookup is made.
func (u *Uploader) Confirm(ctx context.Context, target string) bool {
	t, err := ParseTarget(target)
	if err != nil {
		u.logger.Warn("upload: cannot confirm", "err", err)
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.completeURL, nil)
	if err != nil {
		u.logger.Error("upload: build confirm request", "err", err)
		return false
	}
	req.Header.Set(HeaderSnapshotKey, t.Key)
	req.Header.Set(HeaderSnapshotBucket, t.Bucket)

	resp, err := u.client.Do(req)
	if err != nil {
		u.logger.Warn("upload: confirm failed", "err", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	if !success(resp.StatusCode) {
		u.logger.Warn("upload: confirm rejected", "status", resp.StatusCode,
			"key", t.Key, "bucket", t.Bucket)
		return false
	}
	return true
}
