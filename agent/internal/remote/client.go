package remote

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/obsidianstack/pgsnap/agent/internal/config"
)

// Header names understood by the collection service.
const (
	HeaderAPIKey         = "X-API-Key"
	HeaderSnapshotSize   = "X-Snapshot-Size"
	HeaderSnapshotKey    = "X-Snapshot-Key"
	HeaderSnapshotBucket = "X-Snapshot-Bucket"
)

// Endpoint paths, relative to the service base URL.
const (
	PathAdmission      = "/v1/admission"
	PathUploadURL      = "/v1/upload-url"
	PathUploadComplete = "/v1/upload-complete"
)

// maxBodyBytes caps how much of any service response is read.
const maxBodyBytes = 1 << 20

// identityRoundTripper adds the identity header to requests for host.
type identityRoundTripper struct {
	base     http.RoundTripper
	host     string
	identity string
}

func (t *identityRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if strings.EqualFold(req.URL.Host, t.host) {
		req = req.Clone(req.Context())
		req.Header.Set(HeaderAPIKey, t.identity)
	}
	return t.base.RoundTrip(req)
}

// ClientOption configures NewHTTPClient.
type ClientOption func(*clientOptions)

type clientOptions struct {
	base http.RoundTripper
}

// WithBaseTransport replaces the underlying transport. Tests use it to route
// storage hostnames to a local listener.
func WithBaseTransport(rt http.RoundTripper) ClientOption {
	return func(o *clientOptions) { o.base = rt }
}

// NewHTTPClient returns a client for the service described by svc. Requests
// to the service host carry identity; requests elsewhere do not.
func NewHTTPClient(svc config.Service, identity string, opts ...ClientOption) (*http.Client, error) {
	u, err := url.Parse(svc.URL)
	if err != nil {
		return nil, fmt.Errorf("remote: parse service url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("remote: service url %q has no host", svc.URL)
	}
	o := clientOptions{base: http.DefaultTransport.(*http.Transport).Clone()}
	for _, opt := range opts {
		opt(&o)
	}
	return &http.Client{
		Transport: &identityRoundTripper{
			base:     o.base,
			host:     u.Host,
			identity: identity,
		},
		Timeout: svc.RequestTimeout,
	}, nil
}

// endpoint joins the service base URL with path.
func endpoint(base, path string) (string, error) {
	u, err := url.JoinPath(base, path)
	if err != nil {
		return "", fmt.Errorf("remote: build endpoint %s: %w", path, err)
	}
	return u, nil
}

func success(code int) bool { return code >= 200 && code <= 299 }
