package remotetest

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StorageDomain is the hostname suffix of every issued upload URL.
const StorageDomain = "storage.test"

const headerAPIKey = "X-API-Key"

// Response is a scripted reply.
type Response struct {
	Status int
	Body   string
}

// Request is one recorded request.
type Request struct {
	Method string
	Host   string
	Path   string
	Header http.Header
	Body   []byte
}

// Server is a fake collection service plus object storage.
type Server struct {
	Service *httptest.Server
	Storage *httptest.Server
	Objects *ObjectStore

	mu            sync.Mutex
	apiKey        string
	bucket        string
	admissions    []Response
	rateWindow    time.Duration
	lastAdmitted  time.Time
	targetStatus  int
	targetBody    string
	putStatus     int
	confirmStatus int
	requests      []Request
	now           func() time.Time
	stopEviction  context.CancelFunc
}

// Option configures a Server.
type Option func(*Server)

// WithAPIKey makes the service answer 404 to any other identity.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

// WithBucket sets the bucket label used in upload URLs.
func WithBucket(bucket string) Option {
	return func(s *Server) { s.bucket = bucket }
}

// New starts the fake. Both servers are closed by Close.
func New(opts ...Option) *Server {
	s := &Server{
		Objects: NewObjectStore(time.Hour),
		bucket:  "bucket1",
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}

	api := http.NewServeMux()
	api.HandleFunc("/v1/admission", s.admission)
	api.HandleFunc("/v1/upload-url", s.uploadURL)
	api.HandleFunc("/v1/upload-complete", s.uploadComplete)
	s.Service = httptest.NewServer(s.record(api))
	s.Storage = httptest.NewServer(s.record(http.HandlerFunc(s.put)))

	ctx, cancel := context.WithCancel(context.Background())
	s.stopEviction = cancel
	go s.Objects.Run(ctx)
	return s
}

// Close shuts down both servers and the eviction loop.
func (s *Server) Close() {
	s.stopEviction()
	s.Service.Close()
	s.Storage.Close()
}

// URL is the service base URL.
func (s *Server) URL() string { return s.Service.URL }

// Transport routes *.storage.test to the storage listener and everything
// else to its real address.
func (s *Server) Transport() http.RoundTripper {
	storageAddr := s.Storage.Listener.Addr().String()
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err == nil && strings.HasSuffix(host, "."+StorageDomain) {
				addr = storageAddr
			}
			return dialer.DialContext(ctx, network, addr)
		},
	}
}

// QueueAdmission scripts the next admission replies, in order. Once the
// queue is empty the service admits (subject to SetRateLimit).
func (s *Server) QueueAdmission(rs ...Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admissions = append(s.admissions, rs...)
}

// SetRateLimit makes the service answer 429 with nextCollectionAt for
// window after each admitted request.
func (s *Server) SetRateLimit(window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateWindow = window
}

// SetTargetStatus forces the upload-url reply status. 0 restores the
// default. body replaces the JSON reply when non-empty.
func (s *Server) SetTargetStatus(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targetStatus, s.targetBody = status, body
}

// SetPutStatus forces the storage PUT reply status. 0 restores the default.
func (s *Server) SetPutStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putStatus = status
}

// SetConfirmStatus forces the upload-complete reply status. 0 restores the
// default.
func (s *Server) SetConfirmStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmStatus = status
}

// Requests returns every recorded request in arrival order.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Count returns how many requests hit path.
func (s *Server) Count(path string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Path == path {
			n++
		}
	}
	return n
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body.Close()
		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method: r.Method,
			Host:   r.Host,
			Path:   r.URL.Path,
			Header: r.Header.Clone(),
			Body:   body,
		})
		s.mu.Unlock()
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		next.ServeHTTP(w, r)
	})
}

// authorized writes a 404 and returns false for an unknown identity.
func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	key := s.apiKey
	s.mu.Unlock()
	if key != "" && r.Header.Get(headerAPIKey) != key {
		jsonErr(w, http.StatusNotFound, "api key not found")
		return false
	}
	return true
}

func (s *Server) admission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorized(w, r) {
		return
	}

	s.mu.Lock()
	if len(s.admissions) > 0 {
		resp := s.admissions[0]
		s.admissions = s.admissions[1:]
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.Status)
		_, _ = io.WriteString(w, resp.Body)
		return
	}
	now := s.now()
	if s.rateWindow > 0 && !s.lastAdmitted.IsZero() && now.Before(s.lastAdmitted.Add(s.rateWindow)) {
		next := s.lastAdmitted.Add(s.rateWindow)
		s.mu.Unlock()
		jsonResp(w, http.StatusTooManyRequests, map[string]any{
			"error":            "rate limited",
			"nextCollectionAt": next.UnixMilli(),
		})
		return
	}
	s.lastAdmitted = now
	s.mu.Unlock()
	jsonResp(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) uploadURL(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	if _, err := strconv.ParseInt(r.Header.Get("X-Snapshot-Size"), 10, 64); err != nil {
		jsonErr(w, http.StatusBadRequest, "missing snapshot size")
		return
	}

	s.mu.Lock()
	status, body, bucket := s.targetStatus, s.targetBody, s.bucket
	s.mu.Unlock()

	if status != 0 || body != "" {
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
		return
	}

	key := uuid.NewString()
	jsonResp(w, http.StatusOK, map[string]string{
		"url": "http://" + bucket + "." + StorageDomain + "/" + key + ".json?sig=" + uuid.NewString(),
	})
}

func (s *Server) uploadComplete(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	s.mu.Lock()
	status := s.confirmStatus
	s.mu.Unlock()
	if status != 0 {
		jsonErr(w, status, "forced failure")
		return
	}

	key, bucket := r.Header.Get("X-Snapshot-Key"), r.Header.Get("X-Snapshot-Bucket")
	if !s.Objects.Confirm(bucket, key) {
		jsonErr(w, http.StatusNotFound, "no such upload")
		return
	}
	jsonResp(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) put(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.mu.Lock()
	status := s.putStatus
	s.mu.Unlock()
	if status != 0 {
		jsonErr(w, status, "forced failure")
		return
	}

	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
	}
	bucket, _, _ := strings.Cut(host, ".")
	key, _, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), ".")
	data, _ := io.ReadAll(r.Body)
	s.Objects.Put(bucket, key, data)
	w.WriteHeader(http.StatusOK)
}

type errorResponse struct {
	Error string `json:"error"`
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
