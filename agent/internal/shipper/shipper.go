package shipper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/obsidianstack/pgsnap/agent/internal/collector"
	"github.com/obsidianstack/pgsnap/agent/internal/config"
	"github.com/obsidianstack/pgsnap/agent/internal/metrics"
	"github.com/obsidianstack/pgsnap/agent/internal/remote"
)

const (
	// ShortWait follows every completed or failed iteration.
	ShortWait = time.Second

	// MinDenyWait is used when a denial advises no wait at all.
	MinDenyWait = 250 * time.Millisecond

	defaultStallTimeout = 15 * time.Minute
)

// Metric label values for the handshake stages.
const (
	stageTarget  = "target"
	stageUpload  = "upload"
	stageConfirm = "confirm"
)

// Admitter decides whether an iteration may collect.
type Admitter interface {
	Check(ctx context.Context) remote.Decision
}

// Collector writes one snapshot to dest and returns its size.
type Collector interface {
	Collect(ctx context.Context, dest string) (int64, error)
}

// Uploader performs the three handshake steps.
type Uploader interface {
	RequestTarget(ctx context.Context, size int64) (string, bool)
	Upload(ctx context.Context, target string, payload []byte) bool
	Confirm(ctx context.Context, target string) bool
}

// SleepFunc pauses for d or until ctx is done, returning ctx.Err() in the
// latter case.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Iteration summarises one pass through the loop.
type Iteration struct {
	Attempt   string
	Decision  remote.Decision
	Size      int64
	Target    string
	Uploaded  bool
	Confirmed bool
	Err       error

	// Wait is the backoff that follows this iteration.
	Wait time.Duration
}

// Shipper owns the send loop.
type Shipper struct {
	identity  string
	tempDir   string
	admission Admitter
	collector Collector
	uploader  Uploader

	metrics      *metrics.Metrics
	logger       *slog.Logger
	sleep        SleepFunc
	now          func() time.Time
	stallTimeout time.Duration

	state     atomic.Int32
	busySince atomic.Int64
}

// Option configures a Shipper.
type Option func(*Shipper)

// WithMetrics records loop activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Shipper) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Shipper) { s.logger = l }
}

// WithSleep replaces the backoff wait.
func WithSleep(fn SleepFunc) Option {
	return func(s *Shipper) { s.sleep = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Shipper) { s.now = now }
}

// WithStallTimeout sets how long one iteration may run before Healthy
// reports false.
func WithStallTimeout(d time.Duration) Option {
	return func(s *Shipper) { s.stallTimeout = d }
}

// New returns a Shipper for cfg. The dependencies are used only from the
// goroutine that calls Run.
func New(cfg config.Config, c Collector, a Admitter, u Uploader, opts ...Option) *Shipper {
	s := &Shipper{
		identity:     cfg.Identity,
		tempDir:      cfg.Collect.TempDir,
		admission:    a,
		collector:    c,
		uploader:     u,
		logger:       slog.Default().With("component", "shipper"),
		sleep:        sleepContext,
		now:          time.Now,
		stallTimeout: defaultStallTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	if s.tempDir == "" {
		s.tempDir = os.TempDir()
	}
	return s
}

// Run loops until ctx is cancelled.
func (s *Shipper) Run(ctx context.Context) {
	s.logger.Info("shipper: send loop started", "temp_dir", s.tempDir)
	defer s.logger.Info("shipper: send loop stopped")

	for ctx.Err() == nil {
		it := s.iterate(ctx)
		if err := s.backoff(ctx, it.Wait); err != nil {
			return
		}
	}
}

// State returns the state the loop is currently in.
func (s *Shipper) State() State { return State(s.state.Load()) }

// Healthy reports false when an iteration has been busy for longer than
// the stall timeout. Time spent in backoff never counts.
func (s *Shipper) Healthy() bool {
	since := s.busySince.Load()
	if since == 0 {
		return true
	}
	return s.now().Sub(time.Unix(0, since)) < s.stallTimeout
}

func (s *Shipper) setState(st State) {
	s.state.Store(int32(st))
	s.metrics.State(int(st))
	s.logger.Debug("shipper: state", "state", st.String())
}

func (s *Shipper) backoff(ctx context.Context, d time.Duration) error {
	s.busySince.Store(0)
	s.setState(StateBackoff)
	s.metrics.Backoff(d)
	return s.sleep(ctx, d)
}

// iterate runs one pass and returns the wait that should follow it. It
// never panics.
func (s *Shipper) iterate(ctx context.Context) (it Iteration) {
	it.Attempt = uuid.NewString()
	log := s.logger.With("attempt", it.Attempt)
	s.busySince.Store(s.now().UnixNano())

	defer func() {
		if r := recover(); r != nil {
			it.Err = fmt.Errorf("shipper: panic: %v", r)
		}
		if it.Err != nil {
			it.Wait = ShortWait
			s.metrics.LoopError()
			logFailure(log, it.Err)
		}
	}()

	s.setState(StateCheckingAdmission)
	it.Decision = s.admission.Check(ctx)
	s.metrics.Admission(string(it.Decision.Outcome))
	if !it.Decision.Proceed {
		it.Wait = it.Decision.Wait
		if it.Wait <= 0 {
			it.Wait = MinDenyWait
		}
		log.Info("shipper: admission denied",
			"outcome", it.Decision.Outcome,
			"status", it.Decision.Status,
			"reason", it.Decision.Reason,
			"retry_in", it.Wait,
		)
		return it
	}

	s.setState(StateCollecting)
	payload, err := s.collect(ctx, log)
	s.metrics.Collection(err == nil)
	if err != nil {
		it.Err = err
		return it
	}
	it.Size = int64(len(payload))
	s.metrics.SnapshotSize(it.Size)
	log.Info("shipper: snapshot collected",
		"size", humanize.Bytes(uint64(it.Size)),
		"bytes", it.Size,
	)

	s.setState(StateRequestingTarget)
	target, ok := s.uploader.RequestTarget(ctx, it.Size)
	s.metrics.Stage(stageTarget, ok)
	if !ok {
		it.Wait = ShortWait
		log.Warn("shipper: no upload target, will retry", "retry_in", it.Wait)
		return it
	}
	it.Target = target

	s.setState(StateUploading)
	it.Uploaded = s.uploader.Upload(ctx, target, payload)
	s.metrics.Stage(stageUpload, it.Uploaded)

	// Confirm is attempted even when the PUT failed.
	s.setState(StateConfirming)
	it.Confirmed = s.uploader.Confirm(ctx, target)
	s.metrics.Stage(stageConfirm, it.Confirmed)

	level := slog.LevelInfo
	if !it.Uploaded || !it.Confirmed {
		level = slog.LevelWarn
	}
	log.Log(ctx, level, "shipper: upload finished",
		"uploaded", it.Uploaded,
		"confirmed", it.Confirmed,
		"size", humanize.Bytes(uint64(it.Size)),
	)
	it.Wait = ShortWait
	return it
}

// collect runs the tool into a fresh temp file and returns its contents.
// The file is gone when collect returns, whatever the outcome.
func (s *Shipper) collect(ctx context.Context, log *slog.Logger) ([]byte, error) {
	path := tempPath(s.tempDir, s.identity, s.now())
	defer removeQuiet(log, path)

	if _, err := s.collector.Collect(ctx, path); err != nil {
		return nil, err
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("shipper: read snapshot: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("shipper: remove snapshot: %w", err)
	}
	return payload, nil
}

func logFailure(log *slog.Logger, err error) {
	var cerr *collector.Error
	if errors.As(err, &cerr) {
		log.Error("shipper: collection failed",
			"err", cerr.Message,
			"exit_code", cerr.ExitCode,
			"retry_in", ShortWait,
		)
		return
	}
	log.Error("shipper: iteration failed", "err", err, "retry_in", ShortWait)
}

// tempPath is unique per attempt: the identity keeps concurrent agents on
// one host apart and the nanosecond timestamp separates attempts.
func tempPath(dir, identity string, now time.Time) string {
	name := fmt.Sprintf("pgsnap-%s-%d.json", sanitize(identity), now.UnixNano())
	return filepath.Join(dir, name)
}

const maxIdentityChars = 16

// sanitize keeps a filename-safe prefix of the identity.
func sanitize(identity string) string {
	var b strings.Builder
	for _, r := range identity {
		if b.Len() == maxIdentityChars {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "anon"
	}
	return b.String()
}

func removeQuiet(log *slog.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("shipper: could not remove temp file", "path", path, "err", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
