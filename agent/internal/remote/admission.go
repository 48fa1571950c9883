package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Fixed waits applied when the service does not advise one.
const (
	ShortWait = 2500 * time.Millisecond
	LongWait  = 30 * time.Second
)

// Outcome classifies an admission response.
type Outcome string

const (
	OutcomeProceed        Outcome = "proceed"
	OutcomeForbidden      Outcome = "forbidden"
	OutcomeNotFound       Outcome = "not_found"
	OutcomeRateLimited    Outcome = "rate_limited"
	OutcomeTransportError Outcome = "transport_error"
	OutcomeError          Outcome = "error"
)

// Decision is the result of one admission check.
type Decision struct {
	Proceed bool
	Outcome Outcome

	// Reason explains a denial. Empty when Proceed is true.
	Reason string

	// Wait is how long to pause before asking again. Never negative.
	Wait time.Duration

	// Status is the HTTP status code, or 0 for a transport failure.
	Status int
}

// PayloadError is implemented by transport errors that captured part of a
// response body. Admission parses that payload for a nextCollectionAt hint.
type PayloadError interface {
	error
	Payload() []byte
}

// bodyReadError is a PayloadError for a response whose body broke off
// mid-read.
type bodyReadError struct {
	status  int
	partial []byte
	err     error
}

func (e *bodyReadError) Error() string {
	return fmt.Sprintf("read %d response body: %v", e.status, e.err)
}
func (e *bodyReadError) Unwrap() error   { return e.err }
func (e *bodyReadError) Payload() []byte { return e.partial }

// Admission asks the collection service for permission to send.
type Admission struct {
	url    string
	client *http.Client
	now    func() time.Time
	logger *slog.Logger
}

// AdmissionOption configures an Admission.
type AdmissionOption func(*Admission)

// WithClock replaces time.Now for wait arithmetic.
func WithClock(now func() time.Time) AdmissionOption {
	return func(a *Admission) { a.now = now }
}

// WithAdmissionLogger sets the logger.
func WithAdmissionLogger(l *slog.Logger) AdmissionOption {
	return func(a *Admission) { a.logger = l }
}

// NewAdmission returns an admission client for the service at baseURL.
// client must add the identity header (see NewHTTPClient).
func NewAdmission(baseURL string, client *http.Client, opts ...AdmissionOption) (*Admission, error) {
	u, err := endpoint(baseURL, PathAdmission)
	if err != nil {
		return nil, err
	}
	a := &Admission{
		url:    u,
		client: client,
		now:    time.Now,
		logger: slog.Default().With("component", "admission"),
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Check asks whether a snapshot may be sent now. It never fails: every
// error is folded into a denial with a wait.
func (a *Admission) Check(ctx context.Context) Decision {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return a.transportFailure(err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return a.transportFailure(err)
	}
	defer resp.Body.Close()

	if success(resp.StatusCode) {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return Decision{Proceed: true, Outcome: OutcomeProceed, Status: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return a.transportFailure(&bodyReadError{status: resp.StatusCode, partial: data, err: err})
	}
	return a.interpret(resp.StatusCode, parseErrorBody(data))
}

// interpret maps a non-2xx status and its body to a denial.
func (a *Admission) interpret(status int, eb errorBody) Decision {
	d := Decision{Status: status}
	switch status {
	case http.StatusForbidden:
		d.Outcome = OutcomeForbidden
		d.Reason = orDefault(eb.Error, "forbidden")
		if eb.Reason != "" {
			d.Reason += ": " + eb.Reason
		}
		d.Wait = LongWait

	case http.StatusNotFound:
		d.Outcome = OutcomeNotFound
		d.Reason = orDefault(eb.Error, "api key not found")
		d.Wait = LongWait

	case http.StatusTooManyRequests:
		d.Outcome = OutcomeRateLimited
		d.Reason = "rate limited"
		if eb.Error != "" {
			d.Reason += ": " + eb.Error
		}
		d.Wait = ShortWait
		if eb.NextCollectionAt.Valid {
			d.Wait = eb.NextCollectionAt.Until(a.now())
		}

	default:
		d.Outcome = OutcomeError
		d.Reason = eb.Error
		if d.Reason == "" {
			d.Reason = statusText(status)
		}
		d.Wait = ShortWait
	}

	a.logger.Debug("admission: denied",
		"status", status, "outcome", d.Outcome, "reason", d.Reason, "wait", d.Wait)
	return d
}

// transportFailure turns a failed exchange into a short denial, or into the
// service-advised wait when the error carried a body with nextCollectionAt.
func (a *Admission) transportFailure(err error) Decision {
	d := Decision{
		Outcome: OutcomeTransportError,
		Reason:  err.Error(),
		Wait:    ShortWait,
	}
	var pe PayloadError
	if errors.As(err, &pe) {
		if eb := parseErrorBody(pe.Payload()); eb.NextCollectionAt.Valid {
			d.Wait = eb.NextCollectionAt.Until(a.now())
		}
	}
	a.logger.Debug("admission: transport failure", "err", err, "wait", d.Wait)
	return d
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func statusText(code int) string {
	if t := http.StatusText(code); t != "" {
		return fmt.Sprintf("%d %s", code, t)
	}
	return fmt.Sprintf("unexpected status %d", code)
}
