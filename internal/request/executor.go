// Package request executes remote HTTP calls with classified retries.
package request

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/withObsrvr/obsrvr-share-loader/internal/metrics"
)

// Doer is the transport used by the executor. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config controls the retry policy.
type Config struct {
	MaxAttempts          int
	BaseDelay            time.Duration
	Step                 time.Duration
	ColdStartPause       time.Duration
	AllowConnectionRetry bool

	// RateLimit caps attempts per second across all calls of one executor.
	// Zero disables limiting.
	RateLimit float64
	RateBurst int
}

// DefaultConfig returns the production retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:          8,
		BaseDelay:            time.Second,
		Step:                 time.Second,
		ColdStartPause:       5 * time.Second,
		AllowConnectionRetry: true,
	}
}

// Request describes one logical remote call.
type Request struct {
	// Name labels the call in logs and metrics, e.g. "upload_url".
	Name   string
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Executor runs requests under the retry policy. It is safe for concurrent use;
// every Execute call keeps its state on its own stack.
type Executor struct {
	client   Doer
	cfg      Config
	limiter  *rate.Limiter
	newTimer func() backoff.Timer
	log      *slog.Logger
}

// Option customises an Executor.
type Option func(*Executor)

// WithTimer replaces the wall-clock timer used between attempts.
func WithTimer(fn func() backoff.Timer) Option {
	return func(e *Executor) {
		e.newTimer = fn
	}
}

// NewExecutor creates an executor over client.
func NewExecutor(client Doer, cfg Config, log *slog.Logger, opts ...Option) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if log == nil {
		log = slog.Default()
	}

	e := &Executor{
		client: client,
		cfg:    cfg,
		log:    log.With("component", "request"),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute performs req until it succeeds, fails fatally or the attempt budget
// is spent. Failures are reported in Outcome.Err; the returned error is only
// set for malformed requests.
func (e *Executor) Execute(ctx context.Context, req Request) (Outcome, error) {
	if req.Method == "" || req.URL == "" {
		return Outcome{}, fmt.Errorf("%w: method and url are required", ErrInvalidRequest)
	}
	if _, err := http.NewRequestWithContext(ctx, req.Method, req.URL, nil); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	var (
		attempts      int
		finalStatus   int
		statuses      []int
		connErrors    []string
		result        any
		body          []byte
		coldStartSeen bool
		terminal      bool
	)

	linear := newLinearBackOff(e.cfg.BaseDelay, e.cfg.Step)
	policy := backoff.WithContext(backoff.WithMaxRetries(linear, uint64(e.cfg.MaxAttempts-1)), ctx)

	// attempts counts only tries that reached the server or failed in
	// transport, so it always equals len(statuses)+len(connErrors).
	operation := func() error {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				terminal = true
				return backoff.Permanent(err)
			}
		}

		status, payload, err := e.attempt(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				terminal = true
				return backoff.Permanent(ctx.Err())
			}
			attempts++
			connErrors = append(connErrors, fmt.Sprintf("CONN EX: %s %s: %v", req.Method, req.URL, err))
			e.observe(req, ClassTransport)
			terr := &TransportError{Action: req.Method, Target: req.URL, Err: err}
			if !e.cfg.AllowConnectionRetry {
				terminal = true
				return backoff.Permanent(fmt.Errorf("%w: %w", ErrConnectionRetryDisabled, terr))
			}
			return terr
		}

		attempts++
		finalStatus = status
		statuses = append(statuses, status)

		class := Classify(status)
		e.observe(req, class)

		switch class {
		case ClassSuccess:
			body = payload
			result = decodeResult(payload)
			return nil
		case ClassTransientServer:
			return &StatusError{Status: status, Class: ClassTransientServer}
		case ClassColdStart:
			if coldStartSeen {
				terminal = true
				return backoff.Permanent(&StatusError{Status: status, Class: ClassFatalStatus})
			}
			coldStartSeen = true
			linear.extend(e.cfg.ColdStartPause)
			return &StatusError{Status: status, Class: ClassColdStart}
		default:
			terminal = true
			return backoff.Permanent(&StatusError{Status: status, Class: ClassFatalStatus})
		}
	}

	notify := func(err error, wait time.Duration) {
		e.log.Debug("attempt failed, retrying",
			"request", req.Name,
			"target", req.URL,
			"attempt", attempts,
			"wait", wait.String(),
			"error", err,
		)
	}

	var timer backoff.Timer
	if e.newTimer != nil {
		timer = e.newTimer()
	}

	err := backoff.RetryNotifyWithTimer(operation, policy, notify, timer)

	out := Outcome{
		Action:           req.Method,
		Target:           req.URL,
		CorrelationID:    req.Header.Get("correlation-id"),
		Attempts:         attempts,
		FinalStatus:      finalStatus,
		StatusHistory:    statuses,
		ConnectionErrors: connErrors,
		Result:           result,
		Body:             body,
	}

	switch {
	case err == nil:
	case terminal || ctx.Err() != nil:
		out.Err = err
	default:
		out.Err = fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempts, err)
	}

	if out.Retried() {
		e.log.Info("request needed retries",
			"request", req.Name,
			"action", out.Action,
			"target", out.Target,
			"correlation_id", out.CorrelationID,
			"attempts", out.Attempts,
			"codes", out.StatusHistory,
			"conn_errors", len(out.ConnectionErrors),
		)
	}

	return out, nil
}

// attempt performs a single round-trip and returns the status and body.
func (e *Executor) attempt(ctx context.Context, req Request) (int, []byte, error) {
	var reader io.Reader
	if req.Body != nil {
		reader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, reader)
	if err != nil {
		return 0, nil, err
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, payload, nil
}

func (e *Executor) observe(req Request, class Class) {
	if m := metrics.Get(); m != nil {
		m.IncRequestAttempts(metrics.Labels{Operation: req.Name, Class: class.String()})
	}
}

// decodeResult parses payload as JSON, falling back to the raw text.
func decodeResult(payload []byte) any {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}
	return v
}
