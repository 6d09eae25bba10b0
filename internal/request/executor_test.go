package request

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingTimer fires immediately and remembers every wait it was asked for.
type recordingTimer struct {
	mu    sync.Mutex
	waits []time.Duration
	ch    chan time.Time
}

func (t *recordingTimer) Start(d time.Duration) {
	t.mu.Lock()
	t.waits = append(t.waits, d)
	t.mu.Unlock()
	t.ch = make(chan time.Time, 1)
	t.ch <- time.Now()
}

func (t *recordingTimer) Stop() {}

func (t *recordingTimer) C() <-chan time.Time { return t.ch }

func newTestExecutor(client Doer, cfg Config) (*Executor, *recordingTimer) {
	timer := &recordingTimer{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewExecutor(client, cfg, log, WithTimer(func() backoff.Timer { return timer })), timer
}

// sequenceServer answers with the given status codes in order, repeating the last.
func sequenceServer(t *testing.T, codes []int, body string) (*httptest.Server, *int) {
	t.Helper()
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		idx := calls
		calls++
		mu.Unlock()
		if idx >= len(codes) {
			idx = len(codes) - 1
		}
		w.WriteHeader(codes[idx])
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

type failingDoer struct {
	calls int
}

func (d *failingDoer) Do(*http.Request) (*http.Response, error) {
	d.calls++
	return nil, errors.New("connection reset by peer")
}

func TestExecuteRetriesTransientThenSucceeds(t *testing.T) {
	srv, calls := sequenceServer(t, []int{503, 503, 200}, `{"Location":{"SignedURL":"https://x"}}`)
	exec, timer := newTestExecutor(srv.Client(), DefaultConfig())

	out, err := exec.Execute(context.Background(), Request{Name: "upload_url", Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)

	assert.True(t, out.Success())
	assert.NoError(t, out.Err)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, *calls)
	assert.Equal(t, 200, out.FinalStatus)
	assert.Equal(t, []int{503, 503, 200}, out.StatusHistory)
	assert.Empty(t, out.ConnectionErrors)

	payload, ok := out.Result.(map[string]any)
	require.True(t, ok, "result should be decoded JSON, got %T", out.Result)
	assert.Contains(t, payload, "Location")

	// Linear backoff: 1s then 2s.
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, timer.waits)
}

func TestExecuteFallsBackToRawText(t *testing.T) {
	srv, _ := sequenceServer(t, []int{200}, "plain text body")
	exec, _ := newTestExecutor(srv.Client(), DefaultConfig())

	out, err := exec.Execute(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	assert.True(t, out.Success())
	assert.Equal(t, "plain text body", out.Result)
}

func TestExecuteTransportFailureWithoutConnectionRetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowConnectionRetry = false
	doer := &failingDoer{}
	exec, timer := newTestExecutor(doer, cfg)

	out, err := exec.Execute(context.Background(), Request{Method: http.MethodGet, URL: "http://platform.invalid/files/uploadURL"})
	require.NoError(t, err)

	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 1, doer.calls)
	require.Error(t, out.Err)
	assert.ErrorIs(t, out.Err, ErrConnectionRetryDisabled)
	var terr *TransportError
	assert.ErrorAs(t, out.Err, &terr)
	assert.Len(t, out.ConnectionErrors, 1)
	assert.Empty(t, out.StatusHistory)
	assert.Empty(t, timer.waits)
}

func TestExecuteTransportFailureExhaustsBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 4
	doer := &failingDoer{}
	exec, timer := newTestExecutor(doer, cfg)

	out, err := exec.Execute(context.Background(), Request{Method: http.MethodGet, URL: "http://platform.invalid/x"})
	require.NoError(t, err)

	assert.Equal(t, 4, out.Attempts)
	assert.Len(t, out.ConnectionErrors, 4)
	assert.ErrorIs(t, out.Err, ErrAttemptsExhausted)
	var terr *TransportError
	assert.ErrorAs(t, out.Err, &terr, "exhaustion keeps the last classified error in the chain")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, timer.waits)
}

func TestExecuteFatalStatusStopsImmediately(t *testing.T) {
	srv, calls := sequenceServer(t, []int{403}, "forbidden")
	exec, _ := newTestExecutor(srv.Client(), DefaultConfig())

	out, err := exec.Execute(context.Background(), Request{Method: http.MethodPost, URL: srv.URL, Body: []byte("{}")})
	require.NoError(t, err)

	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 1, *calls)
	assert.Equal(t, []int{403}, out.StatusHistory)
	var serr *StatusError
	require.ErrorAs(t, out.Err, &serr)
	assert.Equal(t, ClassFatalStatus, serr.Class)
	assert.NotErrorIs(t, out.Err, ErrAttemptsExhausted)
	assert.False(t, out.Success())
}

func TestExecuteColdStartGetsOneRetry(t *testing.T) {
	srv, calls := sequenceServer(t, []int{400, 200}, `{"id":"abc"}`)
	exec, timer := newTestExecutor(srv.Client(), DefaultConfig())

	out, err := exec.Execute(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)

	assert.True(t, out.Success())
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 2, *calls)
	// Extended pause on top of the linear delay.
	assert.Equal(t, []time.Duration{6 * time.Second}, timer.waits)
}

func TestExecuteSecondColdStartIsFatal(t *testing.T) {
	srv, calls := sequenceServer(t, []int{400, 500, 400}, "bad request")
	exec, _ := newTestExecutor(srv.Client(), DefaultConfig())

	out, err := exec.Execute(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)

	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, *calls)
	assert.Equal(t, []int{400, 500, 400}, out.StatusHistory)
	var serr *StatusError
	require.ErrorAs(t, out.Err, &serr)
	assert.Equal(t, ClassFatalStatus, serr.Class)
	assert.Equal(t, 400, serr.Status)
}

func TestExecuteRetryableExhaustsBudget(t *testing.T) {
	srv, calls := sequenceServer(t, []int{404}, "not indexed")
	exec, _ := newTestExecutor(srv.Client(), DefaultConfig())

	out, err := exec.Execute(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)

	assert.Equal(t, 8, out.Attempts)
	assert.Equal(t, 8, *calls)
	assert.Len(t, out.StatusHistory, 8)
	assert.ErrorIs(t, out.Err, ErrAttemptsExhausted)
	var serr *StatusError
	require.ErrorAs(t, out.Err, &serr)
	assert.Equal(t, ClassTransientServer, serr.Class)
}

func TestExecuteSendsHeadersAndBody(t *testing.T) {
	var gotHeader, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("data-partition-id")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id":"rec-1"}`)
	}))
	defer srv.Close()

	exec, _ := newTestExecutor(srv.Client(), DefaultConfig())
	header := http.Header{}
	header.Set("data-partition-id", "opendes")
	header.Set("correlation-id", "workflow-123")

	out, err := exec.Execute(context.Background(), Request{
		Method: http.MethodPost,
		URL:    srv.URL,
		Header: header,
		Body:   []byte(`{"kind":"file"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 201, out.FinalStatus)
	assert.Equal(t, "opendes", gotHeader)
	assert.Equal(t, `{"kind":"file"}`, gotBody)
	assert.Equal(t, "workflow-123", out.CorrelationID)
}

func TestExecuteRejectsInvalidRequest(t *testing.T) {
	exec, _ := newTestExecutor(&failingDoer{}, DefaultConfig())

	_, err := exec.Execute(context.Background(), Request{Method: http.MethodGet})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = exec.Execute(context.Background(), Request{URL: "http://x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestExecuteStopsOnCancelledContext(t *testing.T) {
	srv, _ := sequenceServer(t, []int{503}, "")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Hour
	exec := NewExecutor(srv.Client(), cfg, log)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	out, err := exec.Execute(ctx, Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Attempts)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
	assert.NotErrorIs(t, out.Err, ErrAttemptsExhausted)
}

func assertAttemptsRecorded(t *testing.T, out Outcome) {
	t.Helper()
	assert.Equal(t, len(out.StatusHistory)+len(out.ConnectionErrors), out.Attempts,
		"every counted attempt has a status or connection error")
}

func TestExecuteDoesNotCountAttemptBlockedByLimiter(t *testing.T) {
	srv, calls := sequenceServer(t, []int{200}, `{"ok":true}`)
	cfg := DefaultConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	exec, _ := newTestExecutor(srv.Client(), cfg)

	out, err := exec.Execute(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	require.True(t, out.Success())
	assertAttemptsRecorded(t, out)

	// The next token is far past the deadline, so the limiter refuses to wait.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out, err = exec.Execute(ctx, Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	assert.Error(t, out.Err)
	assert.Zero(t, out.Attempts)
	assertAttemptsRecorded(t, out)
	assert.Equal(t, 1, *calls)
}

func TestExecuteDoesNotCountAttemptCancelledInFlight(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	exec, _ := newTestExecutor(srv.Client(), DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out, err := exec.Execute(ctx, Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
	assert.Zero(t, out.Attempts)
	assertAttemptsRecorded(t, out)
}

func TestExecuteAttemptsMatchRecordedHistory(t *testing.T) {
	srv, _ := sequenceServer(t, []int{503, 404, 200}, `{"ok":true}`)
	exec, _ := newTestExecutor(srv.Client(), DefaultConfig())

	out, err := exec.Execute(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Attempts)
	assertAttemptsRecorded(t, out)

	doer := &failingDoer{}
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.AllowConnectionRetry = true
	exec, _ = newTestExecutor(doer, cfg)
	out, err = exec.Execute(context.Background(), Request{Method: http.MethodGet, URL: "http://unreachable.invalid"})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Attempts)
	assertAttemptsRecorded(t, out)
}

func TestOutcomesAreIndependentAcrossConcurrentCalls(t *testing.T) {
	srv, _ := sequenceServer(t, []int{200}, `{"ok":true}`)
	exec, _ := newTestExecutor(srv.Client(), DefaultConfig())

	var wg sync.WaitGroup
	outs := make([]Outcome, 16)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i], _ = exec.Execute(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
		}(i)
	}
	wg.Wait()

	for _, out := range outs {
		assert.Equal(t, 1, out.Attempts)
		assert.Equal(t, []int{200}, out.StatusHistory)
	}
}

func TestClassify(t *testing.T) {
	cases := map[int]Class{
		200: ClassSuccess,
		201: ClassSuccess,
		299: ClassSuccess,
		400: ClassColdStart,
		401: ClassFatalStatus,
		404: ClassTransientServer,
		409: ClassFatalStatus,
		500: ClassTransientServer,
		503: ClassTransientServer,
		599: ClassTransientServer,
		302: ClassFatalStatus,
	}
	for status, want := range cases {
		assert.Equal(t, want, Classify(status), "status %d", status)
	}
}

func TestOutcomeString(t *testing.T) {
	out := Outcome{Action: "GET", Target: "http://x", FinalStatus: 503, Attempts: 2, StatusHistory: []int{503, 503}}
	s := out.String()
	assert.True(t, strings.Contains(s, "attempts=2"), s)
	assert.True(t, strings.Contains(s, "err=none"), s)
}
