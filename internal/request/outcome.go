package request

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAttemptsExhausted is set on an Outcome when the retry budget ran out.
	ErrAttemptsExhausted = errors.New("retry attempts exhausted")

	// ErrConnectionRetryDisabled is set when a transport failure ends the call
	// because connection retries are turned off.
	ErrConnectionRetryDisabled = errors.New("connection retry disabled")

	// ErrInvalidRequest is returned by Execute for a request with no method or URL.
	ErrInvalidRequest = errors.New("invalid request")
)

// Class is the classification of a single attempt.
type Class int

const (
	ClassSuccess Class = iota
	ClassTransientServer
	ClassColdStart
	ClassFatalStatus
	ClassTransport
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassTransientServer:
		return "transient_server"
	case ClassColdStart:
		return "cold_start"
	case ClassFatalStatus:
		return "fatal_status"
	case ClassTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Classify maps an HTTP status code to its retry class.
// 2xx succeed, 404 and 5xx are retried, 400 gets the one-shot cold-start
// allowance and everything else is fatal.
func Classify(status int) Class {
	switch {
	case status >= 200 && status < 300:
		return ClassSuccess
	case status == http.StatusNotFound, status >= 500 && status < 600:
		return ClassTransientServer
	case status == http.StatusBadRequest:
		return ClassColdStart
	default:
		return ClassFatalStatus
	}
}

// StatusError describes a non-2xx response.
type StatusError struct {
	Status int
	Class  Class
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d (%s)", e.Status, e.Class)
}

// TransportError describes a connection-level failure.
type TransportError struct {
	Action string
	Target string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Action, e.Target, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Outcome is the result of one Execute call. It is assembled once per call and
// returned by value; callers must treat it as read-only.
type Outcome struct {
	Action           string
	Target           string
	CorrelationID    string
	// Attempts is len(StatusHistory) + len(ConnectionErrors). A try cut short
	// by ctx before a status or transport error is not counted.
	Attempts         int
	FinalStatus      int
	StatusHistory    []int
	ConnectionErrors []string

	// Result holds the decoded JSON payload on success, or the raw text when
	// the body is not JSON. Body keeps the raw bytes for typed decoding.
	Result any
	Body   []byte

	Err error
}

// Success reports whether the call ended with a 2xx response.
func (o Outcome) Success() bool {
	return o.Err == nil && Classify(o.FinalStatus) == ClassSuccess
}

// Retried reports whether more than one attempt was needed.
func (o Outcome) Retried() bool {
	return o.Attempts > 1
}

func (o Outcome) String() string {
	errText := "none"
	if o.Err != nil {
		errText = o.Err.Error()
	}
	return fmt.Sprintf("%s %s code=%d attempts=%d codes=%v conn_errors=%d err=%s",
		o.Action, o.Target, o.FinalStatus, o.Attempts, o.StatusHistory, len(o.ConnectionErrors), errText)
}
