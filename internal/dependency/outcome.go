// Package dependency performs single-attempt calls to the next hop of the chain and classifies
// how they ended.
package dependency

import (
	"fmt"
	"time"
)

// StatusTransportFailure is the synthetic status reported when no HTTP response was received
// at all (connection refused, DNS failure, reset).
const StatusTransportFailure = 599

// Outcome is one of Success, TimeoutFailure or HTTPFailure.
type Outcome interface {
	outcome()
}

// Success holds a 2xx response.
type Success struct {
	Status int
	Body   []byte
}

// TimeoutFailure means the deadline fired before a response was read.
type TimeoutFailure struct {
	Timeout time.Duration
	Elapsed time.Duration
	Err     error
}

// HTTPFailure is a non-2xx response, or a transport error normalized to StatusTransportFailure.
type HTTPFailure struct {
	Status int
	Body   string
	Err    error
}

func (Success) outcome()        {}
func (TimeoutFailure) outcome() {}
func (HTTPFailure) outcome()    {}

// TimeoutError is the error form of TimeoutFailure.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call to %s timed out after %s", e.URL, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// HTTPError is the error form of HTTPFailure.
type HTTPError struct {
	URL    string
	Status int
	Body   string
	Err    error
}

func (e *HTTPError) Error() string {
	if e.Status == StatusTransportFailure && e.Err != nil {
		return fmt.Sprintf("call to %s failed: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("call to %s returned status %d: %s", e.URL, e.Status, e.Body)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// Err converts a failed outcome into an error; Success yields nil.
func Err(url string, o Outcome) error {
	switch v := o.(type) {
	case TimeoutFailure:
		return &TimeoutError{URL: url, Timeout: v.Timeout, Err: v.Err}
	case HTTPFailure:
		return &HTTPError{URL: url, Status: v.Status, Body: v.Body, Err: v.Err}
	default:
		return nil
	}
}

// Reason returns a short tag describing the outcome, used in logs.
func Reason(o Outcome) string {
	switch v := o.(type) {
	case Success:
		return "ok"
	case TimeoutFailure:
		return "timeout"
	case HTTPFailure:
		if v.Status == StatusTransportFailure {
			return "transport"
		}
		return fmt.Sprintf("http_%d", v.Status)
	default:
		return "unknown"
	}
}
