// Package policy turns raw stage outcomes into dispositions and decides which
// stages a parsed job is eligible for. Everything here is pure and clock-free;
// the coordinator supplies the time when a disposition is applied to a step.
package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

// Sentinel errors recorded as step causes. Match with errors.Is.
var (
	ErrParseFailure       = errors.New("parse failure")
	ErrPermanentRejection = errors.New("permanent rejection")
	ErrTransient          = errors.New("transient failure")
	ErrRetryExhausted     = errors.New("retry limit reached")
	ErrTransport          = errors.New("transport error")
	ErrUnexpectedResponse = errors.New("unexpected response")
)

// DefaultReportBackoff is the fixed wait before a transient report failure is retried.
const DefaultReportBackoff = 30 * time.Second

// DefaultMaxReportRetries caps Retry -> Pending transitions of the report stage.
const DefaultMaxReportRetries = 3

// Kind is the classification of a stage outcome.
type Kind int

const (
	KindSuccess Kind = iota
	KindFatal
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindFatal:
		return "fatal"
	case KindTransient:
		return "transient"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Disposition is the classified outcome of one stage run.
type Disposition[T any] struct {
	Kind    Kind
	Value   T             // set for KindSuccess
	Cause   error         // set for KindFatal and KindTransient
	Backoff time.Duration // set for KindTransient
}

// Success builds a successful disposition.
func Success[T any](v T) Disposition[T] {
	return Disposition[T]{Kind: KindSuccess, Value: v}
}

// Fatal builds a terminal failure.
func Fatal[T any](cause error) Disposition[T] {
	return Disposition[T]{Kind: KindFatal, Cause: cause}
}

// Transient builds a retryable failure that should wait for backoff.
func Transient[T any](backoff time.Duration, cause error) Disposition[T] {
	return Disposition[T]{Kind: KindTransient, Cause: cause, Backoff: backoff}
}

// ApplyRetryCap converts a transient disposition into a fatal one once retries has reached max.
func ApplyRetryCap[T any](d Disposition[T], retries, max int) Disposition[T] {
	if d.Kind != KindTransient || retries < max {
		return d
	}
	return Fatal[T](ErrRetryExhausted)
}

// Apply writes the disposition into an Active step. Transient becomes Retry(now + backoff).
func Apply[T any](s *types.Step[T], d Disposition[T], now time.Time) error {
	switch d.Kind {
	case KindSuccess:
		return s.Complete(d.Value)
	case KindFatal:
		return s.Fail(d.Cause)
	case KindTransient:
		return s.Defer(now.Add(d.Backoff))
	}
	return fmt.Errorf("unknown disposition kind %v", d.Kind)
}
