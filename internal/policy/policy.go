// Package policy classifies message processing errors and decides how consumers
// react to them: fatal errors are dead-lettered without requeue, retryable errors
// trigger bounded redelivery.
package policy

import (
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"
)

// ErrMalformed marks input that can never be repaired by redelivery.
// Wrap errors with Fatal to attach it.
var ErrMalformed = errors.New("malformed message")

// Class is the consumer's reaction to a processing error.
type Class int

const (
	// ClassFatal means the message is dead-lettered and never requeued.
	ClassFatal Class = iota
	// ClassRetryable means the message is requeued for another delivery attempt.
	ClassRetryable
	// ClassUnknown means the error is unrecognized. Treated as retryable, but
	// logged at error severity for operator attention.
	ClassUnknown
)

// String returns a human-readable class name for logging.
func (c Class) String() string {
	switch c {
	case ClassFatal:
		return "fatal"
	case ClassRetryable:
		return "retryable"
	default:
		return "unknown"
	}
}

// Fatal wraps an error so Classify reports it as ClassFatal.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return ErrMalformed.Error() + ": " + e.err.Error() }

func (e *fatalError) Unwrap() error { return e.err }

func (e *fatalError) Is(target error) bool { return target == ErrMalformed }

// Classify determines the consumer reaction for an error.
// Parse and validation failures are fatal; connectivity problems with the store,
// broker, or sink are retryable; anything else is unknown.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	if errors.Is(err, ErrMalformed) {
		return ClassFatal
	}

	errStr := strings.ToLower(err.Error())

	// Permanent failures: redelivery cannot fix bad input.
	nonRetryable := []string{
		"malformed",
		"invalid",
		"validation",
		"cannot be empty",
		"unmarshal",
	}
	for _, s := range nonRetryable {
		if strings.Contains(errStr, s) {
			return ClassFatal
		}
	}

	// Transient failures: the dependency may recover before the next delivery.
	retryable := []string{
		"timeout",
		"deadline exceeded",
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary",
		"unavailable",
		"too many requests",
		"try again",
		"eof",
	}
	for _, s := range retryable {
		if strings.Contains(errStr, s) {
			return ClassRetryable
		}
	}

	return ClassUnknown
}

// Backoff defines exponential backoff behavior for in-process retries.
type Backoff struct {
	Initial time.Duration // Initial backoff duration
	Max     time.Duration // Maximum backoff duration
	Factor  float64       // Multiplier for exponential backoff
}

// DefaultBackoff returns sensible default backoff configuration.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial: 500 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2.0,
	}
}

// Next calculates the backoff duration for the given zero-based attempt,
// with ±25% jitter to avoid thundering herds.
func (b Backoff) Next(attempt int) time.Duration {
	backoff := float64(b.Initial) * math.Pow(b.Factor, float64(attempt))
	if backoff > float64(b.Max) {
		backoff = float64(b.Max)
	}

	jitter := backoff * 0.25 * (rand.Float64()*2 - 1)
	backoff += jitter

	return time.Duration(backoff)
}
