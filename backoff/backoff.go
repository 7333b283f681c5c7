// Package backoff provides the retry delay strategies used between step attempts.
// Strategies are stateless and safe for concurrent use.
package backoff

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Kind names a backoff strategy as it appears in workflow definitions and config.
type Kind string

const (
	KindConstant          Kind = "constant"
	KindLinear            Kind = "linear"
	KindExponential       Kind = "exponential"
	KindExponentialJitter Kind = "exponential_jitter"
)

// ErrUnknownKind is returned by New for an unrecognised Kind.
var ErrUnknownKind = errors.New("unknown backoff kind")

// Strategy computes the delay before a retry.
type Strategy interface {
	// Delay returns how long to wait before retry n (1-indexed).
	// Retry 1 follows the first failed attempt.
	Delay(retry int) time.Duration
}

// New builds the strategy named by kind. An empty kind selects exponential.
func New(kind Kind, initial, maxDelay time.Duration) (Strategy, error) {
	switch kind {
	case KindConstant:
		return Constant{Interval: initial}, nil
	case KindLinear:
		return Linear{Initial: initial, Max: maxDelay}, nil
	case KindExponential, "":
		return Exponential{Initial: initial, Max: maxDelay}, nil
	case KindExponentialJitter:
		return ExponentialJitter{Initial: initial, Max: maxDelay}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Valid reports whether kind names a known strategy.
func (k Kind) Valid() bool {
	switch k {
	case "", KindConstant, KindLinear, KindExponential, KindExponentialJitter:
		return true
	}
	return false
}

// Constant always waits Interval.
type Constant struct {
	Interval time.Duration
}

// Delay returns the fixed interval.
func (c Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Linear waits Initial * retry, capped at Max.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns Initial * retry, capped at Max.
func (l Linear) Delay(retry int) time.Duration {
	return capAt(l.Initial*time.Duration(retry), l.Max)
}

// Exponential doubles the wait each retry, capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns Initial * 2^(retry-1), capped at Max.
func (e Exponential) Delay(retry int) time.Duration {
	return capAt(exponential(e.Initial, e.Max, retry), e.Max)
}

// ExponentialJitter applies full jitter over the exponential base so that many
// instances failing against the same target do not retry in lockstep.
type ExponentialJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns a random duration in [0, min(Initial * 2^(retry-1), Max)].
func (e ExponentialJitter) Delay(retry int) time.Duration {
	base := capAt(exponential(e.Initial, e.Max, retry), e.Max)
	return time.Duration(rand.Float64() * float64(base)) //nolint:gosec // jitter does not need crypto rand
}

func exponential(initial, maxDelay time.Duration, retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	f := float64(initial) * math.Pow(2, float64(retry-1))
	if maxDelay > 0 && f > float64(maxDelay) {
		return maxDelay
	}
	if f > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

func capAt(d, maxDelay time.Duration) time.Duration {
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}
