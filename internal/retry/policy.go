// Package retry centralizes the retry decision for every component that
// performs network I/O. The policy is a pure function over an error and an
// attempt count; callers own the actual waiting.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/datasetops/hubfetch/internal/hub"
)

// Class partitions errors by how they should be handled.
type Class int

const (
	// ClassTransient covers timeouts, connection resets, 5xx responses and
	// local prepare failures. Retried with exponential backoff.
	ClassTransient Class = iota

	// ClassRateLimited covers throttling responses carrying an optional
	// server wait hint.
	ClassRateLimited

	// ClassPermanent covers failures retrying cannot fix.
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassRateLimited:
		return "rate_limited"
	case ClassPermanent:
		return "permanent"
	default:
		return "transient"
	}
}

// Policy holds the retry knobs. The zero value is not useful; use Default()
// or fill every field.
type Policy struct {
	MaxAttempts   int           // give up once this many attempts completed
	BaseBackoff   time.Duration // first transient wait
	BackoffFactor float64       // multiplier per attempt
	MaxWait       time.Duration // ceiling for any computed or hinted wait

	// Jitter returns a fraction in [0,1) used to spread concurrent
	// retries. Defaults to rand.Float64; tests pin it.
	Jitter func() float64
}

// Default returns the stock retry knobs.
func Default() Policy {
	return Policy{
		MaxAttempts:   5,
		BaseBackoff:   time.Second,
		BackoffFactor: 2.0,
		MaxWait:       5 * time.Minute,
	}
}

// Decision is the outcome of a single retry consultation.
type Decision struct {
	Wait  time.Duration // how long to wait before the next attempt
	Retry bool          // false means give up now
}

// Classify maps an error onto its retry class and extracts the rate-limit
// wait hint when there is one. Unrecognized errors count as transient so
// that sporadic local failures (disk pressure, racy filesystems) get the
// same bounded second chance as network blips.
func Classify(err error) (Class, time.Duration) {
	var rateLimited *hub.RateLimitedError
	if errors.As(err, &rateLimited) {
		return ClassRateLimited, rateLimited.RetryAfter
	}

	var permanent *hub.PermanentError
	if errors.As(err, &permanent) {
		return ClassPermanent, 0
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassPermanent, 0
	}

	return ClassTransient, 0
}

// Decide evaluates one failed attempt. attempt is the number of attempts
// completed so far, starting at 1 for the first failure. Retry becomes false
// exactly when attempt reaches p.MaxAttempts, and always for permanent errors.
func Decide(err error, attempt int, p Policy) Decision {
	class, hint := Classify(err)

	if class == ClassPermanent {
		return Decision{}
	}

	d := Decision{Retry: attempt < p.MaxAttempts}

	switch class {
	case ClassRateLimited:
		if hint > 0 {
			// Honor the server's hint exactly, but never stall for
			// pathological multi-hour values.
			d.Wait = min(hint, p.MaxWait)
			return d
		}

		fallthrough
	default:
		wait := time.Duration(float64(p.BaseBackoff) * math.Pow(p.BackoffFactor, float64(attempt)))
		if wait > p.MaxWait || wait <= 0 {
			wait = p.MaxWait
		} else {
			jitter := rand.Float64
			if p.Jitter != nil {
				jitter = p.Jitter
			}

			wait += time.Duration(jitter() * 0.1 * float64(wait))
		}

		d.Wait = wait
	}

	return d
}
