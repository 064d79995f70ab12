// Package retry runs collaborator calls under the pipeline's retry policy: a bounded number of
// attempts with exponential backoff, retrying transient failures only.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"mealsnap"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v5"
)

const (
	defaultAttempts   = 3
	defaultInitial    = 200 * time.Millisecond
	defaultMultiplier = 4.0
)

// Policy configures attempts and backoff. The zero value behaves like Default.
type Policy struct {
	Attempts       int
	Initial        time.Duration
	Multiplier     float64
	AttemptTimeout time.Duration
}

// Default is 3 attempts with waits of 200ms then 800ms (3200ms would follow a 4th attempt).
func Default() Policy {
	return Policy{Attempts: defaultAttempts, Initial: defaultInitial, Multiplier: defaultMultiplier}
}

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = defaultAttempts
	}
	if p.Initial <= 0 {
		p.Initial = defaultInitial
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultMultiplier
	}
	return p
}

// Schedule returns the waits between attempts.
func (p Policy) Schedule() []time.Duration {
	p = p.withDefaults()
	b := p.backOff()
	out := make([]time.Duration, 0, p.Attempts-1)
	for i := 1; i < p.Attempts; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(float64(p.Initial) * pow(p.Multiplier, p.Attempts))
	b.Reset()
	return b
}

func pow(x float64, n int) float64 {
	r := 1.0
	for i := 0; i < n; i++ {
		r *= x
	}
	return r
}

// Do calls fn until it succeeds, fails permanently, or the attempts are used up. Each attempt gets
// its own timeout when AttemptTimeout is set; a deadline hit by one attempt is transient, while
// cancellation of ctx itself stops immediately.
func Do[T any](ctx context.Context, p Policy, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	attempt := 0

	op := func() (T, error) {
		attempt++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if p.AttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		defer cancel()

		v, err := fn(actx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return v, backoff.Permanent(ctx.Err())
		}
		if !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	v, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.Attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("RETRY: Transient collaborator failure", "call", name, "attempt", attempt, "next_in", next, "error", err)
		}),
	)
	if err == nil {
		return v, nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if ctx.Err() == nil && IsTransient(err) {
		return v, fmt.Errorf("%s failed after %d attempts: %w", name, attempt, err)
	}
	return v, err
}

// IsTransient reports whether err is worth retrying: timeouts, throttling, 429 and 5xx answers,
// and anything explicitly marked with mealsnap.Transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, mealsnap.ErrMalformedResponse) {
		return false
	}
	if mealsnap.Classify(err) == mealsnap.ClassTransient {
		return true
	}

	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		code := re.HTTPStatusCode()
		if code == 429 || code >= 500 {
			return true
		}
	}

	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ProvisionedThroughputExceededException",
			"ServiceUnavailableException", "InternalServerError", "InternalServerException",
			"ModelNotReadyException", "RequestTimeout", "RequestTimeoutException":
			return true
		}
		if ae.ErrorFault() == smithy.FaultServer {
			return true
		}
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return false
}
