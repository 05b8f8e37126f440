package collab

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// Policy bounds one collaborator call.
type Policy struct {
	Timeout       time.Duration
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	Jitter        float64
}

func DefaultPolicy() Policy {
	return Policy{
		Timeout:       10 * time.Second,
		RetryMax:      2,
		RetryBase:     500 * time.Millisecond,
		RetryMaxDelay: 5 * time.Second,
		Jitter:        0.2,
	}
}

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Call runs fn with a per-attempt timeout, retrying transient failures with
// jittered exponential backoff. The parent context cancels retries.
func Call[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; ; attempt++ {
		cctx := ctx
		cancel := func() {}
		if p.Timeout > 0 {
			cctx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		v, err := fn(cctx)
		cancel()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if errors.Is(err, ErrUnavailable) || !IsTransient(err) || attempt >= p.RetryMax {
			return zero, lastErr
		}
		d := backoff(p, attempt+1, err)
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, lastErr
		case <-t.C:
		}
	}
}

// Do is Call for functions without a result.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func backoff(p Policy, retry int, err error) time.Duration {
	base := p.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := p.RetryMaxDelay
	if maxD <= 0 {
		maxD = 5 * time.Second
	}
	d := base
	var ce *Error
	if errors.As(err, &ce) && ce.RetryIn > 0 {
		d = ce.RetryIn
	} else {
		for i := 1; i < retry; i++ {
			d *= 2
			if d > maxD {
				break
			}
		}
	}
	if j := p.Jitter; j > 0 {
		rngMu.Lock()
		r := (rng.Float64()*2 - 1) * j
		rngMu.Unlock()
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
