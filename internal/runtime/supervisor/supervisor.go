// Package supervisor owns the daemon's long-lived goroutines: each one is
// named, recovered from panics and counted, and all of them share one
// cancellable context.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"planbot/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	// fatal cancels ctx on the first unrecovered error.
	fatal bool

	mu      sync.Mutex
	err     error
	running map[string]int
	started uint64
	panics  uint64

	wg   sync.WaitGroup
	idle chan struct{}
	once sync.Once
}

type Option func(*Supervisor)

// Counters is a point-in-time view for the status endpoint.
type Counters struct {
	Active  int64    `json:"active"`
	Started uint64   `json:"started"`
	Panics  uint64   `json:"panics"`
	Running []string `json:"running,omitempty"`
}

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError makes the first error returned by any goroutine cancel
// all of them.
func WithCancelOnError(enabled bool) Option { return func(s *Supervisor) { s.fatal = enabled } }

func New(parent context.Context, opts ...Option) *Supervisor {
	s := &Supervisor{log: logx.Nop(), running: map[string]int{}, idle: make(chan struct{})}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }
func (s *Supervisor) Cancel()                  { s.cancel() }

// Err returns the first recorded error.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := Counters{Started: s.started, Panics: s.panics}
	for name, n := range s.running {
		c.Active += int64(n)
		c.Running = append(c.Running, name)
	}
	slices.Sort(c.Running)
	return c
}

// Go runs fn once under name. context.Canceled counts as a clean exit.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.enter(name)
	go func() {
		defer s.leave(name)
		if err := s.call(name, fn); err != nil && !errors.Is(err, context.Canceled) {
			s.record(fmt.Errorf("%s: %w", name, err), s.fatal)
		}
	}()
}

func (s *Supervisor) enter(name string) {
	s.mu.Lock()
	s.started++
	s.running[name]++
	s.mu.Unlock()
	s.wg.Add(1)
}

func (s *Supervisor) leave(name string) {
	s.mu.Lock()
	if s.running[name]--; s.running[name] <= 0 {
		delete(s.running, name)
	}
	s.mu.Unlock()
	s.log.Debug("goroutine stopped", logx.String("name", name))
	s.wg.Done()
}

// call runs fn, converting a panic into an error.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		s.mu.Lock()
		s.panics++
		s.mu.Unlock()
		s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		err = fmt.Errorf("panic: %v", r)
	}()
	return fn(s.ctx)
}

func (s *Supervisor) record(err error, cancel bool) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	if cancel {
		s.cancel()
	}
}

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	base, ceil time.Duration
	limit      int // 0 = unlimited
	publish    bool
}

// WithRestartBackoff bounds the doubling delay between restarts.
func WithRestartBackoff(base, ceil time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if base > 0 {
			p.base = base
		}
		if ceil > 0 {
			p.ceil = ceil
		}
	}
}

// WithMaxRestarts stops restarting after n attempts and records the last error.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.limit = max(n, 0) } }

// WithPublishFirstError records the first failure even though the goroutine
// keeps being restarted.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publish = enabled }
}

// healthyRun resets the backoff when fn survived at least this long.
const healthyRun = 30 * time.Second

// GoRestart keeps fn running: an error or panic schedules a restart after a
// jittered, doubling delay. A nil return or a cancelled context ends it.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{base: 250 * time.Millisecond, ceil: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.ceil = max(p.ceil, p.base)

	s.Go(name, func(ctx context.Context) error {
		delay := p.base
		for attempt := 1; ; attempt++ {
			began := time.Now()
			err := s.call(name, fn)
			if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			err = fmt.Errorf("%s: %w", name, err)
			if p.publish {
				s.record(err, false)
			}
			if p.limit > 0 && attempt > p.limit {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", attempt-1), logx.Err(err))
				s.record(err, s.fatal)
				return nil
			}
			if time.Since(began) >= healthyRun {
				delay = p.base
			}
			wait := delay + rand.N(delay/5+1)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Int("attempt", attempt), logx.Duration("backoff", wait), logx.Err(err))
			if !sleep(ctx, wait) {
				return nil
			}
			delay = min(2*delay, p.ceil)
		}
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Stop cancels every goroutine and waits for them.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx ends, then reports Err.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.once.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.idle)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.idle:
		return s.Err()
	}
}
