package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/arc-self/happen/continuum"
)

// SupervisorStatus is the per-service health state a Supervisor tracks
// (spec §4.8, "Per-service {status, errorCount, restartCount}").
type SupervisorStatus int

const (
	StatusHealthy SupervisorStatus = iota
	StatusDegraded
	StatusUnhealthy
)

// SupervisorOptions configures a Supervisor's restart policy (spec §4.8).
type SupervisorOptions struct {
	ErrorThreshold int
	TimeWindow     time.Duration
	RestartDelay   time.Duration
	MaxRestarts    int
}

// Supervisor watches a supervised service's reported errors in a sliding
// window of size TimeWindow, escalating status and scheduling restarts
// once ErrorThreshold is reached (spec §4.8 "Supervisor"). Unlike circuit
// breaker/bulkhead/timeout, a Supervisor does not itself invoke the
// supervised work — the caller reports failures via ReportError and
// registers a restart callback via OnRestart; Wrap adapts this into a
// HandlerFn for composition alongside the other combinators.
type Supervisor struct {
	opts SupervisorOptions

	mu           sync.Mutex
	errorsAt     []time.Time
	status       SupervisorStatus
	restartCount int
	down         bool
	onRestart    func(ctx context.Context) error
	now          func() time.Time
}

// NewSupervisor constructs a healthy Supervisor with sensible defaults.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.ErrorThreshold <= 0 {
		opts.ErrorThreshold = 3
	}
	if opts.TimeWindow <= 0 {
		opts.TimeWindow = time.Minute
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = time.Second
	}
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = 5
	}
	return &Supervisor{opts: opts, now: time.Now}
}

// OnRestart registers the callback invoked to restart the supervised
// service. Its error result determines whether the restart succeeded.
func (s *Supervisor) OnRestart(cb func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRestart = cb
}

// Status reports the supervisor's current health state.
func (s *Supervisor) Status() SupervisorStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// RestartCount reports how many restarts have been attempted.
func (s *Supervisor) RestartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartCount
}

// ErrorCount reports how many errors currently sit inside the sliding
// window.
func (s *Supervisor) ErrorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errorsAt)
}

// IsDown reports whether the supervisor has exhausted maxRestarts.
func (s *Supervisor) IsDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down
}

// ReportError records a failure from the supervised service (spec §4.8
// "reportError: append, prune, and if recent window ≥ errorThreshold set
// unhealthy and schedule restart; if ≥ threshold/2 set degraded").
func (s *Supervisor) ReportError(ctx context.Context, err error) {
	s.mu.Lock()
	now := s.now()
	cutoff := now.Add(-s.opts.TimeWindow)
	kept := s.errorsAt[:0:0]
	for _, t := range s.errorsAt {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.errorsAt = append(kept, now)
	recent := len(s.errorsAt)

	switch {
	case recent >= s.opts.ErrorThreshold:
		s.status = StatusUnhealthy
		s.mu.Unlock()
		s.scheduleRestart(ctx)
		return
	case recent*2 >= s.opts.ErrorThreshold:
		s.status = StatusDegraded
	}
	s.mu.Unlock()
}

func (s *Supervisor) scheduleRestart(ctx context.Context) {
	s.mu.Lock()
	if s.down || s.restartCount >= s.opts.MaxRestarts {
		s.down = true
		s.mu.Unlock()
		return
	}
	cb := s.onRestart
	delay := s.opts.RestartDelay
	s.mu.Unlock()

	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		s.mu.Lock()
		s.restartCount++
		reachedCap := s.restartCount >= s.opts.MaxRestarts
		s.mu.Unlock()

		var restartErr error
		if cb != nil {
			restartErr = cb(ctx)
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if restartErr == nil {
			s.errorsAt = nil
			s.status = StatusHealthy
			return
		}
		if reachedCap {
			s.down = true
		}
	}()
}

// Wrap adapts the Supervisor into a HandlerFn combinator: failures from h
// are reported to ReportError (and so may trigger a restart callback);
// once the supervisor is down, every call fails fast with
// ErrSupervisorDown.
func (s *Supervisor) Wrap(h continuum.HandlerFn) continuum.HandlerFn {
	return func(ctx context.Context, in continuum.Input, hctx *continuum.HandlerContext) continuum.Result {
		if s.IsDown() {
			return continuum.Fail(ErrSupervisorDown)
		}
		res := h(ctx, in, hctx)
		if res.IsFailure() {
			s.ReportError(ctx, res.Err())
		}
		return res
	}
}
