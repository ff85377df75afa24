package engine

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-executor/errors"
)

// DefaultTickInterval is the period of scheduled agent ticks.
const DefaultTickInterval = time.Second

// Scheduler drives registered agents. Every interval it ticks each agent that
// is not already stepping, and it steps an agent as soon as its pending
// operation completes.
type Scheduler struct {
	rt       *Runtime
	interval time.Duration
	logger   *zap.Logger

	wake chan string

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler for rt. A non-positive interval selects
// DefaultTickInterval.
func NewScheduler(rt *Runtime, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Scheduler{
		rt:       rt,
		interval: interval,
		logger:   rt.logger.Named("scheduler"),
		wake:     make(chan string, 256),
		running:  make(map[string]bool),
	}
}

// Wake requests a step of agent. It never blocks; a wake-up dropped because
// the queue is full is covered by the next periodic tick.
func (s *Scheduler) Wake(agent string) {
	select {
	case s.wake <- agent:
	default:
		s.logger.Debug("wake-up dropped", zap.String("agent", agent))
	}
}

// Run schedules agents until ctx is done, then waits for running steps.
func (s *Scheduler) Run(ctx context.Context) error {
	s.rt.setWaker(s.Wake)
	defer s.rt.setWaker(nil)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer s.wg.Wait()

	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			for _, id := range s.rt.Agents() {
				s.step(ctx, id)
			}
		case id := <-s.wake:
			s.step(ctx, id)
		}
	}
}

// step ticks id in its own goroutine unless a step of id is in flight.
func (s *Scheduler) step(ctx context.Context, id string) {
	s.mu.Lock()
	if s.running[id] {
		s.mu.Unlock()
		return
	}
	s.running[id] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, id)
			s.mu.Unlock()
		}()

		res, err := s.rt.RunAgentTick(ctx, id)
		switch {
		case err == nil:
			if res.Entered {
				s.logger.Debug("agent stepped",
					zap.String("agent", id),
					zap.Stringer("state", res.State),
					zap.Int32("code", res.Code))
			}
		case stderrors.Is(err, errors.ErrNotFound), ctx.Err() != nil:
			// Unregistered or shutting down.
		default:
			s.logger.Warn("agent step failed", zap.String("agent", id), zap.Error(err))
		}
	}()
}
