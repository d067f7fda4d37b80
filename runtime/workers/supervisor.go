package workers

import (
	"chat-relay/contract"
	"chat-relay/errors"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultRestartInterval = 200 * time.Millisecond
	DefaultMaxRestartDelay = 30 * time.Second
	// A run lasting at least this long starts the restart delays over.
	StableRun = time.Minute
)

// Supervisor keeps the relay's background workers (presence drain, heartbeat,
// health) alive. A worker that panics or fails is restarted after a delay that
// doubles on every consecutive crash, up to maxRestartDelay. Returning nil
// means the worker is done.
type Supervisor struct {
	Cancel          context.CancelFunc
	wg              *sync.WaitGroup
	log             *slog.Logger
	workers         []contract.Worker
	restartInterval time.Duration
	maxRestartDelay time.Duration

	mu       sync.Mutex
	restarts map[string]int
}

var _ contract.ISupervisor = (*Supervisor)(nil)

func NewSupervisor(log *slog.Logger, restartInterval time.Duration) *Supervisor {
	if restartInterval <= 0 {
		restartInterval = DefaultRestartInterval
	}
	return &Supervisor{
		wg:              &sync.WaitGroup{},
		log:             log,
		restartInterval: restartInterval,
		maxRestartDelay: max(DefaultMaxRestartDelay, restartInterval),
		restarts:        make(map[string]int),
	}
}

// WithMaxRestartDelay caps the delay between two restarts of the same worker.
func (s *Supervisor) WithMaxRestartDelay(d time.Duration) *Supervisor {
	if d >= s.restartInterval {
		s.maxRestartDelay = d
	}
	return s
}

// Run starts every added worker and blocks until all of them returned.
// Cancelling ctx or calling Stop ends them.
func (s *Supervisor) Run(ctx context.Context) {
	supervisedCtx, cancel := context.WithCancel(ctx)
	s.Cancel = cancel
	defer s.Cancel()

	for _, worker := range s.workers {
		s.Start(supervisedCtx, worker)
	}
	s.wg.Wait()
}

func (s *Supervisor) Add(worker ...contract.Worker) contract.ISupervisor {
	s.workers = append(s.workers, worker...)
	return s
}

// Restarts returns how many times the named worker was restarted.
func (s *Supervisor) Restarts(workerName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts[workerName]
}

// Start runs one worker under supervision in its own goroutine.
func (s *Supervisor) Start(ctx context.Context, worker contract.Worker) {
	s.wg.Add(1)
	workerName := contract.GetWorkerName(worker)
	delays := &backoff.ExponentialBackOff{
		InitialInterval:     s.restartInterval,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         s.maxRestartDelay,
	}
	delays.Reset()

	go func() {
		defer s.wg.Done()
		for {
			started := time.Now()
			err := runGuarded(ctx, worker)
			switch {
			case ctx.Err() != nil:
				s.log.Info("Worker stopped", "worker", workerName)
				return
			case err == nil:
				s.log.Info("Worker finished", "worker", workerName)
				return
			}

			if time.Since(started) >= StableRun {
				delays.Reset()
			}
			delay := delays.NextBackOff()
			restarts := s.countRestart(workerName)
			s.log.Warn("Worker crashed, restarting",
				"worker", workerName, "restarts", restarts, "delay", delay, "error", err)

			select {
			case <-ctx.Done():
				s.log.Info("Worker stopped", "worker", workerName)
				return
			case <-time.After(delay):
			}
		}
	}()
}

// Stop cancels the workers, Run returns once they are done.
func (s *Supervisor) Stop() {
	if s.Cancel != nil {
		s.Cancel()
	}
}

func (s *Supervisor) countRestart(workerName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restarts[workerName]++
	return s.restarts[workerName]
}

// runGuarded turns a panic into ErrWorkerPanic.
func runGuarded(ctx context.Context, worker contract.Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errors.ErrWorkerPanic, r)
		}
	}()
	return worker.Run(ctx)
}
