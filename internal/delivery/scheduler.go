package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/kansoku/internal/clock"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/transport"
)

// Defaults for SchedulerConfig.
const (
	DefaultCadence     = 5 * time.Second
	DefaultSendTimeout = 60 * time.Second
)

// Source is the store the scheduler drains.
type Source interface {
	DrainAll() []model.Event
}

// Sender delivers one batch. *Client implements it.
type Sender interface {
	Send(ctx context.Context, events []model.Event, cb transport.Callback) error
}

// SchedulerConfig configures a Scheduler. Zero values select defaults.
type SchedulerConfig struct {
	Cadence     time.Duration
	SendTimeout time.Duration // bounds one Send, retries included
	Clock       clock.Clock
	Logger      *slog.Logger

	// Callback observes every delivery attempt.
	Callback transport.Callback

	// OnSuccess runs after a batch is delivered.
	OnSuccess func(batchSize int)

	// OnFailure runs after a batch is dropped. Returning true cancels the
	// job that sent it.
	OnFailure func(err error, batchSize int) (stop bool)
}

// Scheduler runs the periodic drain-and-send job. At most one job runs at a
// time. Stop and Restart cancel the job's timer without waiting for an
// in-flight send, which finishes on its own detached context.
type Scheduler struct {
	store  Source
	sender Sender
	cfg    SchedulerConfig

	mu      sync.Mutex
	job     *job
	started bool

	// sendMu orders batches: a tick and a Flush never send concurrently.
	sendMu sync.Mutex
}

type job struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler. It does nothing until Start.
func NewScheduler(store Source, sender Sender, cfg SchedulerConfig) *Scheduler {
	if cfg.Cadence <= 0 {
		cfg.Cadence = DefaultCadence
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{store: store, sender: sender, cfg: cfg}
}

// Start launches the job if none is running. ctx bounds the job's lifetime
// in addition to Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job != nil {
		return
	}
	s.startLocked(ctx)
}

// Restart cancels any running job and starts a fresh one.
func (s *Scheduler) Restart(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job != nil {
		s.job.cancel()
		s.job = nil
	}
	s.startLocked(ctx)
}

func (s *Scheduler) startLocked(ctx context.Context) {
	jobCtx, cancel := context.WithCancel(ctx)
	j := &job{cancel: cancel, done: make(chan struct{})}
	s.job = j
	s.started = true
	// The ticker is created before the goroutine so a fake clock sees it as
	// soon as Start returns.
	ticker := s.cfg.Clock.NewTicker(s.cfg.Cadence)
	go s.loop(jobCtx, j, ticker)
	s.cfg.Logger.Debug("delivery: scheduler started", "cadence", s.cfg.Cadence)
}

// Stop cancels the running job. Safe to call when nothing is running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil {
		return
	}
	s.job.cancel()
	s.job = nil
	s.cfg.Logger.Debug("delivery: scheduler stopped")
}

// Running reports whether a job is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job != nil
}

// Started reports whether the scheduler was ever started.
func (s *Scheduler) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Done returns a channel closed when the current job's loop exits, or nil
// when nothing is running.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil {
		return nil
	}
	return s.job.done
}

// Flush drains the store and sends the batch synchronously, independent of
// the job. It returns the send error, if any.
func (s *Scheduler) Flush(ctx context.Context) error {
	_, err := s.sendOnce(ctx)
	return err
}

func (s *Scheduler) loop(ctx context.Context, j *job, ticker *clock.Ticker) {
	defer close(j.done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			stop, _ := s.sendOnce(context.WithoutCancel(ctx))
			if stop {
				s.cancelJob(j)
				return
			}
		}
	}
}

// cancelJob stops j if it is still the current job.
func (s *Scheduler) cancelJob(j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j.cancel()
	if s.job == j {
		s.job = nil
		s.cfg.Logger.Info("delivery: scheduler stopped after failed delivery")
	}
}

func (s *Scheduler) sendOnce(ctx context.Context) (stop bool, err error) {
	n, err := s.drainAndSend(ctx)
	if n == 0 {
		return false, nil
	}
	// Hooks run after sendMu is released so they may call Flush or Stop.
	if err != nil {
		if s.cfg.OnFailure != nil {
			stop = s.cfg.OnFailure(err, n)
		}
		return stop, err
	}
	if s.cfg.OnSuccess != nil {
		s.cfg.OnSuccess(n)
	}
	return false, nil
}

func (s *Scheduler) drainAndSend(ctx context.Context) (int, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	batch := s.store.DrainAll()
	if len(batch) == 0 {
		return 0, nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	return len(batch), s.sender.Send(sendCtx, batch, s.cfg.Callback)
}
