package health

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/technosupport/ts-devicehub/internal/data"
	"github.com/technosupport/ts-devicehub/internal/logging"
	"github.com/technosupport/ts-devicehub/internal/metrics"
)

const maxBackoffFactor = 10

// SchedulerConfig defines parameters
type SchedulerConfig struct {
	Interval       time.Duration
	WorkerPoolSize int
	MaxJitter      time.Duration
}

type Scheduler struct {
	config   SchedulerConfig
	service  *Service
	interval atomic.Int64
	reset    chan struct{}
	now      func() time.Time
}

func NewScheduler(cfg SchedulerConfig, svc *Service) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 16
	}
	if cfg.MaxJitter < 0 {
		cfg.MaxJitter = 0
	}
	s := &Scheduler{
		config:  cfg,
		service: svc,
		reset:   make(chan struct{}, 1),
		now:     time.Now,
	}
	s.interval.Store(int64(cfg.Interval))
	return s
}

func (s *Scheduler) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

// SetInterval changes the tick period of a running scheduler.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 || d == s.Interval() {
		return
	}
	s.interval.Store(int64(d))
	select {
	case s.reset <- struct{}{}:
	default:
	}
	logging.Info().Dur("interval", d).Msg("Health interval updated")
}

// Serve runs the dispatch loop and worker pool until ctx is done.
func (s *Scheduler) Serve(ctx context.Context) error {
	// Fixed workers consume a bounded queue; dispatch never blocks on it.
	jobQueue := make(chan string, s.config.WorkerPoolSize*2)

	var wg sync.WaitGroup
	for i := 0; i < s.config.WorkerPoolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx, jobQueue)
		}()
	}

	ticker := time.NewTicker(s.Interval())
	defer ticker.Stop()

	s.dispatchChecks(jobQueue)

	for {
		select {
		case <-ticker.C:
			s.dispatchChecks(jobQueue)
		case <-s.reset:
			ticker.Reset(s.Interval())
		case <-ctx.Done():
			close(jobQueue)
			wg.Wait()
			return ctx.Err()
		}
	}
}

func (s *Scheduler) worker(ctx context.Context, jobs <-chan string) {
	for id := range jobs {
		metrics.ProbeQueueDepth.Set(float64(len(jobs)))
		if ctx.Err() != nil {
			continue
		}
		if s.config.MaxJitter > 0 {
			// Spread probes so a large fleet is not hit in one burst.
			jitter := time.Duration(rand.Int63n(int64(s.config.MaxJitter)))
			select {
			case <-time.After(jitter):
			case <-ctx.Done():
				continue
			}
		}
		if _, err := s.service.PerformCheck(ctx, id); err != nil && ctx.Err() == nil {
			logging.Debug().Err(err).Str("device_id", id).Msg("Scheduled probe skipped")
		}
	}
}

func (s *Scheduler) dispatchChecks(queue chan<- string) {
	targets := s.service.ListTargets()

	skipped := 0
	queued := 0
	for _, t := range targets {
		if s.shouldSkip(t) {
			continue
		}
		select {
		case queue <- t.DeviceID:
			queued++
		default:
			skipped++
		}
	}
	metrics.ProbeQueueDepth.Set(float64(len(queue)))
	if skipped > 0 {
		logging.Warn().Int("queued", queued).Int("dropped", skipped).Msg("Probe queue full")
	}
}

// shouldSkip backs off failing devices: each consecutive failure doubles
// the wait, capped at maxBackoffFactor intervals. Half an interval of slack
// keeps tick jitter from costing a whole extra period.
func (s *Scheduler) shouldSkip(t data.ProbeState) bool {
	if t.Status == data.StatusOnline || t.ConsecutiveFailures == 0 || t.LastCheckedAt.IsZero() {
		return false
	}
	due := t.LastCheckedAt.Add(s.backoff(t.ConsecutiveFailures))
	return s.now().Add(s.Interval() / 2).Before(due)
}

func (s *Scheduler) backoff(failures int) time.Duration {
	factor := 1
	for i := 0; i < failures && factor < maxBackoffFactor; i++ {
		factor *= 2
	}
	if factor > maxBackoffFactor {
		factor = maxBackoffFactor
	}
	return time.Duration(factor) * s.Interval()
}
