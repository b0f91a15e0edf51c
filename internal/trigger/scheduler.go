package trigger

import (
	"context"
	"sync"
	"time"

	"bizmsg/internal/connectivity"
	"bizmsg/internal/constants"
	"bizmsg/internal/errors"
	"bizmsg/internal/models"
	"bizmsg/internal/tracing"

	"github.com/sirupsen/logrus"
)

// Reasons a drain was started, recorded on spans and logs.
const (
	TriggerStartup   = "startup"
	TriggerReconnect = "reconnect"
	TriggerPeriodic  = "periodic"
	TriggerManual    = "manual"
	TriggerRetryAll  = "retry_all"
	TriggerEnqueue   = "enqueue"
)

// Queue is the part of the offline queue manager the scheduler drives.
type Queue interface {
	Drain(ctx context.Context) (models.DrainResult, error)
	PendingCount() int
	RequeueFailed(ctx context.Context) (int, error)
	ReconcileRelay(processed []models.Delivery, failed []models.RelayFailure)
}

// Flusher asks the server to send relayed messages. Only set in relay mode.
type Flusher interface {
	Flush(ctx context.Context) ([]models.Delivery, []models.RelayFailure, error)
}

type Options struct {
	Queue        Queue
	Connectivity connectivity.Monitor
	Relay        Flusher
	Interval     time.Duration
	Foreground   bool
	Logger       *logrus.Logger
}

// Scheduler decides when the queue drains: at startup, on every offline to online
// transition, on a periodic tick while in the foreground, and on user request.
// Overlapping drains are left to the queue's single-flight guard.
type Scheduler struct {
	queue  Queue
	conn   connectivity.Monitor
	relay  Flusher
	logger *logrus.Logger

	mu         sync.Mutex
	interval   time.Duration
	foreground bool
	stopped    bool

	resetCh  chan struct{}
	kickCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewScheduler(opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Duration(constants.DefaultSyncIntervalSec) * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Scheduler{
		queue:      opts.Queue,
		conn:       opts.Connectivity,
		relay:      opts.Relay,
		logger:     opts.Logger,
		interval:   opts.Interval,
		foreground: opts.Foreground,
		resetCh:    make(chan struct{}, 1),
		kickCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// Start runs the scheduler until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	unsubscribe := s.conn.Subscribe(func(online bool) {
		if !online {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stopped {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(ctx, TriggerReconnect)
		}()
	})
	defer func() {
		unsubscribe()
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.wg.Wait()
	}()

	s.logger.WithField("interval", s.currentInterval().String()).Info("Starting sync scheduler")

	if s.conn.Online() {
		s.run(ctx, TriggerStartup)
	}

	var ticker *time.Ticker
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		if ticker != nil {
			ticker.Stop()
			ticker = nil
		}
		var tick <-chan time.Time
		if s.isForeground() {
			ticker = time.NewTicker(s.currentInterval())
			tick = ticker.C
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Sync scheduler context cancelled, stopping")
				return
			case <-s.stopCh:
				s.logger.Info("Sync scheduler stop signal received, stopping")
				return
			case <-s.resetCh:
				break wait
			case <-tick:
				s.tick(ctx)
			case <-s.kickCh:
				if s.conn.Online() {
					s.run(ctx, TriggerEnqueue)
				}
			}
		}
	}
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// SetForeground starts or stops the periodic tick. Reconnects and user actions
// drain regardless.
func (s *Scheduler) SetForeground(foreground bool) {
	s.mu.Lock()
	changed := s.foreground != foreground
	s.foreground = foreground
	s.mu.Unlock()

	if changed {
		s.logger.WithField("foreground", foreground).Info("Sync scheduler foreground state changed")
		s.reset()
	}
}

func (s *Scheduler) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	changed := s.interval != interval
	s.interval = interval
	s.mu.Unlock()

	if changed {
		s.logger.WithField("interval", interval.String()).Info("Sync interval updated")
		s.reset()
	}
}

// SyncNow drains immediately. It returns errors.ErrOffline without touching the queue
// when there is no connectivity.
func (s *Scheduler) SyncNow(ctx context.Context) (models.DrainResult, error) {
	if !s.conn.Online() {
		return models.DrainResult{}, errors.ErrOffline
	}
	return s.run(ctx, TriggerManual)
}

// RetryAll gives every terminally failed message a fresh set of attempts and drains
// when online. Offline, the messages wait for the next reconnect.
func (s *Scheduler) RetryAll(ctx context.Context) (models.DrainResult, error) {
	requeued, err := s.queue.RequeueFailed(ctx)
	if err != nil {
		return models.DrainResult{}, err
	}

	s.logger.WithField("count", requeued).Info("Requeued failed messages")
	if !s.conn.Online() {
		return models.DrainResult{}, nil
	}
	return s.run(ctx, TriggerRetryAll)
}

// Kick asks the running scheduler to drain soon if online. It never blocks; kicks
// that arrive while one is pending are merged.
func (s *Scheduler) Kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.conn.Online() || s.queue.PendingCount() == 0 {
		return
	}
	s.run(ctx, TriggerPeriodic)
}

func (s *Scheduler) run(ctx context.Context, trigger string) (models.DrainResult, error) {
	ctx, span := tracing.StartSpan(ctx, "trigger.sync", tracing.AttrTrigger.String(trigger))
	defer span.End()

	result, err := s.queue.Drain(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		s.logger.WithError(err).WithField("trigger", trigger).Error("Queue drain failed")
		return result, err
	}
	if result.Skipped {
		s.logger.WithField("trigger", trigger).Debug("Drain already running, skipped")
		return result, nil
	}

	if len(result.Processed) > 0 || len(result.Failed) > 0 {
		s.logger.WithFields(logrus.Fields{
			"trigger":   trigger,
			"processed": len(result.Processed),
			"failed":    len(result.Failed),
		}).Info("Queue drained")
	}

	if s.relay != nil && len(result.Processed) > 0 {
		s.flushRelay(ctx)
	}
	return result, nil
}

func (s *Scheduler) flushRelay(ctx context.Context) {
	processed, failed, err := s.relay.Flush(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to flush server offline queue")
		return
	}
	s.queue.ReconcileRelay(processed, failed)
}

func (s *Scheduler) reset() {
	select {
	case s.resetCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) isForeground() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.foreground
}

func (s *Scheduler) currentInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}
