// Package reminder sends due bathroom-break reminders to stored subscribers.
package reminder

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"peepal-go/internal/metrics"
	"peepal-go/internal/models"
	"peepal-go/internal/push"
	"peepal-go/internal/store"

	"github.com/pkg/errors"
)

const (
	DefaultInterval        = 30 * time.Second
	DefaultDeliveryTimeout = 10 * time.Second
)

type outcome int

const (
	outcomeSent outcome = iota
	outcomePruned
	outcomeFailed
)

// TickResult summarizes one scan of the store.
type TickResult struct {
	Due     int
	Sent    int
	Pruned  int
	Failed  int
	Skipped bool
}

type Options struct {
	Interval        time.Duration
	DeliveryTimeout time.Duration
	Now             func() time.Time
}

type Scheduler struct {
	store           store.SubscriptionStore
	sender          push.Sender
	metrics         *metrics.Metrics
	logger          *slog.Logger
	interval        time.Duration
	deliveryTimeout time.Duration
	now             func() time.Time

	running atomic.Bool
	// deliverMu serializes ticks and broadcasts so one subscriber is never
	// sent to, rescheduled and pruned by both at once.
	deliverMu sync.Mutex
}

func NewScheduler(st store.SubscriptionStore, sender push.Sender, m *metrics.Metrics, logger *slog.Logger, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if m == nil {
		m = metrics.New()
	}
	return &Scheduler{
		store:           st,
		sender:          sender,
		metrics:         m,
		logger:          logger,
		interval:        opts.Interval,
		deliveryTimeout: opts.DeliveryTimeout,
		now:             opts.Now,
	}
}

// Run ticks every interval until ctx is cancelled. Intended to be called with `go`.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("reminder scheduler started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			res, err := s.Tick(ctx, s.now())
			if err != nil {
				s.logger.Error("scheduler tick failed", "error", err)
			} else if res.Due > 0 {
				s.logger.Info("scheduler tick",
					"due", res.Due, "sent", res.Sent, "pruned", res.Pruned, "failed", res.Failed)
			}
		case <-ctx.Done():
			s.logger.Info("reminder scheduler stopped")
			return
		}
	}
}

// Tick sends a reminder to every subscriber due at now. A tick that starts
// while another one is still delivering returns immediately with Skipped set.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.TicksSkipped.Inc()
		s.logger.Warn("previous tick still running, skipping")
		return TickResult{Skipped: true}, nil
	}
	defer s.running.Store(false)
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	start := time.Now()
	defer func() { s.metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	due, err := s.store.Due(ctx, now)
	if err != nil {
		return TickResult{}, errors.Wrap(err, "load due subscribers")
	}

	res := TickResult{Due: len(due)}
	for _, sub := range due {
		if ctx.Err() != nil {
			break
		}
		switch s.deliver(ctx, sub, now) {
		case outcomeSent:
			res.Sent++
		case outcomePruned:
			res.Pruned++
		case outcomeFailed:
			res.Failed++
		}
	}

	if n, err := s.store.Count(ctx); err == nil {
		s.metrics.Subscribers.Set(float64(n))
	}
	return res, nil
}

func (s *Scheduler) deliver(ctx context.Context, sub models.Subscriber, now time.Time) (result outcome) {
	endpoint := sub.Endpoint()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while delivering reminder", "endpoint", endpoint, "panic", r)
			s.metrics.DeliveryFailures.WithLabelValues(metrics.FailureTransient).Inc()
			result = outcomeFailed
		}
	}()

	payload, err := encode(ReminderNotification(sub.Language))
	if err != nil {
		s.logger.Error("encode reminder", "endpoint", endpoint, "error", err)
		return outcomeFailed
	}

	if err := s.send(ctx, sub.Subscription, payload); err != nil {
		if s.prune(ctx, endpoint, err) {
			return outcomePruned
		}
		return outcomeFailed
	}

	if _, err := s.store.MarkDelivered(ctx, endpoint, now); err != nil {
		s.logger.Error("reschedule after delivery", "endpoint", endpoint, "error", err)
	}
	s.metrics.RemindersSent.Inc()
	s.logger.Info("sent scheduled reminder", "endpoint", endpoint, "language", sub.Language)
	return outcomeSent
}

func (s *Scheduler) send(ctx context.Context, sub models.PushSubscription, payload []byte) error {
	dctx, cancel := context.WithTimeout(ctx, s.deliveryTimeout)
	defer cancel()
	return s.sender.Send(dctx, sub, payload)
}

// prune logs a failed delivery and removes the subscriber when the error is
// terminal. Reports whether the record was removed.
func (s *Scheduler) prune(ctx context.Context, endpoint string, err error) bool {
	if !push.IsTerminal(err) {
		s.metrics.DeliveryFailures.WithLabelValues(metrics.FailureTransient).Inc()
		s.logger.Warn("push error, will retry next tick",
			"endpoint", endpoint, "status", push.StatusCode(err), "error", err)
		return false
	}

	s.metrics.DeliveryFailures.WithLabelValues(metrics.FailureTerminal).Inc()
	if _, rmErr := s.store.Remove(ctx, endpoint); rmErr != nil {
		s.logger.Error("failed to prune dead endpoint", "endpoint", endpoint, "error", rmErr)
		return false
	}
	s.metrics.SubscriptionsPruned.Inc()
	s.logger.Info("pruned dead endpoint", "endpoint", endpoint, "status", push.StatusCode(err))
	return true
}
