// Package sweeper runs the background janitors: releasing expired basket
// holds, probing stale pending payments whose callbacks may have been
// lost, and clearing holds abandoned by users who went silent.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gramshop/server/internal/metrics"
	"github.com/gramshop/server/internal/payments"
	"github.com/gramshop/server/internal/storage"
)

// Prober re-checks a pending payment against the provider.
type Prober interface {
	ProbeStatus(ctx context.Context, pp storage.PendingPayment) (payments.Outcome, error)
}

// Notifier informs users their basket was emptied.
type Notifier interface {
	BasketExpired(ctx context.Context, userID int64, count int)
}

// Config sets the cadences and cutoffs of the three jobs.
type Config struct {
	BasketTimeout        time.Duration // hold lifetime
	BasketSweepInterval  time.Duration
	PendingSweepInterval time.Duration
	PendingMaxAge        time.Duration // pending payments older than this get probed
	AbandonedInterval    time.Duration
	// AbandonedAfter is how long a user must be silent before their holds
	// are released early. Zero falls back to the basket timeout.
	AbandonedAfter time.Duration
}

// Service owns the sweep goroutines.
type Service struct {
	store   storage.Store
	prober  Prober
	notify  Notifier
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService wires the sweeper. prober and notify may be nil, which
// disables the corresponding side effects but not the sweeps.
func NewService(store storage.Store, prober Prober, notify Notifier, cfg Config, log zerolog.Logger, m *metrics.Metrics) *Service {
	if cfg.AbandonedAfter <= 0 {
		cfg.AbandonedAfter = cfg.BasketTimeout
	}
	return &Service{
		store:   store,
		prober:  prober,
		notify:  notify,
		cfg:     cfg,
		log:     log.With().Str("component", "sweeper").Logger(),
		metrics: m,
	}
}

// Start launches the sweep loops. Call Close to stop them.
func (s *Service) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.loop(ctx, s.cfg.BasketSweepInterval, s.sweepExpired)
	s.loop(ctx, s.cfg.PendingSweepInterval, s.sweepPending)
	s.loop(ctx, s.cfg.AbandonedInterval, s.sweepAbandoned)
}

// Close stops all loops and waits for in-flight sweeps to finish.
func (s *Service) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return nil
}

func (s *Service) loop(ctx context.Context, interval time.Duration, job func(context.Context)) {
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				job(ctx)
			}
		}
	}()
}

// sweepExpired releases holds past the basket lifetime and tells each
// affected user once, however many holds they lost.
func (s *Service) sweepExpired(ctx context.Context) {
	released, err := s.store.SweepExpiredHolds(ctx, time.Now(), s.cfg.BasketTimeout)
	if err != nil {
		s.log.Error().Err(err).Msg("expired hold sweep failed")
		return
	}
	s.report(ctx, released, "basket", "expired")
}

// sweepAbandoned releases holds of users who have been silent longer
// than the cutoff and have no payment in flight. A pending payment keeps
// the basket alive so a settling invoice still finds its goods.
func (s *Service) sweepAbandoned(ctx context.Context) {
	released, err := s.store.SweepAbandonedHolds(ctx, time.Now().Add(-s.cfg.AbandonedAfter))
	if err != nil {
		s.log.Error().Err(err).Msg("abandoned hold sweep failed")
		return
	}
	s.report(ctx, released, "abandoned", "abandoned")
}

// sweepPending probes payments that have sat unresolved for too long.
// The probe applies normal settlement rules, so a lost "finished"
// callback still delivers the goods; an invoice the provider still
// shows unresolved is expired, which frees any held items.
func (s *Service) sweepPending(ctx context.Context) {
	stale, err := s.store.ListPendingPaymentsOlderThan(ctx, time.Now().Add(-s.cfg.PendingMaxAge))
	if err != nil {
		s.log.Error().Err(err).Msg("pending payment sweep failed")
		return
	}
	for _, pp := range stale {
		if s.metrics != nil {
			s.metrics.SweepPendingTotal.Inc()
		}
		if s.prober == nil {
			continue
		}
		outcome, err := s.prober.ProbeStatus(ctx, pp)
		if err != nil {
			s.log.Warn().Err(err).Str("payment_id", pp.PaymentID).Msg("status probe failed, will retry next sweep")
			continue
		}
		s.log.Info().
			Str("payment_id", pp.PaymentID).
			Str("outcome", string(outcome)).
			Msg("stale pending payment probed")
	}
}

func (s *Service) report(ctx context.Context, released []storage.BasketHold, job, reason string) {
	if len(released) == 0 {
		return
	}
	if s.metrics != nil {
		s.metrics.SweepReleasedTotal.WithLabelValues(job).Add(float64(len(released)))
		s.metrics.ReleasesTotal.WithLabelValues(reason).Add(float64(len(released)))
	}
	perUser := make(map[int64]int)
	for _, h := range released {
		perUser[h.UserID]++
	}
	s.log.Info().Str("job", job).Int("holds", len(released)).Int("users", len(perUser)).Msg("holds released")
	if s.notify == nil {
		return
	}
	for userID, count := range perUser {
		s.notify.BasketExpired(ctx, userID, count)
	}
}
