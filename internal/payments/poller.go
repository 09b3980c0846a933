package payments

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"golang.org/x/sync/errgroup"
)

// PollerConfig holds background reconciliation configuration.
type PollerConfig struct {
	Enabled     bool          `envconfig:"POLLER_ENABLED" default:"false"`
	Interval    time.Duration `envconfig:"POLLER_INTERVAL" default:"10s"`
	Concurrency int           `envconfig:"POLLER_CONCURRENCY" default:"4"`
	BatchSize   int           `envconfig:"POLLER_BATCH" default:"100"`
}

// Poller periodically polls pending sessions so that confirmations are
// detected even when no payer is watching the checkout page.
type Poller struct {
	store     Store
	detector  *Detector
	cfg       PollerConfig
	logger    *slog.Logger
	scheduler *gocron.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc

	mu     sync.Mutex
	cursor string
}

// NewPoller creates a poller; call Start to schedule it.
func NewPoller(store Store, detector *Detector, cfg PollerConfig, logger *slog.Logger) *Poller {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		store:     store,
		detector:  detector,
		cfg:       cfg,
		logger:    logger,
		scheduler: gocron.NewScheduler(time.UTC),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start schedules RunOnce every configured interval.
func (p *Poller) Start() error {
	p.scheduler.SingletonModeAll()
	_, err := p.scheduler.Every(p.cfg.Interval).Do(func() {
		if _, err := p.RunOnce(p.ctx); err != nil {
			p.logger.Warn("pending session sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling poller: %w", err)
	}
	p.scheduler.StartAsync()
	p.logger.Info("session poller started", "interval", p.cfg.Interval, "concurrency", p.cfg.Concurrency)
	return nil
}

// Stop cancels any in-flight sweep and stops the scheduler.
func (p *Poller) Stop() {
	p.cancel()
	p.scheduler.Stop()
}

// RunOnce polls the next batch of pending sessions and returns how many of
// them reached a terminal state. Successive calls walk all pending sessions
// in ID order and wrap around after a short batch.
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pending, err := p.store.ListPendingSessions(ctx, p.cursor, p.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("listing pending sessions: %w", err)
	}
	if len(pending) < p.cfg.BatchSize {
		p.cursor = ""
	} else {
		p.cursor = pending[len(pending)-1].ID
	}

	results := make([]bool, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, s := range pending {
		g.Go(func() error {
			polled, err := p.detector.Poll(gctx, s.ID)
			if err != nil {
				p.logger.Warn("poll failed", "error", err, "session_id", s.ID)
				return nil
			}
			results[i] = polled.IsTerminal()
			return nil
		})
	}
	_ = g.Wait()

	finalized := 0
	for _, done := range results {
		if done {
			finalized++
		}
	}
	if finalized > 0 {
		p.logger.Info("pending sessions finalized", "count", finalized, "scanned", len(pending))
	}
	return finalized, nil
}
