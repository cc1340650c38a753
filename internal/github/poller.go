package github

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bullpen-dev/bullpen/internal/common/logger"
)

// Poller keeps the issue mirror fresh with a periodic background sync.
type Poller struct {
	service  *Service
	interval time.Duration
	logger   *logger.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewPoller creates a background poller syncing every interval.
func NewPoller(svc *Service, interval time.Duration, log *logger.Logger) *Poller {
	if log == nil {
		log = logger.Default()
	}
	return &Poller{
		service:  svc,
		interval: interval,
		logger:   log.WithFields(zap.String("component", "github-poller")),
	}
}

// Start begins the background sync loop. A nonpositive interval disables
// polling; calling Start more than once without Stop is a no-op.
func (p *Poller) Start(ctx context.Context) {
	if p.started || p.interval <= 0 {
		return
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.syncLoop(ctx)

	p.logger.Info("issue poller started", zap.Duration("interval", p.interval))
}

// Stop cancels the sync loop and waits for it to finish.
func (p *Poller) Stop() {
	if !p.started {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.started = false
	p.logger.Info("issue poller stopped")
}

func (p *Poller) syncLoop(ctx context.Context) {
	defer p.wg.Done()

	// Sync immediately so the mirror is warm before the first tick.
	p.syncOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.syncOnce(ctx)
		}
	}
}

func (p *Poller) syncOnce(ctx context.Context) {
	count, err := p.service.Sync(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("background issue sync failed", zap.Error(err))
		return
	}
	p.logger.Debug("background issue sync complete", zap.Int("count", count))
}
