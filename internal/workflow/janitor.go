package workflow

import (
	"context"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bullpen-dev/bullpen/internal/store"
)

// handleKillGrace is how long Stop waits for a tool server to exit after
// SIGTERM before escalating to SIGKILL.
const handleKillGrace = 5 * time.Second

// Start launches the background janitor. It periodically probes the AI
// process of every non-terminal instance and logs the ones that died
// underneath us. The probe never mutates rows; surfacing a dead agent as
// terminated is an operator decision made through Terminate.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.janitorLoop(ctx)
	e.logger.Info("janitor started", zap.Duration("interval", e.config.JanitorInterval))
}

func (e *Engine) janitorLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.probeInstances(ctx)
		}
	}
}

// probeInstances checks that every non-terminal instance still has a live
// AI process.
func (e *Engine) probeInstances(ctx context.Context) {
	instances, err := e.store.ListInstances(ctx, store.InstanceFilter{
		Statuses: []store.InstanceStatus{
			store.StatusStarted,
			store.StatusWaitingReview,
			store.StatusPRCreated,
		},
	})
	if err != nil {
		e.logger.Warn("janitor failed to list instances", zap.Error(err))
		return
	}

	for _, inst := range instances {
		if inst.ClaudePID == nil {
			continue
		}
		if e.ai.Alive(*inst.ClaudePID) {
			continue
		}
		e.logger.Warn("ai process gone for live instance",
			zap.String("instance_id", inst.ID),
			zap.Int("pid", *inst.ClaudePID),
			zap.String("status", string(inst.Status)))
	}
}

// killHandles releases every tracked tool-server child: SIGTERM, a short
// grace wait, then SIGKILL. Children carry PDEATHSIG as a backstop, but an
// orderly daemon shutdown should not rely on it.
func (e *Engine) killHandles(ctx context.Context) {
	e.mu.Lock()
	handles := make(map[string]ToolServerHandle, len(e.handles))
	for id, handle := range e.handles {
		handles[id] = handle
	}
	e.handles = make(map[string]ToolServerHandle)
	e.mu.Unlock()

	if len(handles) == 0 {
		return
	}
	e.logger.Info("shutting down tool servers", zap.Int("count", len(handles)))

	g, ctx := errgroup.WithContext(ctx)
	for id, handle := range handles {
		g.Go(func() error {
			if err := handle.Kill(syscall.SIGTERM); err != nil {
				e.logger.Warn("failed to signal tool server",
					zap.String("instance_id", id), zap.Error(err))
			}

			grace := time.NewTimer(handleKillGrace)
			defer grace.Stop()
			select {
			case <-handle.Killed():
			case <-ctx.Done():
				_ = handle.Kill(syscall.SIGKILL)
			case <-grace.C:
				_ = handle.Kill(syscall.SIGKILL)
			}
			return nil
		})
	}
	_ = g.Wait()
}
