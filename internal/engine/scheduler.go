package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tessellated-ai/edgesync/internal/conn"
	"github.com/tessellated-ai/edgesync/internal/protocol"
)

// scheduler runs the periodic heartbeat, statistics refresh, and cache
// garbage collection. Each activity catches its own errors and carries
// on; one activity failing never halts the others.
type scheduler struct {
	e *Engine
}

func newScheduler(e *Engine) *scheduler {
	return &scheduler{e: e}
}

// run blocks until ctx is cancelled, then stops all timers.
func (s *scheduler) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.every(ctx, "heartbeat", s.e.cfg.Intervals.Heartbeat, s.heartbeat)
	})
	g.Go(func() error {
		return s.every(ctx, "stats_refresh", s.e.cfg.Intervals.StatsRefresh, s.refreshStats)
	})
	g.Go(func() error {
		return s.every(ctx, "cache_gc", s.e.cfg.Intervals.CacheGC, s.collectCache)
	})

	return g.Wait()
}

// every ticks fn at the given interval until ctx is cancelled. Errors
// and panics from one tick are logged and do not stop the next.
func (s *scheduler) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx, name, fn)
		}
	}
}

func (s *scheduler) tick(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			s.e.logger.Error("background activity panicked",
				slog.String("activity", name),
				slog.Any("panic", r))
		}
	}()

	if err := fn(ctx); err != nil {
		s.e.logger.Warn("background activity failed",
			slog.String("activity", name),
			slog.String("error", err.Error()))
	}
}

// heartbeat transmits only while connected; otherwise the tick is
// silently skipped.
func (s *scheduler) heartbeat(ctx context.Context) error {
	e := s.e
	if e.transport.State() != conn.StateConnected {
		return nil
	}

	snapshot, err := json.Marshal(e.stats.Snapshot())
	if err != nil {
		return err
	}

	payload, err := protocol.PayloadOf(protocol.HeartbeatPayload{
		Status:     string(conn.StateConnected),
		Statistics: snapshot,
	})
	if err != nil {
		return err
	}

	msg, err := e.codec.New(protocol.TypeHeartbeat, payload, "cloud")
	if err != nil {
		return err
	}

	e.transport.Send(ctx, msg)
	return nil
}

func (s *scheduler) refreshStats(context.Context) error {
	s.e.stats.MarkSynced(time.Now())
	return nil
}

func (s *scheduler) collectCache(ctx context.Context) error {
	removed, err := s.e.store.GC(ctx)
	if err != nil {
		return err
	}
	if removed > 0 {
		s.e.logger.Info("cache garbage collected", slog.Int64("removed", removed))
	}

	// Responses older than the cache TTL would land expired anyway.
	if dropped := s.e.sweepPending(s.e.cfg.Cache.TTL); dropped > 0 {
		s.e.logger.Warn("abandoned in-flight requests dropped", slog.Int("dropped", dropped))
	}
	return nil
}
