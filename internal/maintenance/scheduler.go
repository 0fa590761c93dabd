package maintenance

import (
	"context"
	"fmt"
	"time"

	"example.com/wearables/internal/domain"
)

// ScheduledReason tags sync requests emitted by the scheduler.
const ScheduledReason = "scheduled"

// SyncScheduler requests a sync for every active connection that has not
// been synced within staleAfter.
type SyncScheduler struct {
	connections domain.ConnectionStore
	requester   domain.SyncRequester
	staleAfter  time.Duration
	batchSize   int
	opts        options
	loop        loop
}

// NewSyncScheduler constructs a scheduler polling every interval.
func NewSyncScheduler(connections domain.ConnectionStore, requester domain.SyncRequester, interval, staleAfter time.Duration, batchSize int, opts ...Option) *SyncScheduler {
	o := buildOptions("[scheduler] ", opts)
	if batchSize <= 0 {
		batchSize = 100
	}
	return &SyncScheduler{
		connections: connections,
		requester:   requester,
		staleAfter:  staleAfter,
		batchSize:   batchSize,
		opts:        o,
		loop:        newLoop("sync_scheduler", interval, o.logger),
	}
}

// Start launches the scheduling loop. It should be called in a goroutine.
func (s *SyncScheduler) Start(ctx context.Context) {
	s.loop.run(ctx, func(ctx context.Context) error {
		_, err := s.RunOnce(ctx)
		return err
	})
}

// Wait blocks until Start returns.
func (s *SyncScheduler) Wait() {
	s.loop.wait()
}

// RunOnce emits one sync request per due connection, up to the batch size.
// A failed request is logged and does not stop the remaining connections.
func (s *SyncScheduler) RunOnce(ctx context.Context) (int, error) {
	cutoff := s.opts.now().Add(-s.staleAfter)
	due, err := s.connections.ListDueConnections(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list due connections: %w", err)
	}

	requested := 0
	for _, conn := range due {
		if err := ctx.Err(); err != nil {
			return requested, err
		}
		if err := s.requester.RequestSync(ctx, conn, ScheduledReason); err != nil {
			s.opts.logger.Printf("request sync for %s: %v", conn.ID, err)
			continue
		}
		scheduledCounter.WithLabelValues(string(conn.Provider)).Inc()
		requested++
	}
	if requested > 0 {
		s.opts.logger.Printf("scheduled %d of %d due connections", requested, len(due))
	}
	return requested, nil
}
