package maintenance

import (
	"context"
	"time"

	"example.com/wearables/internal/domain"
)

// TempTokenReaper deletes OAuth 1.0a request tokens whose TTL has passed.
type TempTokenReaper struct {
	store domain.TempTokenStore
	opts  options
	loop  loop
}

// NewTempTokenReaper constructs a reaper polling every interval.
func NewTempTokenReaper(store domain.TempTokenStore, interval time.Duration, opts ...Option) *TempTokenReaper {
	o := buildOptions("[reaper] ", opts)
	return &TempTokenReaper{store: store, opts: o, loop: newLoop("temp_token_reaper", interval, o.logger)}
}

// Start launches the reaping loop. It should be called in a goroutine.
func (r *TempTokenReaper) Start(ctx context.Context) {
	r.loop.run(ctx, func(ctx context.Context) error {
		_, err := r.RunOnce(ctx)
		return err
	})
}

// Wait blocks until Start returns.
func (r *TempTokenReaper) Wait() {
	r.loop.wait()
}

// RunOnce deletes every expired token and returns how many were removed.
func (r *TempTokenReaper) RunOnce(ctx context.Context) (int64, error) {
	deleted, err := r.store.DeleteExpiredTempTokens(ctx, r.opts.now())
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		reapedCounter.Add(float64(deleted))
		r.opts.logger.Printf("reaped %d expired temp tokens", deleted)
	}
	return deleted, nil
}
