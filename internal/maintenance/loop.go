// Package maintenance runs the periodic housekeeping jobs of the wearable
// service: reaping expired request tokens and scheduling stale syncs.
package maintenance

import (
	"context"
	"errors"
	"log"
	"time"
)

// Option customises a job.
type Option func(*options)

type options struct {
	logger *log.Logger
	now    func() time.Time
}

// WithLogger overrides the job logger.
func WithLogger(logger *log.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(prefix string, opts []Option) options {
	o := options{
		logger: log.New(log.Writer(), prefix, log.LstdFlags|log.Lshortfile),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// loop runs fn immediately and then on every tick until ctx is cancelled.
type loop struct {
	name     string
	interval time.Duration
	logger   *log.Logger
	done     chan struct{}
}

func newLoop(name string, interval time.Duration, logger *log.Logger) loop {
	return loop{name: name, interval: interval, logger: logger, done: make(chan struct{})}
}

func (l loop) run(ctx context.Context, fn func(context.Context) error) {
	ticker := time.NewTicker(l.interval)
	defer func() {
		ticker.Stop()
		close(l.done)
	}()

	for {
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			runFailures.WithLabelValues(l.name).Inc()
			l.logger.Printf("%s error: %v", l.name, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (l loop) wait() {
	<-l.done
}
