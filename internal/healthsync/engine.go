// Package healthsync pulls a trailing window of provider data for one
// connection, normalizes it into canonical daily records and upserts them.
package healthsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"example.com/wearables/internal/domain"
	"example.com/wearables/internal/observability"
)

const (
	defaultWindow      = 7 * 24 * time.Hour
	defaultConcurrency = 4
)

// Window is the time range one sync run covers. Start is midnight UTC.
type Window struct {
	Start time.Time
	End   time.Time
}

// Days lists every UTC calendar day in the window, oldest first.
func (w Window) Days() []time.Time {
	var days []time.Time
	for d := domain.Day(w.Start); !d.After(w.End); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// Sample is one vendor value before normalization.
type Sample struct {
	Type  domain.DataType
	Day   time.Time
	Value float64
	Raw   json.RawMessage
}

// Endpoint is one independently failing provider call.
type Endpoint struct {
	Name  string
	Fetch func(ctx context.Context) ([]Sample, error)
}

// Fetcher plans the provider calls needed to cover a window for a connection.
type Fetcher interface {
	Provider() domain.Provider
	Endpoints(conn domain.Connection, window Window) ([]Endpoint, error)
}

// Result reports the outcome of a sync run.
type Result struct {
	DataPoints int
	Failures   []string
}

// Option configures optional behaviour for the Engine.
type Option func(*Engine)

// WithLogger overrides the logger used to report endpoint failures.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithWindow sets how far back each run reaches.
func WithWindow(window time.Duration) Option {
	return func(e *Engine) {
		if window > 0 {
			e.window = window
		}
	}
}

// WithConcurrency bounds the number of in-flight endpoint calls per run.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// Engine runs sync jobs. Runs for different connections share no state and
// may execute in parallel.
type Engine struct {
	connections domain.ConnectionStore
	records     domain.HealthRecordStore
	fetchers    map[domain.Provider]Fetcher
	window      time.Duration
	concurrency int
	now         func() time.Time
	logger      *log.Logger
}

// NewEngine constructs an Engine over the given fetchers.
func NewEngine(connections domain.ConnectionStore, records domain.HealthRecordStore, fetchers []Fetcher, opts ...Option) *Engine {
	e := &Engine{
		connections: connections,
		records:     records,
		fetchers:    make(map[domain.Provider]Fetcher, len(fetchers)),
		window:      defaultWindow,
		concurrency: defaultConcurrency,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      log.New(log.Writer(), "[sync] ", log.LstdFlags|log.Lshortfile),
	}
	for _, f := range fetchers {
		e.fetchers[f.Provider()] = f
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WindowAt returns the window a run starting at now covers.
func (e *Engine) WindowAt(now time.Time) Window {
	days := int(e.window / (24 * time.Hour))
	if days < 1 {
		days = 1
	}
	return Window{Start: domain.Day(now).AddDate(0, 0, -(days - 1)), End: now.UTC()}
}

// Sync fetches, normalizes and stores the trailing window for a connection.
// Endpoint failures are reported in Result; only lookup and persistence
// failures return an error.
func (e *Engine) Sync(ctx context.Context, connectionID string) (Result, error) {
	started := e.now()

	conn, err := e.connections.GetConnection(ctx, connectionID)
	if err != nil {
		return Result{}, fmt.Errorf("load connection: %w", err)
	}
	if conn == nil {
		return Result{}, domain.ErrConnectionNotFound
	}
	if !conn.IsActive {
		return Result{}, domain.ErrConnectionInactive
	}
	if conn.Provider == domain.ProviderAppleHealth {
		return Result{}, domain.ErrNativeAppRequired
	}
	fetcher, ok := e.fetchers[conn.Provider]
	if !ok {
		return Result{}, &domain.ConfigurationError{Provider: conn.Provider, Setting: "provider credentials"}
	}

	window := e.WindowAt(started)
	endpoints, err := fetcher.Endpoints(*conn, window)
	if err != nil {
		observability.RecordSync(string(conn.Provider), "failed", 0, e.now().Sub(started), time.Time{})
		return Result{}, err
	}

	samples, failures := e.fetchAll(ctx, conn.Provider, endpoints)
	records := normalize(*conn, samples)

	written := 0
	if len(records) > 0 {
		written, err = e.records.UpsertHealthRecords(ctx, records)
		if err != nil {
			observability.RecordSync(string(conn.Provider), "failed", 0, e.now().Sub(started), time.Time{})
			return Result{}, fmt.Errorf("upsert health records: %w", err)
		}
	}

	finished := e.now()
	err = e.connections.MarkSynced(ctx, domain.SyncSummary{
		ConnectionID:    conn.ID,
		ClientID:        conn.ClientID,
		Provider:        conn.Provider,
		WindowStart:     window.Start,
		WindowEnd:       window.End,
		SyncedAt:        finished,
		DataPoints:      written,
		FailedEndpoints: failures,
	})
	if err != nil {
		return Result{}, fmt.Errorf("mark synced: %w", err)
	}

	outcome := "ok"
	if len(failures) > 0 {
		outcome = "partial"
	}
	observability.RecordSync(string(conn.Provider), outcome, written, finished.Sub(started), finished)
	return Result{DataPoints: written, Failures: failures}, nil
}

// fetchAll runs the endpoints concurrently. A failing endpoint is logged and
// recorded; it never cancels the others.
func (e *Engine) fetchAll(ctx context.Context, provider domain.Provider, endpoints []Endpoint) ([]Sample, []string) {
	results := make([][]Sample, len(endpoints))
	failed := make([]bool, len(endpoints))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, ep := range endpoints {
		g.Go(func() error {
			samples, err := ep.Fetch(ctx)
			if err != nil {
				partial := &domain.PartialSyncError{Provider: provider, Endpoint: ep.Name, Err: err}
				e.logger.Printf("sync endpoint failed: %v", partial)
				failed[i] = true
				return nil
			}
			results[i] = samples
			return nil
		})
	}
	_ = g.Wait()

	var samples []Sample
	var failures []string
	for i, ep := range endpoints {
		if failed[i] {
			failures = append(failures, ep.Name)
			continue
		}
		samples = append(samples, results[i]...)
	}
	return samples, failures
}

type mergeKey struct {
	dataType domain.DataType
	day      string
}

type merged struct {
	record domain.HealthRecord
	raws   []json.RawMessage
}

// normalize maps samples onto canonical records. Samples sharing an upsert key
// collapse into one record: workout minutes add up, other types keep the last
// value seen.
func normalize(conn domain.Connection, samples []Sample) []domain.HealthRecord {
	byKey := make(map[mergeKey]*merged)
	var order []mergeKey

	for _, s := range samples {
		day := domain.Day(s.Day)
		key := mergeKey{dataType: s.Type, day: day.Format(time.DateOnly)}
		m, ok := byKey[key]
		if !ok {
			m = &merged{record: domain.HealthRecord{
				ClientID:     conn.ClientID,
				ConnectionID: conn.ID,
				DataType:     s.Type,
				RecordedAt:   day,
				Unit:         s.Type.Unit(),
				Source:       conn.Provider,
			}}
			byKey[key] = m
			order = append(order, key)
		}

		if s.Type == domain.DataTypeWorkout {
			m.record.Value += s.Value
			if len(s.Raw) > 0 {
				m.raws = append(m.raws, s.Raw)
			}
			continue
		}
		m.record.Value = s.Value
		m.raws = nil
		if len(s.Raw) > 0 {
			m.raws = []json.RawMessage{s.Raw}
		}
	}

	records := make([]domain.HealthRecord, 0, len(order))
	for _, key := range order {
		m := byKey[key]
		m.record.RawPayload = combineRaw(m.raws)
		records = append(records, m.record)
	}
	return records
}

func combineRaw(raws []json.RawMessage) json.RawMessage {
	switch len(raws) {
	case 0:
		return nil
	case 1:
		return raws[0]
	}
	body, err := json.Marshal(raws)
	if err != nil {
		return nil
	}
	return body
}

// IsTerminal reports whether retrying a sync for the same connection cannot
// succeed without user action.
func IsTerminal(err error) bool {
	var cfgErr *domain.ConfigurationError
	return errors.Is(err, domain.ErrConnectionNotFound) ||
		errors.Is(err, domain.ErrConnectionInactive) ||
		errors.Is(err, domain.ErrNativeAppRequired) ||
		errors.As(err, &cfgErr)
}
