package insights

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"nowhere-ai/internal/domain"
	"nowhere-ai/internal/infra/config"
)

// MetricCollection stores raw metric samples until compaction.
const MetricCollection = "metric_samples"

// tsFormat is fixed-width UTC so lexicographic order matches time order,
// which the store's range filters rely on.
const tsFormat = "2006-01-02T15:04:05.000000000Z"

func formatTS(t time.Time) string { return t.UTC().Format(tsFormat) }

// metricDoc is the stored sample form. TS is extracted for range queries.
type metricDoc struct {
	domain.MetricSample
	TS string `json:"ts"`
}

// Sink buffers metric samples off the hot path and persists them in the
// background. Record never blocks: on a full buffer the sample is dropped and
// counted.
type Sink struct {
	store  domain.Store
	ids    domain.IDSource
	clock  domain.Clock
	logger *slog.Logger
	cfg    config.InsightsConfig

	ch      chan domain.MetricSample
	dropped atomic.Int64
	wg      sync.WaitGroup
	once    sync.Once
}

// NewSink wires the sink. Start must be called before samples flow.
func NewSink(store domain.Store, ids domain.IDSource, clock domain.Clock,
	cfg config.InsightsConfig, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 1024
	}
	return &Sink{
		store:  store,
		ids:    ids,
		clock:  clock,
		logger: logger,
		cfg:    cfg,
		ch:     make(chan domain.MetricSample, size),
	}
}

// Init declares the sample collection.
func (s *Sink) Init(ctx context.Context) error {
	return s.store.EnsureCollection(ctx, domain.CollectionSpec{
		Name:    MetricCollection,
		Indexed: []string{"tenant_id", "agent_kind", "name", "ts"},
	})
}

// Start launches the background writer.
func (s *Sink) Start() {
	s.wg.Add(1)
	go s.run()
}

func (s *Sink) run() {
	defer s.wg.Done()
	ctx := context.Background()
	for sample := range s.ch {
		doc := metricDoc{MetricSample: sample, TS: formatTS(sample.Timestamp)}
		data, err := json.Marshal(doc)
		if err != nil {
			s.logger.Error("marshal metric sample", "error", err)
			continue
		}
		if _, err := s.store.Put(ctx, MetricCollection, s.ids.NewID(), data); err != nil {
			s.logger.Error("persist metric sample", "name", sample.Name, "error", err)
		}
	}
}

// Record implements domain.MetricSink.
func (s *Sink) Record(sample domain.MetricSample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.clock.Now().UTC()
	}
	select {
	case s.ch <- sample:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many samples were shed under backpressure.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Stop closes the intake and waits for the writer to drain.
func (s *Sink) Stop() {
	s.once.Do(func() { close(s.ch) })
	s.wg.Wait()
}

// Compact deletes raw samples older than the retention window. Runs on the
// maintenance schedule.
func (s *Sink) Compact(ctx context.Context) (int, error) {
	const op = "insights.compact"
	if s.cfg.CompactionKeep <= 0 {
		return 0, nil
	}
	cutoff := formatTS(s.clock.Now().Add(-s.cfg.CompactionKeep))
	removed := 0
	for rec, err := range s.store.Stream(ctx, MetricCollection,
		domain.Filter{Range: &domain.Range{Field: "ts", To: cutoff}}, nil) {
		if err != nil {
			return removed, domain.WrapOp(op, err)
		}
		if err := s.store.Delete(ctx, MetricCollection, rec.ID); err != nil {
			s.logger.Warn("compaction delete failed", "id", rec.ID, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("metric samples compacted", "count", removed)
	}
	return removed, nil
}
