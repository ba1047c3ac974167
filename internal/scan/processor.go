// Package scan runs scan batches: it moves a batch through its lifecycle,
// scans every target entity against all providers, scores the answers and
// persists the evidence behind each score.
package scan

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/visibility-cli/internal/cost"
	"github.com/sells-group/visibility-cli/internal/events"
	"github.com/sells-group/visibility-cli/internal/metrics"
	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/orchestrator"
	"github.com/sells-group/visibility-cli/internal/scoring"
	"github.com/sells-group/visibility-cli/internal/store"
)

const (
	defaultConcurrency = 5
	defaultMaxQueries  = 50

	// errCancelled is recorded on batches stopped by context cancellation.
	errCancelled = "cancelled"
)

// ErrNoQueries is the setup fault for a batch run against an empty catalog.
var ErrNoQueries = eris.New("scan: no active queries")

// Runner fans one entity scan out to the providers.
type Runner interface {
	Run(ctx context.Context, entities []model.Entity, queries []string) orchestrator.Result
}

// Processor executes scan batches.
type Processor struct {
	store       store.Store
	runner      Runner
	publisher   events.Publisher
	metrics     *metrics.Metrics
	concurrency int
	maxQueries  int
	now         func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithConcurrency bounds how many entities are scanned at once.
func WithConcurrency(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithMaxQueries caps the active query catalog used per batch.
func WithMaxQueries(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxQueries = n
		}
	}
}

// WithPublisher sets the analytics event sink.
func WithPublisher(pub events.Publisher) Option {
	return func(p *Processor) {
		if pub != nil {
			p.publisher = pub
		}
	}
}

// WithMetrics sets the Prometheus recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// New creates a Processor.
func New(st store.Store, runner Runner, opts ...Option) *Processor {
	p := &Processor{
		store:       st,
		runner:      runner,
		publisher:   events.Nop{},
		concurrency: defaultConcurrency,
		maxQueries:  defaultMaxQueries,
		now:         time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run creates a batch for entityIDs on scanDate and executes it. An empty
// entityIDs scans every entity in the catalog.
func (p *Processor) Run(ctx context.Context, entityIDs []string, scanDate time.Time) (model.ScanBatchResult, error) {
	if len(entityIDs) == 0 {
		all, err := p.store.ListEntities(ctx)
		if err != nil {
			return model.ScanBatchResult{}, eris.Wrap(err, "scan: list entities")
		}
		for _, e := range all {
			entityIDs = append(entityIDs, e.ID)
		}
	}

	batch, err := p.store.CreateBatch(ctx, entityIDs, scanDate)
	if err != nil {
		return model.ScanBatchResult{}, eris.Wrap(err, "scan: create batch")
	}
	return p.RunBatch(ctx, batch), nil
}

// RunBatch executes a pending batch. Per-entity failures are recorded on
// their ScanRecords and never stop the batch. A batch that cannot be set
// up ends failed.
func (p *Processor) RunBatch(ctx context.Context, batch *model.ScanBatch) model.ScanBatchResult {
	start := p.now()
	res := model.ScanBatchResult{BatchID: batch.ID, Requested: len(batch.EntityIDs)}
	log := zap.L().With(zap.String("batch_id", batch.ID))

	err := p.store.UpdateBatchStatus(ctx, store.BatchUpdate{
		ID:   batch.ID,
		From: model.BatchStatusPending,
		To:   model.BatchStatusProcessing,
	})
	if err != nil {
		log.Error("scan: batch could not enter processing", zap.Error(err))
		res.Error = err.Error()
		return res
	}
	batch.Status = model.BatchStatusProcessing
	p.metrics.BatchStarted()

	entities, queries, err := p.load(ctx, batch)
	if err != nil {
		log.Error("scan: batch setup failed", zap.Error(err))
		return p.finish(ctx, batch, res, start, 0, err.Error())
	}

	log.Info("scan: batch started",
		zap.Int("entities", len(entities)),
		zap.Int("queries", len(queries)),
		zap.Int("concurrency", p.concurrency),
	)

	tracker := cost.NewTracker()
	var processed, failed atomic.Int64
	failed.Add(int64(len(batch.EntityIDs) - len(entities)))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for _, e := range entities {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if p.scanEntity(ctx, batch, e, queries, tracker) {
				processed.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.ProcessedDealers = int(processed.Load())
	res.FailedDealers = int(failed.Load())

	for _, pc := range tracker.Breakdown() {
		log.Info("scan: provider spend",
			zap.String("provider", pc.Provider),
			zap.Int("calls", pc.Calls),
			zap.Int("failures", pc.Failures),
			zap.Float64("cost_usd", pc.CostUSD),
		)
	}

	if ctx.Err() != nil {
		log.Warn("scan: batch cancelled", zap.Int("processed", res.ProcessedDealers))
		return p.finish(ctx, batch, res, start, tracker.Total(), errCancelled)
	}
	return p.finish(ctx, batch, res, start, tracker.Total(), "")
}

// load resolves the batch's entities and the capped active query catalog.
// Unknown entity ids are skipped with a warning.
func (p *Processor) load(ctx context.Context, batch *model.ScanBatch) ([]model.Entity, []string, error) {
	entities, err := p.store.GetEntities(ctx, batch.EntityIDs)
	if err != nil {
		return nil, nil, eris.Wrap(err, "scan: load entities")
	}
	if missing := len(batch.EntityIDs) - len(entities); missing > 0 {
		zap.L().Warn("scan: batch references unknown entities",
			zap.String("batch_id", batch.ID), zap.Int("missing", missing))
	}

	qs, err := p.store.ListActiveQueries(ctx, p.maxQueries)
	if err != nil {
		return nil, nil, eris.Wrap(err, "scan: load queries")
	}
	if len(qs) == 0 {
		return nil, nil, ErrNoQueries
	}
	return entities, model.QueryTexts(qs), nil
}

// finish moves the batch to its terminal state. An empty errMsg completes
// it; anything else fails it. The update runs even if ctx is cancelled.
func (p *Processor) finish(ctx context.Context, batch *model.ScanBatch, res model.ScanBatchResult, start time.Time, total float64, errMsg string) model.ScanBatchResult {
	to := model.BatchStatusCompleted
	if errMsg != "" {
		to = model.BatchStatusFailed
	}
	res.TotalCost = total
	res.Error = errMsg

	err := p.store.UpdateBatchStatus(context.WithoutCancel(ctx), store.BatchUpdate{
		ID:        batch.ID,
		From:      model.BatchStatusProcessing,
		To:        to,
		TotalCost: total,
		Error:     errMsg,
	})
	if err != nil {
		zap.L().Error("scan: finalize batch", zap.String("batch_id", batch.ID), zap.Error(err))
		to = model.BatchStatusFailed
		if res.Error == "" {
			res.Error = err.Error()
		}
	}
	batch.Status = to
	batch.TotalCost = total
	batch.Error = errMsg

	elapsed := p.now().Sub(start)
	res.ElapsedMS = elapsed.Milliseconds()
	res.Success = to == model.BatchStatusCompleted
	p.metrics.BatchFinished(to, elapsed)

	p.publish(ctx, events.Event{
		Type:    events.TypeBatchFinished,
		BatchID: batch.ID,
		Payload: res,
	})

	zap.L().Info("scan: batch finished",
		zap.String("batch_id", batch.ID),
		zap.String("status", string(to)),
		zap.Int("processed", res.ProcessedDealers),
		zap.Int("failed", res.FailedDealers),
		zap.Float64("total_cost_usd", total),
		zap.Int64("elapsed_ms", res.ElapsedMS),
	)
	return res
}

// scanEntity runs one entity through orchestration, scoring and
// persistence. It reports whether the entity's record completed.
func (p *Processor) scanEntity(ctx context.Context, batch *model.ScanBatch, e model.Entity, queries []string, tracker *cost.Tracker) bool {
	log := zap.L().With(zap.String("batch_id", batch.ID), zap.String("entity_id", e.ID))

	rec, err := p.store.CreateScanRecord(ctx, batch.ID, e.ID, batch.ScanDate)
	if err != nil {
		log.Error("scan: create scan record", zap.Error(err))
		p.metrics.ObserveScan(model.ScanStatusFailed, 0)
		return false
	}

	run := p.runner.Run(ctx, []model.Entity{e}, queries)
	run.Track(tracker)

	vis := scoring.Score(e.ID, run.Providers)
	rec.Status = model.ScanStatusCompleted
	rec.VisibilityScore = vis.Score
	rec.TotalMentions = vis.TotalMentions
	rec.AvgRank = vis.AvgRank
	rec.SentimentScore = vis.SentimentScore
	rec.TotalCitations = vis.TotalCitations
	rec.Cost = run.TotalCost

	now := p.now().UTC()
	err = p.store.CompleteScan(ctx, store.ScanCompletion{
		Record:    rec,
		Providers: run.Providers,
		Rows:      queryRows(rec.ID, e.ID, run.Providers, now),
		Usage:     usageRecords(batch.ID, rec.ID, run.Providers, now),
	})
	if err != nil {
		p.markFailed(ctx, rec, err)
		return false
	}

	p.metrics.ObserveScan(model.ScanStatusCompleted, rec.VisibilityScore)
	p.publish(ctx, events.Event{
		Type:     events.TypeScanCompleted,
		BatchID:  batch.ID,
		EntityID: e.ID,
		Payload:  rec,
	})
	log.Info("scan: entity complete",
		zap.Int("score", rec.VisibilityScore),
		zap.Int("mentions", rec.TotalMentions),
		zap.Int("failed_providers", run.Failed),
		zap.Float64("cost_usd", rec.Cost),
	)
	return true
}

// markFailed records err on rec. Aggregates are cleared since a failed
// record never carries a score.
func (p *Processor) markFailed(ctx context.Context, rec *model.ScanRecord, cause error) {
	log := zap.L().With(zap.String("batch_id", rec.BatchID), zap.String("entity_id", rec.EntityID))
	log.Error("scan: entity failed", zap.Error(cause))

	spent := rec.Cost
	*rec = model.ScanRecord{
		ID:        rec.ID,
		EntityID:  rec.EntityID,
		BatchID:   rec.BatchID,
		ScanDate:  rec.ScanDate,
		Status:    model.ScanStatusFailed,
		Cost:      spent,
		Error:     cause.Error(),
		CreatedAt: rec.CreatedAt,
	}
	if err := p.store.UpdateScanRecord(context.WithoutCancel(ctx), rec); err != nil {
		log.Error("scan: mark scan record failed", zap.Error(err))
	}
	p.metrics.ObserveScan(model.ScanStatusFailed, 0)
	p.publish(ctx, events.Event{
		Type:     events.TypeScanFailed,
		BatchID:  rec.BatchID,
		EntityID: rec.EntityID,
		Payload:  map[string]string{"scan_id": rec.ID, "error": rec.Error},
	})
}

func (p *Processor) publish(ctx context.Context, e events.Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = p.now().UTC()
	}
	if err := p.publisher.Publish(context.WithoutCancel(ctx), e); err != nil {
		zap.L().Warn("scan: publish event", zap.String("type", e.Type), zap.Error(err))
	}
}

// queryRows flattens the answered providers' outcomes for entityID into
// evidence rows. Failed providers contribute none.
func queryRows(scanID, entityID string, results []model.ProviderResult, now time.Time) []model.QueryResultRow {
	var rows []model.QueryResultRow
	for _, r := range results {
		if r.Failed() {
			continue
		}
		for _, o := range r.Outcomes {
			if o.EntityID != entityID {
				continue
			}
			rank := o.Rank
			if !o.Mentioned || rank < 0 {
				rank = 0
			}
			rows = append(rows, model.QueryResultRow{
				ScanID:     scanID,
				EntityID:   entityID,
				Provider:   r.Provider,
				Query:      o.Query,
				Rank:       rank,
				Mentioned:  rank > 0,
				Sentiment:  o.Sentiment,
				Confidence: o.Confidence,
				Citations:  o.Citations,
				CreatedAt:  now,
			})
		}
	}
	return rows
}

// usageRecords logs one usage entry per provider invocation.
func usageRecords(batchID, scanID string, results []model.ProviderResult, now time.Time) []model.UsageRecord {
	out := make([]model.UsageRecord, 0, len(results))
	for _, r := range results {
		out = append(out, model.UsageRecord{
			BatchID:      batchID,
			ScanID:       scanID,
			Provider:     r.Provider,
			Model:        r.Model,
			InputTokens:  r.Usage.InputTokens,
			OutputTokens: r.Usage.OutputTokens,
			Cost:         r.Cost,
			LatencyMS:    r.LatencyMS,
			Success:      !r.Failed(),
			CreatedAt:    now,
		})
	}
	return out
}
