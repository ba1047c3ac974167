package intel

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/store"
)

// ScanSource is the part of the store ingestion reads.
type ScanSource interface {
	ListEntities(ctx context.Context) ([]model.Entity, error)
	ListScanRecords(ctx context.Context, filter store.ScanFilter) ([]model.ScanRecord, error)
}

// Ingest derives one snapshot per entity from the completed scans of
// scanDate and records them. When an entity was scanned more than once that
// day the latest record wins. Technical health and growth rate are not
// measured by scans and carry over from the domain's previous snapshot.
func (e *Engine) Ingest(ctx context.Context, src ScanSource, scanDate time.Time) ([]Snapshot, error) {
	records, err := src.ListScanRecords(ctx, store.ScanFilter{
		Status:   model.ScanStatusCompleted,
		ScanDate: scanDate,
	})
	if err != nil {
		return nil, eris.Wrap(err, "intel: list completed scans")
	}
	if len(records) == 0 {
		zap.L().Info("intel: no completed scans to ingest", zap.Time("scan_date", scanDate))
		return nil, nil
	}

	entities, err := src.ListEntities(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "intel: list entities")
	}
	domains := make(map[string]string, len(entities))
	for _, ent := range entities {
		domains[ent.ID] = NormalizeDomain(ent.Domain)
	}

	var latest []model.ScanRecord
	total := 0
	for _, r := range latestByEntity(records) {
		if domains[r.EntityID] == "" {
			zap.L().Warn("intel: scan for unknown entity skipped", zap.String("entity_id", r.EntityID))
			continue
		}
		latest = append(latest, r)
		total += r.TotalMentions
	}

	y, mo, d := scanDate.UTC().Date()
	recordedAt := time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)

	var out []Snapshot
	for _, r := range latest {
		domain := domains[r.EntityID]
		facts := factsFromRecord(r, total)
		if prev, err := e.history.Points(ctx, domain); err != nil {
			return out, eris.Wrapf(err, "intel: load history for %s", domain)
		} else if len(prev) > 0 {
			facts.TechnicalHealth = prev[len(prev)-1].TechnicalHealth
			facts.GrowthRate = prev[len(prev)-1].GrowthRate
		}

		s, err := e.Record(ctx, Snapshot{Domain: domain, Facts: facts, RecordedAt: recordedAt})
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}

	zap.L().Info("intel: ingested scans",
		zap.Time("scan_date", recordedAt),
		zap.Int("records", len(records)),
		zap.Int("snapshots", len(out)),
	)
	return out, nil
}

// latestByEntity keeps the most recently created record per entity, in
// first-seen order.
func latestByEntity(records []model.ScanRecord) []model.ScanRecord {
	idx := make(map[string]int)
	var out []model.ScanRecord
	for _, r := range records {
		i, ok := idx[r.EntityID]
		if !ok {
			idx[r.EntityID] = len(out)
			out = append(out, r)
			continue
		}
		if r.CreatedAt.After(out[i].CreatedAt) {
			out[i] = r
		}
	}
	return out
}

// factsFromRecord maps a scan onto snapshot facts. Sentiment moves from
// [-1, 1] to [0, 100].
func factsFromRecord(r model.ScanRecord, totalMentions int) Facts {
	f := Facts{
		TotalMentions: r.TotalMentions,
		Citations:     r.TotalCitations,
		Sentiment:     (max(-1, min(1, r.SentimentScore)) + 1) / 2 * 100,
		OverallScore:  float64(r.VisibilityScore),
	}
	if totalMentions > 0 {
		f.MarketShare = float64(r.TotalMentions) / float64(totalMentions) * 100
	}
	return f
}
