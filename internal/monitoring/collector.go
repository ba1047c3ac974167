package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/store"
)

// HealthSnapshot holds a point-in-time view of scanning health within the
// lookback window.
type HealthSnapshot struct {
	BatchesTotal     int     `json:"batches_total"`
	BatchesCompleted int     `json:"batches_completed"`
	BatchesFailed    int     `json:"batches_failed"`
	BatchesRunning   int     `json:"batches_running"`
	CostUSD          float64 `json:"cost_usd"`

	ScansTotal     int     `json:"scans_total"`
	ScansCompleted int     `json:"scans_completed"`
	ScansFailed    int     `json:"scans_failed"`
	ScanFailRate   float64 `json:"scan_fail_rate"`
	AvgScore       float64 `json:"avg_score"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the part of the store the collector reads.
type Source interface {
	ListBatches(ctx context.Context, filter store.BatchFilter) ([]model.ScanBatch, error)
	ListScanRecords(ctx context.Context, filter store.ScanFilter) ([]model.ScanRecord, error)
}

// Collector gathers health figures from the store.
type Collector struct {
	source Source
	now    func() time.Time
}

// NewCollector creates a new health collector.
func NewCollector(src Source) *Collector {
	return &Collector{source: src, now: time.Now}
}

// Collect summarizes the batches created within the lookback window and the
// scans that belong to them.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*HealthSnapshot, error) {
	now := c.now().UTC()
	snap := &HealthSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	batches, err := c.source.ListBatches(ctx, store.BatchFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list batches")
	}

	var totalScore float64
	for _, b := range batches {
		if b.CreatedAt.Before(cutoff) {
			continue
		}
		snap.BatchesTotal++
		snap.CostUSD += b.TotalCost
		switch b.Status {
		case model.BatchStatusCompleted:
			snap.BatchesCompleted++
		case model.BatchStatusFailed:
			snap.BatchesFailed++
		default:
			snap.BatchesRunning++
		}

		recs, err := c.source.ListScanRecords(ctx, store.ScanFilter{BatchID: b.ID})
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: list scans for batch %s", b.ID)
		}
		for _, r := range recs {
			snap.ScansTotal++
			switch r.Status {
			case model.ScanStatusCompleted:
				snap.ScansCompleted++
				totalScore += float64(r.VisibilityScore)
			case model.ScanStatusFailed:
				snap.ScansFailed++
			}
		}
	}

	if finished := snap.ScansCompleted + snap.ScansFailed; finished > 0 {
		snap.ScanFailRate = float64(snap.ScansFailed) / float64(finished)
	}
	if snap.ScansCompleted > 0 {
		snap.AvgScore = totalScore / float64(snap.ScansCompleted)
	}
	return snap, nil
}
