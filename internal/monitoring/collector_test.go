package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/store"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	batches  []model.ScanBatch
	scans    map[string][]model.ScanRecord
	batchErr error
	scanErr  error
}

func (f *fakeSource) ListBatches(context.Context, store.BatchFilter) ([]model.ScanBatch, error) {
	return f.batches, f.batchErr
}

func (f *fakeSource) ListScanRecords(_ context.Context, filter store.ScanFilter) ([]model.ScanRecord, error) {
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	return f.scans[filter.BatchID], nil
}

func newTestCollector(src Source) *Collector {
	c := NewCollector(src)
	c.now = func() time.Time { return testNow }
	return c
}

func TestCollector_Collect(t *testing.T) {
	src := &fakeSource{
		batches: []model.ScanBatch{
			{ID: "b1", Status: model.BatchStatusCompleted, TotalCost: 1.25, CreatedAt: testNow.Add(-2 * time.Hour)},
			{ID: "b2", Status: model.BatchStatusFailed, Error: "cancelled", CreatedAt: testNow.Add(-time.Hour)},
			{ID: "b3", Status: model.BatchStatusProcessing, CreatedAt: testNow.Add(-time.Minute)},
			{ID: "old", Status: model.BatchStatusFailed, TotalCost: 99, CreatedAt: testNow.Add(-48 * time.Hour)},
		},
		scans: map[string][]model.ScanRecord{
			"b1": {
				{Status: model.ScanStatusCompleted, VisibilityScore: 60},
				{Status: model.ScanStatusCompleted, VisibilityScore: 40},
				{Status: model.ScanStatusFailed},
			},
			"b2":  {{Status: model.ScanStatusFailed}},
			"b3":  {{Status: model.ScanStatusProcessing}},
			"old": {{Status: model.ScanStatusFailed}},
		},
	}

	snap, err := newTestCollector(src).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 3, snap.BatchesTotal)
	assert.Equal(t, 1, snap.BatchesCompleted)
	assert.Equal(t, 1, snap.BatchesFailed)
	assert.Equal(t, 1, snap.BatchesRunning)
	assert.InDelta(t, 1.25, snap.CostUSD, 1e-9)

	assert.Equal(t, 5, snap.ScansTotal)
	assert.Equal(t, 2, snap.ScansCompleted)
	assert.Equal(t, 2, snap.ScansFailed)
	assert.InDelta(t, 0.5, snap.ScanFailRate, 1e-9)
	assert.InDelta(t, 50, snap.AvgScore, 1e-9)
	assert.Equal(t, testNow, snap.CollectedAt)
}

func TestCollector_Collect_Empty(t *testing.T) {
	snap, err := newTestCollector(&fakeSource{}).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Zero(t, snap.BatchesTotal)
	assert.Zero(t, snap.ScanFailRate)
	assert.Zero(t, snap.AvgScore)
}

func TestCollector_Collect_Errors(t *testing.T) {
	_, err := newTestCollector(&fakeSource{batchErr: errors.New("db down")}).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list batches")

	src := &fakeSource{
		batches: []model.ScanBatch{{ID: "b1", CreatedAt: testNow}},
		scanErr: errors.New("db down"),
	}
	_, err = newTestCollector(src).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b1")
}
