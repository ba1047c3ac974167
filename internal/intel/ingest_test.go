package intel

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

type fakeScanSource struct {
	entities []model.Entity
	records  []model.ScanRecord
	filter   store.ScanFilter
	err      error
}

func (f *fakeScanSource) ListEntities(context.Context) ([]model.Entity, error) {
	return f.entities, nil
}

func (f *fakeScanSource) ListScanRecords(_ context.Context, filter store.ScanFilter) ([]model.ScanRecord, error) {
	f.filter = filter
	return f.records, f.err
}

func TestIngest(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC)

	_, err := e.Record(ctx, Snapshot{
		Domain:     "smithtoyota.com",
		Facts:      Facts{TechnicalHealth: 65, GrowthRate: 12},
		RecordedAt: day.Add(-24 * time.Hour),
	})
	require.NoError(t, err)

	src := &fakeScanSource{
		entities: []model.Entity{
			{ID: "e1", Domain: "www.SmithToyota.com"},
			{ID: "e2", Domain: "joneshonda.com"},
		},
		records: []model.ScanRecord{
			{EntityID: "e1", TotalMentions: 2, VisibilityScore: 40, CreatedAt: day.Add(time.Hour)},
			{EntityID: "e2", TotalMentions: 2, VisibilityScore: 30, SentimentScore: -1, TotalCitations: 1, CreatedAt: day.Add(time.Hour)},
			{EntityID: "e1", TotalMentions: 6, VisibilityScore: 60, SentimentScore: 0.5, TotalCitations: 4, CreatedAt: day.Add(3 * time.Hour)},
			{EntityID: "ghost", TotalMentions: 100, CreatedAt: day},
		},
	}

	snaps, err := e.Ingest(ctx, src, day.Add(15*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, model.ScanStatusCompleted, src.filter.Status)
	require.Len(t, snaps, 2)

	smith := snaps[0]
	assert.Equal(t, "smithtoyota.com", smith.Domain)
	assert.Equal(t, day, smith.RecordedAt)
	assert.Equal(t, 6, smith.TotalMentions, "latest record wins")
	assert.Equal(t, 4, smith.Citations)
	assert.InDelta(t, 75, smith.MarketShare, 1e-9)
	assert.InDelta(t, 75, smith.Sentiment, 1e-9)
	assert.InDelta(t, 60, smith.OverallScore, 1e-9)
	assert.InDelta(t, 65, smith.TechnicalHealth, 1e-9, "carried over")
	assert.InDelta(t, 12, smith.GrowthRate, 1e-9)

	jones := snaps[1]
	assert.InDelta(t, 25, jones.MarketShare, 1e-9)
	assert.Zero(t, jones.Sentiment)
	assert.Zero(t, jones.TechnicalHealth)

	points, err := e.History(ctx, "smithtoyota.com")
	require.NoError(t, err)
	assert.Len(t, points, 2)
}

func TestIngest_SameDateTwice(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC)

	_, err := e.Record(ctx, Snapshot{
		Domain:     "smithtoyota.com",
		Facts:      Facts{TechnicalHealth: 65},
		RecordedAt: day.Add(-24 * time.Hour),
	})
	require.NoError(t, err)

	src := &fakeScanSource{
		entities: []model.Entity{{ID: "e1", Domain: "smithtoyota.com"}},
		records:  []model.ScanRecord{{EntityID: "e1", TotalMentions: 3, VisibilityScore: 50, CreatedAt: day}},
	}
	_, err = e.Ingest(ctx, src, day)
	require.NoError(t, err)

	src.records[0].VisibilityScore = 55
	snaps, err := e.Ingest(ctx, src, day.Add(5*time.Hour))
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.InDelta(t, 65, snaps[0].TechnicalHealth, 1e-9)

	points, err := e.History(ctx, "smithtoyota.com")
	require.NoError(t, err)
	require.Len(t, points, 2, "one point per day")
	assert.Equal(t, day, points[1].RecordedAt)
	assert.InDelta(t, 55, points[1].OverallScore, 1e-9)
}

func TestIngest_NothingCompleted(t *testing.T) {
	e := newTestEngine(t)
	snaps, err := e.Ingest(context.Background(), &fakeScanSource{}, testNow)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestIngest_SourceError(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Ingest(context.Background(), &fakeScanSource{err: errors.New("db down")}, testNow)
	assert.Error(t, err)
}

func TestLatestByEntity(t *testing.T) {
	base := testNow
	out := latestByEntity([]model.ScanRecord{
		{ID: "a1", EntityID: "a", CreatedAt: base.Add(2 * time.Hour)},
		{ID: "b1", EntityID: "b", CreatedAt: base},
		{ID: "a2", EntityID: "a", CreatedAt: base},
		{ID: "a3", EntityID: "a", CreatedAt: base.Add(3 * time.Hour)},
	})
	require.Len(t, out, 2)
	assert.Equal(t, "a3", out[0].ID)
	assert.Equal(t, "b1", out[1].ID)
}
