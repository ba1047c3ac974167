// Package store persists the scan lifecycle: the entity and query catalogs,
// batches, per-entity scan records, and the provider and query-level
// evidence behind them.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-cli/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrInvalidTransition is returned when a status update does not follow
	// the lifecycle or the row was moved by someone else first.
	ErrInvalidTransition = eris.New("store: invalid status transition")
)

// BatchUpdate moves a batch from one status to the next. The update only
// applies if the batch is still in From.
type BatchUpdate struct {
	ID        string
	From      model.BatchStatus
	To        model.BatchStatus
	TotalCost float64
	Error     string
}

// BatchFilter narrows ListBatches.
type BatchFilter struct {
	Status model.BatchStatus `json:"status,omitempty"`
	Limit  int               `json:"limit,omitempty"`
}

// ScanFilter narrows ListScanRecords. Zero fields are ignored.
type ScanFilter struct {
	BatchID  string           `json:"batch_id,omitempty"`
	EntityID string           `json:"entity_id,omitempty"`
	Status   model.ScanStatus `json:"status,omitempty"`
	ScanDate time.Time        `json:"scan_date,omitempty"`
	Limit    int              `json:"limit,omitempty"`
}

// ScanCompletion is everything written when one entity's scan finishes. It
// is persisted as a unit: evidence rows first, then the record itself.
type ScanCompletion struct {
	Record    *model.ScanRecord
	Providers []model.ProviderResult
	Rows      []model.QueryResultRow
	Usage     []model.UsageRecord
}

// Store defines the persistence interface for the scanning pipeline.
type Store interface {
	// Catalog
	ListEntities(ctx context.Context) ([]model.Entity, error)
	GetEntities(ctx context.Context, ids []string) ([]model.Entity, error)
	UpsertEntities(ctx context.Context, entities []model.Entity) (int64, error)
	UpsertQueries(ctx context.Context, queries []model.Query) (int64, error)
	ListActiveQueries(ctx context.Context, limit int) ([]model.Query, error)

	// Batches
	CreateBatch(ctx context.Context, entityIDs []string, scanDate time.Time) (*model.ScanBatch, error)
	GetBatch(ctx context.Context, id string) (*model.ScanBatch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]model.ScanBatch, error)
	UpdateBatchStatus(ctx context.Context, u BatchUpdate) error

	// Scan records
	CreateScanRecord(ctx context.Context, batchID, entityID string, scanDate time.Time) (*model.ScanRecord, error)
	UpdateScanRecord(ctx context.Context, rec *model.ScanRecord) error
	ListScanRecords(ctx context.Context, filter ScanFilter) ([]model.ScanRecord, error)
	CompleteScan(ctx context.Context, c ScanCompletion) error

	// Evidence
	InsertProviderResults(ctx context.Context, scanID string, results []model.ProviderResult) error
	ListProviderResults(ctx context.Context, scanID string) ([]model.ProviderResult, error)
	InsertQueryResultRows(ctx context.Context, rows []model.QueryResultRow) error
	ListQueryResultRows(ctx context.Context, scanID string) ([]model.QueryResultRow, error)
	InsertUsageRecords(ctx context.Context, records []model.UsageRecord) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// scanDay truncates t to the UTC calendar day scans are keyed by.
func scanDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ensureIDs assigns ids and timestamps to evidence rows that lack them.
func ensureIDs(c *ScanCompletion, newID func() string, now time.Time) {
	for i := range c.Providers {
		if c.Providers[i].ID == "" {
			c.Providers[i].ID = newID()
		}
		c.Providers[i].ScanID = c.Record.ID
	}
	for i := range c.Rows {
		if c.Rows[i].ID == "" {
			c.Rows[i].ID = newID()
		}
		if c.Rows[i].CreatedAt.IsZero() {
			c.Rows[i].CreatedAt = now
		}
	}
	for i := range c.Usage {
		if c.Usage[i].ID == "" {
			c.Usage[i].ID = newID()
		}
		if c.Usage[i].CreatedAt.IsZero() {
			c.Usage[i].CreatedAt = now
		}
	}
}
