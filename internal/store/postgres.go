package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-cli/internal/db"
	"github.com/sells-group/visibility-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hot path of a batch run.
var preparedStatements = map[string]string{
	"insert_scan_record": `INSERT INTO scan_records (id, entity_id, batch_id, scan_date, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
	"update_scan_record": updateScanRecordSQL,
	"get_batch":          `SELECT id, entity_ids, scan_date, status, total_cost, error, created_at, updated_at, finished_at FROM scan_batches WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = min(minConns, maxConns)
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, now: time.Now}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller owns its lifetime.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS entities (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	domain     TEXT NOT NULL,
	brand      TEXT NOT NULL DEFAULT '',
	locale     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS queries (
	id       TEXT PRIMARY KEY,
	text     TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	active   BOOLEAN NOT NULL DEFAULT true
);

CREATE INDEX IF NOT EXISTS idx_queries_active_priority ON queries(active, priority DESC);

CREATE TABLE IF NOT EXISTS scan_batches (
	id          TEXT PRIMARY KEY,
	entity_ids  JSONB NOT NULL,
	scan_date   DATE NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	total_cost  DOUBLE PRECISION NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_scan_batches_status ON scan_batches(status);

CREATE TABLE IF NOT EXISTS scan_records (
	id               TEXT PRIMARY KEY,
	entity_id        TEXT NOT NULL,
	batch_id         TEXT NOT NULL REFERENCES scan_batches(id),
	scan_date        DATE NOT NULL,
	status           TEXT NOT NULL DEFAULT 'processing',
	visibility_score INTEGER NOT NULL DEFAULT 0 CHECK (visibility_score BETWEEN 0 AND 100),
	total_mentions   INTEGER NOT NULL DEFAULT 0,
	avg_rank         DOUBLE PRECISION NOT NULL DEFAULT 0,
	sentiment_score  DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_citations  INTEGER NOT NULL DEFAULT 0,
	cost             DOUBLE PRECISION NOT NULL DEFAULT 0,
	error            TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_scan_records_batch ON scan_records(batch_id);
CREATE INDEX IF NOT EXISTS idx_scan_records_entity_date ON scan_records(entity_id, scan_date, created_at DESC);

CREATE TABLE IF NOT EXISTS provider_results (
	id            TEXT PRIMARY KEY,
	scan_id       TEXT NOT NULL REFERENCES scan_records(id),
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL DEFAULT '',
	mentions      INTEGER NOT NULL DEFAULT 0,
	avg_rank      DOUBLE PRECISION NOT NULL DEFAULT 0,
	sentiment     DOUBLE PRECISION NOT NULL DEFAULT 0,
	citations     JSONB NOT NULL DEFAULT '[]',
	outcomes      JSONB NOT NULL DEFAULT '[]',
	latency_ms    BIGINT NOT NULL DEFAULT 0 CHECK (latency_ms >= 0),
	input_tokens  BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cost          DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (cost >= 0),
	error         TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_provider_results_scan ON provider_results(scan_id);

CREATE TABLE IF NOT EXISTS query_results (
	id         TEXT PRIMARY KEY,
	scan_id    TEXT NOT NULL REFERENCES scan_records(id),
	entity_id  TEXT NOT NULL,
	provider   TEXT NOT NULL,
	query      TEXT NOT NULL,
	rank       INTEGER NOT NULL DEFAULT 0,
	mentioned  BOOLEAN NOT NULL DEFAULT false,
	sentiment  TEXT NOT NULL DEFAULT 'neutral',
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	citations  JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK ((rank > 0) = mentioned)
);

CREATE INDEX IF NOT EXISTS idx_query_results_scan ON query_results(scan_id);

CREATE TABLE IF NOT EXISTS api_usage (
	id            TEXT PRIMARY KEY,
	batch_id      TEXT NOT NULL,
	scan_id       TEXT NOT NULL,
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL DEFAULT '',
	input_tokens  BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cost          DOUBLE PRECISION NOT NULL DEFAULT 0,
	latency_ms    BIGINT NOT NULL DEFAULT 0,
	success       BOOLEAN NOT NULL DEFAULT true,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_api_usage_batch ON api_usage(batch_id);
`

var (
	entitiesTable = db.Table{
		Name:    "entities",
		Columns: []string{"id", "name", "domain", "brand", "locale", "created_at"},
		Key:     []string{"id"},
		Refresh: []string{"name", "domain", "brand", "locale"},
	}
	queriesTable = db.Table{
		Name:    "queries",
		Columns: []string{"id", "text", "priority", "active"},
		Key:     []string{"id"},
	}
	providerResultsTable = db.Table{
		Name:    "provider_results",
		Columns: []string{"id", "scan_id", "provider", "model", "mentions", "avg_rank", "sentiment", "citations", "outcomes", "latency_ms", "input_tokens", "output_tokens", "cost", "error"},
	}
	queryResultsTable = db.Table{
		Name:    "query_results",
		Columns: []string{"id", "scan_id", "entity_id", "provider", "query", "rank", "mentioned", "sentiment", "confidence", "citations", "created_at"},
	}
	usageTable = db.Table{
		Name:    "api_usage",
		Columns: []string{"id", "batch_id", "scan_id", "provider", "model", "input_tokens", "output_tokens", "cost", "latency_ms", "success", "created_at"},
	}
)

const updateScanRecordSQL = `UPDATE scan_records SET status = $1, visibility_score = $2, total_mentions = $3, avg_rank = $4, sentiment_score = $5, total_citations = $6, cost = $7, error = $8, updated_at = $9 WHERE id = $10 AND status = 'processing'`

const scanRecordColumns = `id, entity_id, batch_id, scan_date, status, visibility_score, total_mentions, avg_rank, sentiment_score, total_citations, cost, error, created_at, updated_at`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate applies the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool if this store opened it.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) ListEntities(ctx context.Context) ([]model.Entity, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, domain, brand, locale, created_at FROM entities ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list entities")
	}
	defer rows.Close()
	return collectEntities(rows)
}

// GetEntities returns the entities with the given ids in the order given.
// Unknown ids are skipped.
func (s *PostgresStore) GetEntities(ctx context.Context, ids []string) ([]model.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, domain, brand, locale, created_at FROM entities WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get entities")
	}
	defer rows.Close()

	found, err := collectEntities(rows)
	if err != nil {
		return nil, err
	}
	return orderEntities(found, ids), nil
}

func collectEntities(rows pgx.Rows) ([]model.Entity, error) {
	var out []model.Entity
	for rows.Next() {
		var e model.Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.Domain, &e.Brand, &e.Locale, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate entities")
}

func (s *PostgresStore) UpsertEntities(ctx context.Context, entities []model.Entity) (int64, error) {
	now := s.now().UTC()
	rows := make([][]any, len(entities))
	for i, e := range entities {
		created := e.CreatedAt
		if created.IsZero() {
			created = now
		}
		rows[i] = []any{e.ID, e.Name, e.Domain, e.Brand, e.Locale, created}
	}
	n, err := entitiesTable.Merge(ctx, s.pool, rows)
	return n, eris.Wrap(err, "postgres: upsert entities")
}

func (s *PostgresStore) UpsertQueries(ctx context.Context, queries []model.Query) (int64, error) {
	rows := make([][]any, len(queries))
	for i, q := range queries {
		rows[i] = []any{q.ID, q.Text, q.Priority, q.Active}
	}
	n, err := queriesTable.Merge(ctx, s.pool, rows)
	return n, eris.Wrap(err, "postgres: upsert queries")
}

// ListActiveQueries returns active queries by descending priority. A
// non-positive limit returns all of them.
func (s *PostgresStore) ListActiveQueries(ctx context.Context, limit int) ([]model.Query, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, text, priority, active FROM queries WHERE active ORDER BY priority DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list active queries")
	}
	defer rows.Close()

	var out []model.Query
	for rows.Next() {
		var q model.Query
		if err := rows.Scan(&q.ID, &q.Text, &q.Priority, &q.Active); err != nil {
			return nil, eris.Wrap(err, "postgres: scan query")
		}
		out = append(out, q)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate queries")
}

func (s *PostgresStore) CreateBatch(ctx context.Context, entityIDs []string, scanDate time.Time) (*model.ScanBatch, error) {
	if entityIDs == nil {
		entityIDs = []string{}
	}
	idsJSON, err := json.Marshal(entityIDs)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal entity ids")
	}

	now := s.now().UTC()
	b := &model.ScanBatch{
		ID:        uuid.New().String(),
		EntityIDs: entityIDs,
		ScanDate:  scanDay(scanDate),
		Status:    model.BatchStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO scan_batches (id, entity_ids, scan_date, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, idsJSON, b.ScanDate, string(b.Status), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert batch")
	}
	return b, nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*model.ScanBatch, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx,
		`SELECT id, entity_ids, scan_date, status, total_cost, error, created_at, updated_at, finished_at FROM scan_batches WHERE id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get batch %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get batch %s", id)
	}
	return b, nil
}

func (s *PostgresStore) ListBatches(ctx context.Context, filter BatchFilter) ([]model.ScanBatch, error) {
	query := `SELECT id, entity_ids, scan_date, status, total_cost, error, created_at, updated_at, finished_at FROM scan_batches WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list batches")
	}
	defer rows.Close()

	var out []model.ScanBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate batches")
}

func scanBatch(row pgx.Row) (*model.ScanBatch, error) {
	var (
		b      model.ScanBatch
		ids    []byte
		status string
	)
	if err := row.Scan(&b.ID, &ids, &b.ScanDate, &status, &b.TotalCost, &b.Error, &b.CreatedAt, &b.UpdatedAt, &b.FinishedAt); err != nil {
		return nil, err
	}
	b.Status = model.BatchStatus(status)
	if err := json.Unmarshal(ids, &b.EntityIDs); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal entity ids")
	}
	return &b, nil
}

// UpdateBatchStatus applies u only if the batch is still in u.From, so a
// batch can enter processing once and never leave a terminal state.
func (s *PostgresStore) UpdateBatchStatus(ctx context.Context, u BatchUpdate) error {
	if !u.From.CanTransition(u.To) {
		return eris.Wrapf(ErrInvalidTransition, "postgres: batch %s %s -> %s", u.ID, u.From, u.To)
	}
	now := s.now().UTC()
	var finished *time.Time
	if u.To.Terminal() {
		finished = &now
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE scan_batches SET status = $1, total_cost = $2, error = $3, updated_at = $4, finished_at = $5 WHERE id = $6 AND status = $7`,
		string(u.To), u.TotalCost, u.Error, now, finished, u.ID, string(u.From),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update batch %s", u.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrInvalidTransition, "postgres: batch %s is not %s", u.ID, u.From)
	}
	return nil
}

func (s *PostgresStore) CreateScanRecord(ctx context.Context, batchID, entityID string, scanDate time.Time) (*model.ScanRecord, error) {
	now := s.now().UTC()
	rec := &model.ScanRecord{
		ID:        uuid.New().String(),
		EntityID:  entityID,
		BatchID:   batchID,
		ScanDate:  scanDay(scanDate),
		Status:    model.ScanStatusProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scan_records (id, entity_id, batch_id, scan_date, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.EntityID, rec.BatchID, rec.ScanDate, string(rec.Status), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert scan record for %s", entityID)
	}
	return rec, nil
}

// UpdateScanRecord moves a processing record to its terminal state.
func (s *PostgresStore) UpdateScanRecord(ctx context.Context, rec *model.ScanRecord) error {
	return s.updateScanRecord(ctx, s.pool, rec)
}

func (s *PostgresStore) updateScanRecord(ctx context.Context, q db.Querier, rec *model.ScanRecord) error {
	if rec.Status == model.ScanStatusProcessing {
		return eris.Wrapf(ErrInvalidTransition, "postgres: scan %s must finish completed or failed", rec.ID)
	}
	rec.UpdatedAt = s.now().UTC()
	tag, err := q.Exec(ctx, updateScanRecordSQL,
		string(rec.Status), rec.VisibilityScore, rec.TotalMentions, rec.AvgRank, rec.SentimentScore,
		rec.TotalCitations, rec.Cost, rec.Error, rec.UpdatedAt, rec.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update scan record %s", rec.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrInvalidTransition, "postgres: scan %s is not processing", rec.ID)
	}
	return nil
}

func (s *PostgresStore) ListScanRecords(ctx context.Context, filter ScanFilter) ([]model.ScanRecord, error) {
	query := `SELECT ` + scanRecordColumns + ` FROM scan_records WHERE true`
	args := []any{}
	argIdx := 1

	if filter.BatchID != "" {
		query += fmt.Sprintf(` AND batch_id = $%d`, argIdx)
		args = append(args, filter.BatchID)
		argIdx++
	}
	if filter.EntityID != "" {
		query += fmt.Sprintf(` AND entity_id = $%d`, argIdx)
		args = append(args, filter.EntityID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.ScanDate.IsZero() {
		query += fmt.Sprintf(` AND scan_date = $%d`, argIdx)
		args = append(args, scanDay(filter.ScanDate))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list scan records")
	}
	defer rows.Close()

	var out []model.ScanRecord
	for rows.Next() {
		var (
			r      model.ScanRecord
			status string
		)
		if err := rows.Scan(&r.ID, &r.EntityID, &r.BatchID, &r.ScanDate, &status, &r.VisibilityScore,
			&r.TotalMentions, &r.AvgRank, &r.SentimentScore, &r.TotalCitations, &r.Cost, &r.Error,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan scan record")
		}
		r.Status = model.ScanStatus(status)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate scan records")
}

// CompleteScan writes a finished scan in one transaction so a completed
// record is never visible without its provider detail.
func (s *PostgresStore) CompleteScan(ctx context.Context, c ScanCompletion) error {
	if c.Record == nil {
		return eris.New("postgres: complete scan: nil record")
	}
	ensureIDs(&c, func() string { return uuid.New().String() }, s.now().UTC())

	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := insertProviderResults(ctx, tx, c.Record.ID, c.Providers); err != nil {
			return err
		}
		if err := insertQueryResultRows(ctx, tx, c.Rows); err != nil {
			return err
		}
		if err := insertUsageRecords(ctx, tx, c.Usage); err != nil {
			return err
		}
		return s.updateScanRecord(ctx, tx, c.Record)
	})
}

func (s *PostgresStore) InsertProviderResults(ctx context.Context, scanID string, results []model.ProviderResult) error {
	for i := range results {
		if results[i].ID == "" {
			results[i].ID = uuid.New().String()
		}
	}
	return insertProviderResults(ctx, s.pool, scanID, results)
}

func insertProviderResults(ctx context.Context, q db.Querier, scanID string, results []model.ProviderResult) error {
	rows := make([][]any, 0, len(results))
	for _, r := range results {
		citations, err := marshalList(r.Citations)
		if err != nil {
			return err
		}
		outcomes, err := json.Marshal(nonNil(r.Outcomes))
		if err != nil {
			return eris.Wrap(err, "postgres: marshal outcomes")
		}
		rows = append(rows, []any{
			r.ID, scanID, r.Provider, r.Model, r.Mentions, r.AvgRank, r.Sentiment, citations, outcomes,
			r.LatencyMS, r.Usage.InputTokens, r.Usage.OutputTokens, r.Cost, r.Error,
		})
	}
	_, err := providerResultsTable.Copy(ctx, q, rows)
	return eris.Wrap(err, "postgres: insert provider results")
}

func (s *PostgresStore) ListProviderResults(ctx context.Context, scanID string) ([]model.ProviderResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, scan_id, provider, model, mentions, avg_rank, sentiment, citations, outcomes, latency_ms, input_tokens, output_tokens, cost, error FROM provider_results WHERE scan_id = $1 ORDER BY provider`,
		scanID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list provider results")
	}
	defer rows.Close()

	var out []model.ProviderResult
	for rows.Next() {
		var (
			r                   model.ProviderResult
			citations, outcomes []byte
		)
		if err := rows.Scan(&r.ID, &r.ScanID, &r.Provider, &r.Model, &r.Mentions, &r.AvgRank, &r.Sentiment,
			&citations, &outcomes, &r.LatencyMS, &r.Usage.InputTokens, &r.Usage.OutputTokens, &r.Cost, &r.Error); err != nil {
			return nil, eris.Wrap(err, "postgres: scan provider result")
		}
		if err := json.Unmarshal(citations, &r.Citations); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal citations")
		}
		if err := json.Unmarshal(outcomes, &r.Outcomes); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal outcomes")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate provider results")
}

func (s *PostgresStore) InsertQueryResultRows(ctx context.Context, rows []model.QueryResultRow) error {
	now := s.now().UTC()
	for i := range rows {
		if rows[i].ID == "" {
			rows[i].ID = uuid.New().String()
		}
		if rows[i].CreatedAt.IsZero() {
			rows[i].CreatedAt = now
		}
	}
	return insertQueryResultRows(ctx, s.pool, rows)
}

func insertQueryResultRows(ctx context.Context, q db.Querier, in []model.QueryResultRow) error {
	rows := make([][]any, 0, len(in))
	for _, r := range in {
		citations, err := marshalList(r.Citations)
		if err != nil {
			return err
		}
		rows = append(rows, []any{
			r.ID, r.ScanID, r.EntityID, r.Provider, r.Query, r.Rank, r.Mentioned,
			string(r.Sentiment), r.Confidence, citations, r.CreatedAt,
		})
	}
	_, err := queryResultsTable.Copy(ctx, q, rows)
	return eris.Wrap(err, "postgres: insert query results")
}

func (s *PostgresStore) ListQueryResultRows(ctx context.Context, scanID string) ([]model.QueryResultRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, scan_id, entity_id, provider, query, rank, mentioned, sentiment, confidence, citations, created_at FROM query_results WHERE scan_id = $1 ORDER BY provider, query, entity_id`,
		scanID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list query results")
	}
	defer rows.Close()

	var out []model.QueryResultRow
	for rows.Next() {
		var (
			r         model.QueryResultRow
			sentiment string
			citations []byte
		)
		if err := rows.Scan(&r.ID, &r.ScanID, &r.EntityID, &r.Provider, &r.Query, &r.Rank, &r.Mentioned,
			&sentiment, &r.Confidence, &citations, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan query result")
		}
		r.Sentiment = model.ParseSentiment(sentiment)
		if err := json.Unmarshal(citations, &r.Citations); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal citations")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate query results")
}

func (s *PostgresStore) InsertUsageRecords(ctx context.Context, records []model.UsageRecord) error {
	now := s.now().UTC()
	for i := range records {
		if records[i].ID == "" {
			records[i].ID = uuid.New().String()
		}
		if records[i].CreatedAt.IsZero() {
			records[i].CreatedAt = now
		}
	}
	return insertUsageRecords(ctx, s.pool, records)
}

func insertUsageRecords(ctx context.Context, q db.Querier, in []model.UsageRecord) error {
	rows := make([][]any, 0, len(in))
	for _, u := range in {
		rows = append(rows, []any{
			u.ID, u.BatchID, u.ScanID, u.Provider, u.Model, u.InputTokens, u.OutputTokens,
			u.Cost, u.LatencyMS, u.Success, u.CreatedAt,
		})
	}
	_, err := usageTable.Copy(ctx, q, rows)
	return eris.Wrap(err, "postgres: insert usage records")
}

func marshalList(in []string) ([]byte, error) {
	b, err := json.Marshal(nonNil(in))
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal list")
	}
	return b, nil
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

// orderEntities returns found in the order of ids, skipping unknown ids.
func orderEntities(found []model.Entity, ids []string) []model.Entity {
	byID := make(map[string]model.Entity, len(found))
	for _, e := range found {
		byID[e.ID] = e
	}
	out := make([]model.Entity, 0, len(ids))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			out = append(out, e)
		}
	}
	return out
}
