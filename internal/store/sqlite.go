package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/visibility-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer keeps concurrent batch workers from tripping SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS entities (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	domain     TEXT NOT NULL,
	brand      TEXT NOT NULL DEFAULT '',
	locale     TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS queries (
	id       TEXT PRIMARY KEY,
	text     TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	active   INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS scan_batches (
	id          TEXT PRIMARY KEY,
	entity_ids  TEXT NOT NULL,
	scan_date   DATETIME NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	total_cost  REAL NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS scan_records (
	id               TEXT PRIMARY KEY,
	entity_id        TEXT NOT NULL,
	batch_id         TEXT NOT NULL REFERENCES scan_batches(id),
	scan_date        DATETIME NOT NULL,
	status           TEXT NOT NULL DEFAULT 'processing',
	visibility_score INTEGER NOT NULL DEFAULT 0,
	total_mentions   INTEGER NOT NULL DEFAULT 0,
	avg_rank         REAL NOT NULL DEFAULT 0,
	sentiment_score  REAL NOT NULL DEFAULT 0,
	total_citations  INTEGER NOT NULL DEFAULT 0,
	cost             REAL NOT NULL DEFAULT 0,
	error            TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS provider_results (
	id            TEXT PRIMARY KEY,
	scan_id       TEXT NOT NULL REFERENCES scan_records(id),
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL DEFAULT '',
	mentions      INTEGER NOT NULL DEFAULT 0,
	avg_rank      REAL NOT NULL DEFAULT 0,
	sentiment     REAL NOT NULL DEFAULT 0,
	citations     TEXT NOT NULL DEFAULT '[]',
	outcomes      TEXT NOT NULL DEFAULT '[]',
	latency_ms    INTEGER NOT NULL DEFAULT 0,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost          REAL NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS query_results (
	id         TEXT PRIMARY KEY,
	scan_id    TEXT NOT NULL REFERENCES scan_records(id),
	entity_id  TEXT NOT NULL,
	provider   TEXT NOT NULL,
	query      TEXT NOT NULL,
	rank       INTEGER NOT NULL DEFAULT 0,
	mentioned  INTEGER NOT NULL DEFAULT 0,
	sentiment  TEXT NOT NULL DEFAULT 'neutral',
	confidence REAL NOT NULL DEFAULT 0,
	citations  TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS api_usage (
	id            TEXT PRIMARY KEY,
	batch_id      TEXT NOT NULL,
	scan_id       TEXT NOT NULL,
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL DEFAULT '',
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost          REAL NOT NULL DEFAULT 0,
	latency_ms    INTEGER NOT NULL DEFAULT 0,
	success       INTEGER NOT NULL DEFAULT 1,
	created_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_queries_active_priority ON queries(active, priority DESC);
CREATE INDEX IF NOT EXISTS idx_scan_batches_status ON scan_batches(status);
CREATE INDEX IF NOT EXISTS idx_scan_records_batch ON scan_records(batch_id);
CREATE INDEX IF NOT EXISTS idx_scan_records_entity_date ON scan_records(entity_id, scan_date);
CREATE INDEX IF NOT EXISTS idx_provider_results_scan ON provider_results(scan_id);
CREATE INDEX IF NOT EXISTS idx_query_results_scan ON query_results(scan_id);
CREATE INDEX IF NOT EXISTS idx_api_usage_batch ON api_usage(batch_id);
`

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ListEntities(ctx context.Context) ([]model.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, domain, brand, locale, created_at FROM entities ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list entities")
	}
	defer rows.Close() //nolint:errcheck
	return scanEntities(rows)
}

func (s *SQLiteStore) GetEntities(ctx context.Context, ids []string) ([]model.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, domain, brand, locale, created_at FROM entities WHERE id IN (`+placeholders(len(ids))+`)`,
		args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get entities")
	}
	defer rows.Close() //nolint:errcheck

	found, err := scanEntities(rows)
	if err != nil {
		return nil, err
	}
	return orderEntities(found, ids), nil
}

func scanEntities(rows *sql.Rows) ([]model.Entity, error) {
	var out []model.Entity
	for rows.Next() {
		var e model.Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.Domain, &e.Brand, &e.Locale, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate entities")
}

func (s *SQLiteStore) UpsertEntities(ctx context.Context, entities []model.Entity) (int64, error) {
	now := s.now().UTC()
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entities {
			created := e.CreatedAt
			if created.IsZero() {
				created = now
			}
			res, err := tx.ExecContext(ctx,
				`INSERT INTO entities (id, name, domain, brand, locale, created_at) VALUES (?, ?, ?, ?, ?, ?)
				 ON CONFLICT(id) DO UPDATE SET name = excluded.name, domain = excluded.domain, brand = excluded.brand, locale = excluded.locale`,
				e.ID, e.Name, e.Domain, e.Brand, e.Locale, created,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: upsert entity %s", e.ID)
			}
			affected, _ := res.RowsAffected()
			n += affected
		}
		return nil
	})
	return n, err
}

func (s *SQLiteStore) UpsertQueries(ctx context.Context, queries []model.Query) (int64, error) {
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, q := range queries {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO queries (id, text, priority, active) VALUES (?, ?, ?, ?)
				 ON CONFLICT(id) DO UPDATE SET text = excluded.text, priority = excluded.priority, active = excluded.active`,
				q.ID, q.Text, q.Priority, q.Active,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: upsert query %s", q.ID)
			}
			affected, _ := res.RowsAffected()
			n += affected
		}
		return nil
	})
	return n, err
}

func (s *SQLiteStore) ListActiveQueries(ctx context.Context, limit int) ([]model.Query, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, priority, active FROM queries WHERE active = 1 ORDER BY priority DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list active queries")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Query
	for rows.Next() {
		var q model.Query
		if err := rows.Scan(&q.ID, &q.Text, &q.Priority, &q.Active); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan query")
		}
		out = append(out, q)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate queries")
}

func (s *SQLiteStore) CreateBatch(ctx context.Context, entityIDs []string, scanDate time.Time) (*model.ScanBatch, error) {
	if entityIDs == nil {
		entityIDs = []string{}
	}
	idsJSON, err := json.Marshal(entityIDs)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal entity ids")
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scan_batches (id, entity_ids, scan_date, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, string(idsJSON), b.ScanDate, string(b.Status), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert batch")
	}
	return b, nil
}

const sqliteBatchColumns = `id, entity_ids, scan_date, status, total_cost, error, created_at, updated_at, finished_at`

func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*model.ScanBatch, error) {
	b, err := scanSQLiteBatch(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteBatchColumns+` FROM scan_batches WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get batch %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get batch %s", id)
	}
	return b, nil
}

func (s *SQLiteStore) ListBatches(ctx context.Context, filter BatchFilter) ([]model.ScanBatch, error) {
	query := `SELECT ` + sqliteBatchColumns + ` FROM scan_batches WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list batches")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ScanBatch
	for rows.Next() {
		b, err := scanSQLiteBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate batches")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteBatch(row scannable) (*model.ScanBatch, error) {
	var (
		b        model.ScanBatch
		ids      string
		status   string
		finished sql.NullTime
	)
	if err := row.Scan(&b.ID, &ids, &b.ScanDate, &status, &b.TotalCost, &b.Error, &b.CreatedAt, &b.UpdatedAt, &finished); err != nil {
		return nil, err
	}
	b.Status = model.BatchStatus(status)
	if finished.Valid {
		t := finished.Time
		b.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(ids), &b.EntityIDs); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal entity ids")
	}
	return &b, nil
}

func (s *SQLiteStore) UpdateBatchStatus(ctx context.Context, u BatchUpdate) error {
	if !u.From.CanTransition(u.To) {
		return eris.Wrapf(ErrInvalidTransition, "sqlite: batch %s %s -> %s", u.ID, u.From, u.To)
	}
	now := s.now().UTC()
	var finished any
	if u.To.Terminal() {
		finished = now
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scan_batches SET status = ?, total_cost = ?, error = ?, updated_at = ?, finished_at = ? WHERE id = ? AND status = ?`,
		string(u.To), u.TotalCost, u.Error, now, finished, u.ID, string(u.From),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update batch %s", u.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrInvalidTransition, "sqlite: batch %s is not %s", u.ID, u.From)
	}
	return nil
}

func (s *SQLiteStore) CreateScanRecord(ctx context.Context, batchID, entityID string, scanDate time.Time) (*model.ScanRecord, error) {
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scan_records (id, entity_id, batch_id, scan_date, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.EntityID, rec.BatchID, rec.ScanDate, string(rec.Status), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert scan record for %s", entityID)
	}
	return rec, nil
}

func (s *SQLiteStore) UpdateScanRecord(ctx context.Context, rec *model.ScanRecord) error {
	return s.updateScanRecord(ctx, s.db, rec)
}

func (s *SQLiteStore) updateScanRecord(ctx context.Context, ex execer, rec *model.ScanRecord) error {
	if rec.Status == model.ScanStatusProcessing {
		return eris.Wrapf(ErrInvalidTransition, "sqlite: scan %s must finish completed or failed", rec.ID)
	}
	rec.UpdatedAt = s.now().UTC()
	res, err := ex.ExecContext(ctx,
		`UPDATE scan_records SET status = ?, visibility_score = ?, total_mentions = ?, avg_rank = ?, sentiment_score = ?, total_citations = ?, cost = ?, error = ?, updated_at = ? WHERE id = ? AND status = 'processing'`,
		string(rec.Status), rec.VisibilityScore, rec.TotalMentions, rec.AvgRank, rec.SentimentScore,
		rec.TotalCitations, rec.Cost, rec.Error, rec.UpdatedAt, rec.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update scan record %s", rec.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrInvalidTransition, "sqlite: scan %s is not processing", rec.ID)
	}
	return nil
}

func (s *SQLiteStore) ListScanRecords(ctx context.Context, filter ScanFilter) ([]model.ScanRecord, error) {
	query := `SELECT ` + scanRecordColumns + ` FROM scan_records WHERE 1=1`
	var args []any
	if filter.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, filter.BatchID)
	}
	if filter.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, filter.EntityID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.ScanDate.IsZero() {
		query += ` AND scan_date = ?`
		args = append(args, scanDay(filter.ScanDate))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list scan records")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ScanRecord
	for rows.Next() {
		var (
			r      model.ScanRecord
			status string
		)
		if err := rows.Scan(&r.ID, &r.EntityID, &r.BatchID, &r.ScanDate, &status, &r.VisibilityScore,
			&r.TotalMentions, &r.AvgRank, &r.SentimentScore, &r.TotalCitations, &r.Cost, &r.Error,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan scan record")
		}
		r.Status = model.ScanStatus(status)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate scan records")
}

func (s *SQLiteStore) CompleteScan(ctx context.Context, c ScanCompletion) error {
	if c.Record == nil {
		return eris.New("sqlite: complete scan: nil record")
	}
	ensureIDs(&c, func() string { return uuid.New().String() }, s.now().UTC())

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := sqliteInsertProviderResults(ctx, tx, c.Record.ID, c.Providers); err != nil {
			return err
		}
		if err := sqliteInsertQueryResultRows(ctx, tx, c.Rows); err != nil {
			return err
		}
		if err := sqliteInsertUsageRecords(ctx, tx, c.Usage); err != nil {
			return err
		}
		return s.updateScanRecord(ctx, tx, c.Record)
	})
}

func (s *SQLiteStore) InsertProviderResults(ctx context.Context, scanID string, results []model.ProviderResult) error {
	for i := range results {
		if results[i].ID == "" {
			results[i].ID = uuid.New().String()
		}
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return sqliteInsertProviderResults(ctx, tx, scanID, results)
	})
}

func sqliteInsertProviderResults(ctx context.Context, ex execer, scanID string, results []model.ProviderResult) error {
	for _, r := range results {
		citations, err := marshalList(r.Citations)
		if err != nil {
			return err
		}
		outcomes, err := json.Marshal(nonNil(r.Outcomes))
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal outcomes")
		}
		_, err = ex.ExecContext(ctx,
			`INSERT INTO provider_results (`+strings.Join(providerResultsTable.Columns, ", ")+`) VALUES (`+placeholders(len(providerResultsTable.Columns))+`)`,
			r.ID, scanID, r.Provider, r.Model, r.Mentions, r.AvgRank, r.Sentiment, string(citations), string(outcomes),
			r.LatencyMS, r.Usage.InputTokens, r.Usage.OutputTokens, r.Cost, r.Error,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert provider result %s", r.Provider)
		}
	}
	return nil
}

func (s *SQLiteStore) ListProviderResults(ctx context.Context, scanID string) ([]model.ProviderResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+strings.Join(providerResultsTable.Columns, ", ")+` FROM provider_results WHERE scan_id = ? ORDER BY provider`, scanID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list provider results")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ProviderResult
	for rows.Next() {
		var (
			r                   model.ProviderResult
			citations, outcomes string
		)
		if err := rows.Scan(&r.ID, &r.ScanID, &r.Provider, &r.Model, &r.Mentions, &r.AvgRank, &r.Sentiment,
			&citations, &outcomes, &r.LatencyMS, &r.Usage.InputTokens, &r.Usage.OutputTokens, &r.Cost, &r.Error); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan provider result")
		}
		if err := json.Unmarshal([]byte(citations), &r.Citations); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal citations")
		}
		if err := json.Unmarshal([]byte(outcomes), &r.Outcomes); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal outcomes")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate provider results")
}

func (s *SQLiteStore) InsertQueryResultRows(ctx context.Context, rows []model.QueryResultRow) error {
	now := s.now().UTC()
	for i := range rows {
		if rows[i].ID == "" {
			rows[i].ID = uuid.New().String()
		}
		if rows[i].CreatedAt.IsZero() {
			rows[i].CreatedAt = now
		}
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return sqliteInsertQueryResultRows(ctx, tx, rows)
	})
}

func sqliteInsertQueryResultRows(ctx context.Context, ex execer, rows []model.QueryResultRow) error {
	for _, r := range rows {
		citations, err := marshalList(r.Citations)
		if err != nil {
			return err
		}
		_, err = ex.ExecContext(ctx,
			`INSERT INTO query_results (`+strings.Join(queryResultsTable.Columns, ", ")+`) VALUES (`+placeholders(len(queryResultsTable.Columns))+`)`,
			r.ID, r.ScanID, r.EntityID, r.Provider, r.Query, r.Rank, r.Mentioned,
			string(r.Sentiment), r.Confidence, string(citations), r.CreatedAt,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert query result")
		}
	}
	return nil
}

func (s *SQLiteStore) ListQueryResultRows(ctx context.Context, scanID string) ([]model.QueryResultRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+strings.Join(queryResultsTable.Columns, ", ")+` FROM query_results WHERE scan_id = ? ORDER BY provider, query, entity_id`, scanID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list query results")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.QueryResultRow
	for rows.Next() {
		var (
			r                    model.QueryResultRow
			sentiment, citations string
		)
		if err := rows.Scan(&r.ID, &r.ScanID, &r.EntityID, &r.Provider, &r.Query, &r.Rank, &r.Mentioned,
			&sentiment, &r.Confidence, &citations, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan query result")
		}
		r.Sentiment = model.ParseSentiment(sentiment)
		if err := json.Unmarshal([]byte(citations), &r.Citations); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal citations")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate query results")
}

func (s *SQLiteStore) InsertUsageRecords(ctx context.Context, records []model.UsageRecord) error {
	now := s.now().UTC()
	for i := range records {
		if records[i].ID == "" {
			records[i].ID = uuid.New().String()
		}
		if records[i].CreatedAt.IsZero() {
			records[i].CreatedAt = now
		}
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return sqliteInsertUsageRecords(ctx, tx, records)
	})
}

func sqliteInsertUsageRecords(ctx context.Context, ex execer, records []model.UsageRecord) error {
	for _, u := range records {
		_, err := ex.ExecContext(ctx,
			`INSERT INTO api_usage (`+strings.Join(usageTable.Columns, ", ")+`) VALUES (`+placeholders(len(usageTable.Columns))+`)`,
			u.ID, u.BatchID, u.ScanID, u.Provider, u.Model, u.InputTokens, u.OutputTokens,
			u.Cost, u.LatencyMS, u.Success, u.CreatedAt,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert usage record")
		}
	}
	return nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
