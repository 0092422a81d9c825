package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/watchvine/catalog-sync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS items (
	key         TEXT PRIMARY KEY,
	url         TEXT NOT NULL,
	name        TEXT NOT NULL,
	price       TEXT NOT NULL DEFAULT '',
	image_urls  TEXT NOT NULL DEFAULT '[]',
	category    TEXT NOT NULL DEFAULT '',
	scraped_at  DATETIME NOT NULL,
	absent_runs INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS enrichment (
	key             TEXT PRIMARY KEY REFERENCES items(key) ON DELETE CASCADE,
	stage           TEXT NOT NULL DEFAULT 'UNENRICHED',
	attributes      TEXT NOT NULL DEFAULT '{}',
	embedding       TEXT,
	embedding_model TEXT NOT NULL DEFAULT '',
	ai_analysis     TEXT,
	text_hash       TEXT NOT NULL DEFAULT '',
	vision_hash     TEXT NOT NULL DEFAULT '',
	embed_hash      TEXT NOT NULL DEFAULT '',
	enhanced_at     DATETIME,
	indexed_at      DATETIME
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'running',
	report      TEXT,
	started_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS run_stages (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	name       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	result     TEXT,
	started_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_items_absent_runs ON items(absent_runs);
CREATE INDEX IF NOT EXISTS idx_enrichment_stage ON enrichment(stage);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_run_stages_run_id ON run_stages(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertItems writes items in one transaction. A re-seen item resets
// its absence counter; a brand-new item also gets an enrichment row at
// UNENRICHED. Duplicate keys within the batch keep the first
// occurrence.
func (s *SQLiteStore) UpsertItems(ctx context.Context, items []model.CatalogItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback()

	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if seen[item.Key] {
			continue
		}
		seen[item.Key] = true

		imagesJSON, err := json.Marshal(item.ImageURLs)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal images for %s", item.Key)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO items (key, url, name, price, image_urls, category, scraped_at, absent_runs)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 0)
			 ON CONFLICT(key) DO UPDATE SET
				url = excluded.url,
				name = excluded.name,
				price = excluded.price,
				image_urls = excluded.image_urls,
				category = excluded.category,
				scraped_at = excluded.scraped_at,
				absent_runs = 0`,
			item.Key, item.URL, item.Name, item.Price, string(imagesJSON), item.Category, item.ScrapedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert item %s", item.Key)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO enrichment (key, stage) VALUES (?, ?)
			 ON CONFLICT(key) DO NOTHING`,
			item.Key, string(model.StageUnenriched),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: seed enrichment %s", item.Key)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit upsert")
}

// DeleteItems removes items and their enrichment rows in one
// transaction.
func (s *SQLiteStore) DeleteItems(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin delete")
	}
	defer tx.Rollback()

	ph, args := placeholders(keys)
	if _, err := tx.ExecContext(ctx, `DELETE FROM enrichment WHERE key IN (`+ph+`)`, args...); err != nil {
		return eris.Wrap(err, "sqlite: delete enrichment")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE key IN (`+ph+`)`, args...); err != nil {
		return eris.Wrap(err, "sqlite: delete items")
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit delete")
}

func (s *SQLiteStore) GetItem(ctx context.Context, key string) (*model.CatalogItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, url, name, price, image_urls, category, scraped_at, absent_runs
		 FROM items WHERE key = ?`, key,
	)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return item, err
}

func (s *SQLiteStore) ListItems(ctx context.Context) ([]model.CatalogItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, url, name, price, image_urls, category, scraped_at, absent_runs
		 FROM items ORDER BY key`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list items")
	}
	defer rows.Close()

	var items []model.CatalogItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list items iterate")
}

func (s *SQLiteStore) ListItemStates(ctx context.Context) ([]model.ItemState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, absent_runs FROM items ORDER BY key`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list item states")
	}
	defer rows.Close()

	var states []model.ItemState
	for rows.Next() {
		var st model.ItemState
		if err := rows.Scan(&st.Key, &st.AbsentRuns); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan item state")
		}
		states = append(states, st)
	}
	return states, eris.Wrap(rows.Err(), "sqlite: list item states iterate")
}

func (s *SQLiteStore) IncrementAbsentRuns(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	ph, args := placeholders(keys)
	_, err := s.db.ExecContext(ctx,
		`UPDATE items SET absent_runs = absent_runs + 1 WHERE key IN (`+ph+`)`, args...,
	)
	return eris.Wrap(err, "sqlite: increment absent runs")
}

func (s *SQLiteStore) GetRecord(ctx context.Context, key string) (*model.EnrichmentRecord, error) {
	row := s.db.QueryRowContext(ctx, selectRecord+` WHERE key = ?`, key)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *SQLiteStore) SaveRecord(ctx context.Context, rec *model.EnrichmentRecord) error {
	attrsJSON, err := json.Marshal(rec.Attributes)
	if err != nil {
		return eris.Wrapf(err, "sqlite: marshal attributes %s", rec.Key)
	}

	var embJSON sql.NullString
	if rec.Embedding != nil {
		b, err := json.Marshal(rec.Embedding)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal embedding %s", rec.Key)
		}
		embJSON = sql.NullString{String: string(b), Valid: true}
	}

	var analysisJSON sql.NullString
	if rec.AIAnalysis != nil {
		b, err := json.Marshal(rec.AIAnalysis)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal analysis %s", rec.Key)
		}
		analysisJSON = sql.NullString{String: string(b), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE enrichment SET
			stage = ?, attributes = ?, embedding = ?, embedding_model = ?,
			ai_analysis = ?, text_hash = ?, vision_hash = ?, embed_hash = ?,
			enhanced_at = ?, indexed_at = ?
		 WHERE key = ?`,
		string(rec.Stage), string(attrsJSON), embJSON, rec.EmbeddingModel,
		analysisJSON, rec.TextHash, rec.VisionHash, rec.EmbedHash,
		nullTime(rec.EnhancedAt), nullTime(rec.IndexedAt), rec.Key,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save record %s", rec.Key)
	}
	return checkRowsAffected(res, "record", rec.Key)
}

func (s *SQLiteStore) ListRecordsBelow(ctx context.Context, stage model.Stage) ([]model.EnrichmentRecord, error) {
	return s.listRecordsByStages(ctx, model.StagesBelow(stage))
}

func (s *SQLiteStore) ListRecordsAtLeast(ctx context.Context, stage model.Stage) ([]model.EnrichmentRecord, error) {
	return s.listRecordsByStages(ctx, model.StagesAtLeast(stage))
}

func (s *SQLiteStore) listRecordsByStages(ctx context.Context, stages []model.Stage) ([]model.EnrichmentRecord, error) {
	if len(stages) == 0 {
		return nil, nil
	}
	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = string(st)
	}
	ph, args := placeholders(names)

	rows, err := s.db.QueryContext(ctx, selectRecord+` WHERE stage IN (`+ph+`) ORDER BY key`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close()

	var recs []model.EnrichmentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: list records iterate")
}

func (s *SQLiteStore) MarkIndexed(ctx context.Context, keys []string, at time.Time) error {
	if len(keys) == 0 {
		return nil
	}
	ph, args := placeholders(keys)
	args = append([]any{string(model.StageIndexed), at.UTC()}, args...)
	_, err := s.db.ExecContext(ctx,
		`UPDATE enrichment SET stage = ?, indexed_at = ? WHERE key IN (`+ph+`)`, args...,
	)
	return eris.Wrap(err, "sqlite: mark indexed")
}

// ResetRecords moves records back to UNENRICHED with cleared content
// hashes, so the next run re-enriches them. Attributes and their
// provenance are preserved. An empty key list resets everything.
func (s *SQLiteStore) ResetRecords(ctx context.Context, keys []string) error {
	query := `UPDATE enrichment SET stage = ?, text_hash = '', vision_hash = '', embed_hash = '', indexed_at = NULL`
	args := []any{string(model.StageUnenriched)}
	if len(keys) > 0 {
		ph, inArgs := placeholders(keys)
		query += ` WHERE key IN (` + ph + `)`
		args = append(args, inArgs...)
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return eris.Wrap(err, "sqlite: reset records")
}

func (s *SQLiteStore) CountItems(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count items")
}

func (s *SQLiteStore) StageCounts(ctx context.Context) ([]StageCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, COUNT(*) FROM enrichment GROUP BY stage ORDER BY COUNT(*) DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stage counts")
	}
	defer rows.Close()

	var counts []StageCount
	for rows.Next() {
		var sc StageCount
		var stage string
		if err := rows.Scan(&stage, &sc.Count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage count")
		}
		sc.Stage = model.Stage(stage)
		counts = append(counts, sc)
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: stage counts iterate")
}

func (s *SQLiteStore) BrandCounts(ctx context.Context, limit int) ([]BrandCount, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT json_extract(attributes, '$.brand.value') AS brand, COUNT(*)
		 FROM enrichment
		 WHERE json_extract(attributes, '$.brand.value') IS NOT NULL
		 GROUP BY brand ORDER BY COUNT(*) DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: brand counts")
	}
	defer rows.Close()

	var counts []BrandCount
	for rows.Next() {
		var bc BrandCount
		if err := rows.Scan(&bc.Brand, &bc.Count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan brand count")
		}
		counts = append(counts, bc)
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: brand counts iterate")
}

func (s *SQLiteStore) CreateRun(ctx context.Context) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, started_at) VALUES (?, ?, ?)`,
		id, string(model.RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{ID: id, Status: model.RunStatusRunning, StartedAt: now}, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, report *model.RunReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal report")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, report = ?, finished_at = ? WHERE id = ?`,
		string(report.Status), string(reportJSON), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, report, started_at, finished_at FROM runs WHERE id = ?`, runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, status, report, started_at, finished_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) CreateStage(ctx context.Context, runID string, name string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_stages (id, run_id, name, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, runID, name, string(model.StageStatusRunning), time.Now().UTC(),
	)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: insert stage for run %s", runID)
	}
	return id, nil
}

func (s *SQLiteStore) CompleteStage(ctx context.Context, stageID string, result *model.StageResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stage result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE run_stages SET status = ?, result = ? WHERE id = ?`,
		string(result.Status), string(resultJSON), stageID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete stage %s", stageID)
	}
	return checkRowsAffected(res, "stage", stageID)
}

// helpers

const selectRecord = `SELECT key, stage, attributes, embedding, embedding_model,
	ai_analysis, text_hash, vision_hash, embed_hash, enhanced_at, indexed_at
FROM enrichment`

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func placeholders(vals []string) (string, []any) {
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(vals)), ","), args
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanItem(row scannable) (*model.CatalogItem, error) {
	var item model.CatalogItem
	var imagesJSON string

	err := row.Scan(&item.Key, &item.URL, &item.Name, &item.Price, &imagesJSON,
		&item.Category, &item.ScrapedAt, &item.AbsentRuns)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan item")
	}
	if err := json.Unmarshal([]byte(imagesJSON), &item.ImageURLs); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal images")
	}
	return &item, nil
}

func scanRecord(row scannable) (*model.EnrichmentRecord, error) {
	var rec model.EnrichmentRecord
	var stage, attrsJSON string
	var embJSON, analysisJSON sql.NullString
	var enhancedAt, indexedAt sql.NullTime

	err := row.Scan(&rec.Key, &stage, &attrsJSON, &embJSON, &rec.EmbeddingModel,
		&analysisJSON, &rec.TextHash, &rec.VisionHash, &rec.EmbedHash,
		&enhancedAt, &indexedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan record")
	}

	rec.Stage = model.Stage(stage)
	if err := json.Unmarshal([]byte(attrsJSON), &rec.Attributes); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal attributes")
	}
	if embJSON.Valid {
		if err := json.Unmarshal([]byte(embJSON.String), &rec.Embedding); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal embedding")
		}
	}
	if analysisJSON.Valid {
		rec.AIAnalysis = &model.AIAnalysis{}
		if err := json.Unmarshal([]byte(analysisJSON.String), rec.AIAnalysis); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal analysis")
		}
	}
	if enhancedAt.Valid {
		t := enhancedAt.Time
		rec.EnhancedAt = &t
	}
	if indexedAt.Valid {
		t := indexedAt.Time
		rec.IndexedAt = &t
	}
	return &rec, nil
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var status string
	var reportJSON sql.NullString
	var finishedAt sql.NullTime

	err := row.Scan(&r.ID, &status, &reportJSON, &r.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	r.Status = model.RunStatus(status)
	if reportJSON.Valid {
		r.Report = &model.RunReport{}
		if err := json.Unmarshal([]byte(reportJSON.String), r.Report); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal report")
		}
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	return &r, nil
}
