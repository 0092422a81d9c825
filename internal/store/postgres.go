package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/watchvine/catalog-sync/internal/db"
	"github.com/watchvine/catalog-sync/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"get_item":       `SELECT key, url, name, price, image_urls, category, scraped_at, absent_runs FROM items WHERE key = $1`,
	"get_record":     `SELECT key, stage, attributes, embedding, embedding_model, ai_analysis, text_hash, vision_hash, embed_hash, enhanced_at, indexed_at FROM enrichment WHERE key = $1`,
	"save_record":    `UPDATE enrichment SET stage = $1, attributes = $2, embedding = $3, embedding_model = $4, ai_analysis = $5, text_hash = $6, vision_hash = $7, embed_hash = $8, enhanced_at = $9, indexed_at = $10 WHERE key = $11`,
	"insert_run":     `INSERT INTO runs (id, status, started_at) VALUES ($1, $2, $3)`,
	"complete_run":   `UPDATE runs SET status = $1, report = $2, finished_at = $3 WHERE id = $4`,
	"insert_stage":   `INSERT INTO run_stages (id, run_id, name, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
	"complete_stage": `UPDATE run_stages SET status = $1, result = $2 WHERE id = $3`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
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
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
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
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS items (
	key         TEXT PRIMARY KEY,
	url         TEXT NOT NULL,
	name        TEXT NOT NULL,
	price       TEXT NOT NULL DEFAULT '',
	image_urls  JSONB NOT NULL DEFAULT '[]',
	category    TEXT NOT NULL DEFAULT '',
	scraped_at  TIMESTAMPTZ NOT NULL,
	absent_runs INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS enrichment (
	key             TEXT PRIMARY KEY REFERENCES items(key) ON DELETE CASCADE,
	stage           TEXT NOT NULL DEFAULT 'UNENRICHED',
	attributes      JSONB NOT NULL DEFAULT '{}',
	embedding       JSONB,
	embedding_model TEXT NOT NULL DEFAULT '',
	ai_analysis     JSONB,
	text_hash       TEXT NOT NULL DEFAULT '',
	vision_hash     TEXT NOT NULL DEFAULT '',
	embed_hash      TEXT NOT NULL DEFAULT '',
	enhanced_at     TIMESTAMPTZ,
	indexed_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	status      TEXT NOT NULL DEFAULT 'running',
	report      JSONB,
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS run_stages (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	name       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	result     JSONB,
	started_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_items_absent_runs ON items(absent_runs);
CREATE INDEX IF NOT EXISTS idx_enrichment_stage ON enrichment(stage);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_run_stages_run_id ON run_stages(run_id);
`

// Pool returns the underlying database pool for subsystems that need
// direct query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) UpsertItems(ctx context.Context, items []model.CatalogItem) error {
	if len(items) == 0 {
		return nil
	}

	// Deduplicate within the batch; first occurrence wins.
	seen := make(map[string]bool, len(items))
	rows := make([][]any, 0, len(items))
	keys := make([]string, 0, len(items))
	for _, item := range items {
		if seen[item.Key] {
			continue
		}
		seen[item.Key] = true

		imagesJSON, err := json.Marshal(item.ImageURLs)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal images for %s", item.Key)
		}
		rows = append(rows, []any{
			item.Key, item.URL, item.Name, item.Price, string(imagesJSON),
			item.Category, item.ScrapedAt.UTC(), 0,
		})
		keys = append(keys, item.Key)
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "items",
		Columns:      []string{"key", "url", "name", "price", "image_urls", "category", "scraped_at", "absent_runs"},
		ConflictKeys: []string{"key"},
	}, rows)
	if err != nil {
		return eris.Wrap(err, "postgres: upsert items")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO enrichment (key, stage)
		 SELECT unnest($1::text[]), $2
		 ON CONFLICT (key) DO NOTHING`,
		keys, string(model.StageUnenriched),
	)
	return eris.Wrap(err, "postgres: seed enrichment")
}

func (s *PostgresStore) DeleteItems(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	// items deletes cascade to enrichment.
	_, err := s.pool.Exec(ctx, `DELETE FROM items WHERE key = ANY($1::text[])`, keys)
	return eris.Wrap(err, "postgres: delete items")
}

func (s *PostgresStore) GetItem(ctx context.Context, key string) (*model.CatalogItem, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT key, url, name, price, image_urls, category, scraped_at, absent_runs FROM items WHERE key = $1`, key)
	item, err := scanPgItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

func (s *PostgresStore) ListItems(ctx context.Context) ([]model.CatalogItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, url, name, price, image_urls, category, scraped_at, absent_runs FROM items ORDER BY key`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list items")
	}
	defer rows.Close()

	var items []model.CatalogItem
	for rows.Next() {
		item, err := scanPgItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list items iterate")
}

func (s *PostgresStore) ListItemStates(ctx context.Context) ([]model.ItemState, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, absent_runs FROM items ORDER BY key`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list item states")
	}
	defer rows.Close()

	var states []model.ItemState
	for rows.Next() {
		var st model.ItemState
		if err := rows.Scan(&st.Key, &st.AbsentRuns); err != nil {
			return nil, eris.Wrap(err, "postgres: scan item state")
		}
		states = append(states, st)
	}
	return states, eris.Wrap(rows.Err(), "postgres: list item states iterate")
}

func (s *PostgresStore) IncrementAbsentRuns(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE items SET absent_runs = absent_runs + 1 WHERE key = ANY($1::text[])`, keys)
	return eris.Wrap(err, "postgres: increment absent runs")
}

func (s *PostgresStore) GetRecord(ctx context.Context, key string) (*model.EnrichmentRecord, error) {
	row := s.pool.QueryRow(ctx, preparedStatements["get_record"], key)
	rec, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *PostgresStore) SaveRecord(ctx context.Context, rec *model.EnrichmentRecord) error {
	attrsJSON, err := json.Marshal(rec.Attributes)
	if err != nil {
		return eris.Wrapf(err, "postgres: marshal attributes %s", rec.Key)
	}

	var embJSON, analysisJSON any
	if rec.Embedding != nil {
		b, err := json.Marshal(rec.Embedding)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal embedding %s", rec.Key)
		}
		embJSON = string(b)
	}
	if rec.AIAnalysis != nil {
		b, err := json.Marshal(rec.AIAnalysis)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal analysis %s", rec.Key)
		}
		analysisJSON = string(b)
	}

	tag, err := s.pool.Exec(ctx, preparedStatements["save_record"],
		string(rec.Stage), string(attrsJSON), embJSON, rec.EmbeddingModel,
		analysisJSON, rec.TextHash, rec.VisionHash, rec.EmbedHash,
		rec.EnhancedAt, rec.IndexedAt, rec.Key,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save record %s", rec.Key)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("record not found: %s", rec.Key)
	}
	return nil
}

func (s *PostgresStore) ListRecordsBelow(ctx context.Context, stage model.Stage) ([]model.EnrichmentRecord, error) {
	return s.listRecordsByStages(ctx, model.StagesBelow(stage))
}

func (s *PostgresStore) ListRecordsAtLeast(ctx context.Context, stage model.Stage) ([]model.EnrichmentRecord, error) {
	return s.listRecordsByStages(ctx, model.StagesAtLeast(stage))
}

func (s *PostgresStore) listRecordsByStages(ctx context.Context, stages []model.Stage) ([]model.EnrichmentRecord, error) {
	if len(stages) == 0 {
		return nil, nil
	}
	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = string(st)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT key, stage, attributes, embedding, embedding_model, ai_analysis,
			text_hash, vision_hash, embed_hash, enhanced_at, indexed_at
		 FROM enrichment WHERE stage = ANY($1::text[]) ORDER BY key`, names)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
	}
	defer rows.Close()

	var recs []model.EnrichmentRecord
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: list records iterate")
}

func (s *PostgresStore) MarkIndexed(ctx context.Context, keys []string, at time.Time) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE enrichment SET stage = $1, indexed_at = $2 WHERE key = ANY($3::text[])`,
		string(model.StageIndexed), at.UTC(), keys)
	return eris.Wrap(err, "postgres: mark indexed")
}

func (s *PostgresStore) ResetRecords(ctx context.Context, keys []string) error {
	query := `UPDATE enrichment SET stage = $1, text_hash = '', vision_hash = '', embed_hash = '', indexed_at = NULL`
	args := []any{string(model.StageUnenriched)}
	if len(keys) > 0 {
		query += ` WHERE key = ANY($2::text[])`
		args = append(args, keys)
	}
	_, err := s.pool.Exec(ctx, query, args...)
	return eris.Wrap(err, "postgres: reset records")
}

func (s *PostgresStore) CountItems(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM items`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count items")
}

func (s *PostgresStore) StageCounts(ctx context.Context) ([]StageCount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT stage, COUNT(*) FROM enrichment GROUP BY stage ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stage counts")
	}
	defer rows.Close()

	var counts []StageCount
	for rows.Next() {
		var sc StageCount
		var stage string
		var n int64
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage count")
		}
		sc.Stage = model.Stage(stage)
		sc.Count = int(n)
		counts = append(counts, sc)
	}
	return counts, eris.Wrap(rows.Err(), "postgres: stage counts iterate")
}

func (s *PostgresStore) BrandCounts(ctx context.Context, limit int) ([]BrandCount, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT attributes->'brand'->>'value' AS brand, COUNT(*)
		 FROM enrichment
		 WHERE attributes->'brand'->>'value' IS NOT NULL
		 GROUP BY brand ORDER BY COUNT(*) DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: brand counts")
	}
	defer rows.Close()

	var counts []BrandCount
	for rows.Next() {
		var bc BrandCount
		var n int64
		if err := rows.Scan(&bc.Brand, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan brand count")
		}
		bc.Count = int(n)
		counts = append(counts, bc)
	}
	return counts, eris.Wrap(rows.Err(), "postgres: brand counts iterate")
}

func (s *PostgresStore) CreateRun(ctx context.Context) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, preparedStatements["insert_run"],
		id, string(model.RunStatusRunning), now)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return &model.Run{ID: id, Status: model.RunStatusRunning, StartedAt: now}, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, report *model.RunReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal report")
	}

	tag, err := s.pool.Exec(ctx, preparedStatements["complete_run"],
		string(report.Status), string(reportJSON), time.Now().UTC(), runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, status, report, started_at, finished_at FROM runs WHERE id = $1`, runID)
	run, err := scanPgRun(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, status, report, started_at, finished_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(` LIMIT $%d`, len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) CreateStage(ctx context.Context, runID string, name string) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx, preparedStatements["insert_stage"],
		id, runID, name, string(model.StageStatusRunning), time.Now().UTC())
	if err != nil {
		return "", eris.Wrapf(err, "postgres: insert stage for run %s", runID)
	}
	return id, nil
}

func (s *PostgresStore) CompleteStage(ctx context.Context, stageID string, result *model.StageResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal stage result")
	}

	tag, err := s.pool.Exec(ctx, preparedStatements["complete_stage"],
		string(result.Status), string(resultJSON), stageID)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete stage %s", stageID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("stage not found: %s", stageID)
	}
	return nil
}

// scan helpers

func scanPgItem(row pgx.Row) (*model.CatalogItem, error) {
	var item model.CatalogItem
	var imagesJSON []byte

	err := row.Scan(&item.Key, &item.URL, &item.Name, &item.Price, &imagesJSON,
		&item.Category, &item.ScrapedAt, &item.AbsentRuns)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan item")
	}
	if err := json.Unmarshal(imagesJSON, &item.ImageURLs); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal images")
	}
	return &item, nil
}

func scanPgRecord(row pgx.Row) (*model.EnrichmentRecord, error) {
	var rec model.EnrichmentRecord
	var stage string
	var attrsJSON []byte
	var embJSON, analysisJSON []byte
	var enhancedAt, indexedAt *time.Time

	err := row.Scan(&rec.Key, &stage, &attrsJSON, &embJSON, &rec.EmbeddingModel,
		&analysisJSON, &rec.TextHash, &rec.VisionHash, &rec.EmbedHash,
		&enhancedAt, &indexedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan record")
	}

	rec.Stage = model.Stage(stage)
	if err := json.Unmarshal(attrsJSON, &rec.Attributes); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal attributes")
	}
	if len(embJSON) > 0 {
		if err := json.Unmarshal(embJSON, &rec.Embedding); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal embedding")
		}
	}
	if len(analysisJSON) > 0 {
		rec.AIAnalysis = &model.AIAnalysis{}
		if err := json.Unmarshal(analysisJSON, rec.AIAnalysis); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal analysis")
		}
	}
	rec.EnhancedAt = enhancedAt
	rec.IndexedAt = indexedAt
	return &rec, nil
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var status string
	var reportJSON []byte
	var finishedAt *time.Time

	if err := row.Scan(&r.ID, &status, &reportJSON, &r.StartedAt, &finishedAt); err != nil {
		return nil, err
	}

	r.Status = model.RunStatus(status)
	if len(reportJSON) > 0 {
		r.Report = &model.RunReport{}
		if err := json.Unmarshal(reportJSON, r.Report); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal report")
		}
	}
	r.FinishedAt = finishedAt
	return &r, nil
}
