package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchvine/catalog-sync/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetItem_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT key, url, name, price, image_urls, category, scraped_at, absent_runs FROM items WHERE key = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	item, err := s.GetItem(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, item)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetItem(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	scraped := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT key, url, name, price, image_urls, category, scraped_at, absent_runs FROM items`).
		WithArgs("k1").
		WillReturnRows(pgxmock.NewRows([]string{"key", "url", "name", "price", "image_urls", "category", "scraped_at", "absent_runs"}).
			AddRow("k1", "https://watchvine.example/p/k1", "Seiko 5", "1500.00", []byte(`["https://cdn.example/k1.jpg"]`), "Sports", scraped, 1))

	item, err := s.GetItem(context.Background(), "k1")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "Seiko 5", item.Name)
	assert.Equal(t, []string{"https://cdn.example/k1.jpg"}, item.ImageURLs)
	assert.Equal(t, 1, item.AbsentRuns)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRecord_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT key, stage, attributes, embedding`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	rec, err := s.GetRecord(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveRecord_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE enrichment SET stage`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), "ghost").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SaveRecord(context.Background(), &model.EnrichmentRecord{Key: "ghost", Stage: model.StageTextExtracted})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteItems(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM items WHERE key = ANY`).
		WithArgs([]string{"k1", "k2"}).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	require.NoError(t, s.DeleteItems(context.Background(), []string{"k1", "k2"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteItems_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	// No query expected for an empty key list.
	require.NoError(t, s.DeleteItems(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementAbsentRuns(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE items SET absent_runs = absent_runs \+ 1`).
		WithArgs([]string{"a", "b"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	require.NoError(t, s.IncrementAbsentRuns(context.Background(), []string{"a", "b"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkIndexed(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	at := time.Date(2026, 3, 2, 0, 10, 0, 0, time.UTC)
	mock.ExpectExec(`UPDATE enrichment SET stage = \$1, indexed_at = \$2`).
		WithArgs(string(model.StageIndexed), at, []string{"k1"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.MarkIndexed(context.Background(), []string{"k1"}, at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResetRecords_All(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE enrichment SET stage = \$1, text_hash = ''`).
		WithArgs(string(model.StageUnenriched)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 5))

	require.NoError(t, s.ResetRecords(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "ghost-run").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompleteRun(context.Background(), "ghost-run", &model.RunReport{
		RunID: "ghost-run", Status: model.RunStatusComplete,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_StageCounts(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT stage, COUNT\(\*\) FROM enrichment GROUP BY stage`).
		WillReturnRows(pgxmock.NewRows([]string{"stage", "count"}).
			AddRow("INDEXED", int64(40)).
			AddRow("UNENRICHED", int64(3)))

	counts, err := s.StageCounts(context.Background())
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, model.StageIndexed, counts[0].Stage)
	assert.Equal(t, 40, counts[0].Count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
