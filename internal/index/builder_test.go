package index

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchvine/catalog-sync/internal/model"
	"github.com/watchvine/catalog-sync/internal/store"
)

type fakeDownloader struct {
	data map[string][]byte // url -> image bytes
}

func (f *fakeDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	if data, ok := f.data[url]; ok {
		return data, nil
	}
	return nil, errors.New("download failed")
}

func newBuilderStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedEmbedded(t *testing.T, st store.Store, key, name, imageURL string, dim int) {
	t.Helper()
	ctx := context.Background()

	item := model.CatalogItem{
		Key:       key,
		URL:       "https://watchvine.example/products/" + key,
		Name:      name,
		Price:     "1200",
		Category:  "Watches",
		ScrapedAt: time.Now().UTC(),
	}
	if imageURL != "" {
		item.ImageURLs = []string{imageURL}
	}
	require.NoError(t, st.UpsertItems(ctx, []model.CatalogItem{item}))

	vec := make([]float32, dim)
	vec[0] = 2 // not normalized; the builder normalizes
	rec := &model.EnrichmentRecord{
		Key:            key,
		Stage:          model.StageEmbedded,
		Embedding:      vec,
		EmbeddingModel: "gemini-embedding-001",
	}
	rec.Attributes.Brand.Apply("Seiko", model.ProvenanceHeuristic)
	require.NoError(t, st.SaveRecord(ctx, rec))
}

func TestBuilder_Build(t *testing.T) {
	st := newBuilderStore(t)
	img := testImage(t, 100, 100, 0)
	seedEmbedded(t, st, "k1", "Seiko Diver", "https://cdn/k1.jpg", 8)
	seedEmbedded(t, st, "k2", "Citizen Chrono", "https://cdn/k2.jpg", 8)

	m := newTestManager(t, 8)
	downloader := &fakeDownloader{data: map[string][]byte{
		"https://cdn/k1.jpg": img,
		"https://cdn/k2.jpg": testImage(t, 100, 100, 90),
	}}
	b := NewBuilder(st, downloader, m)

	result, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Generation)
	assert.Equal(t, 2, result.Indexed)
	assert.Equal(t, 2, result.Hashed)
	assert.Zero(t, result.Degraded)

	gen := m.Published()
	require.NotNil(t, gen)
	assert.Len(t, gen.Vectors, 2)
	assert.Equal(t, "gemini-embedding-001", gen.Manifest.EmbeddingModel)

	// Vectors were normalized at build time.
	for _, v := range gen.Vectors {
		assert.InDelta(t, 1.0, dot(v.Vector, v.Vector), 1e-5)
	}

	// Records advanced to INDEXED.
	rec, err := st.GetRecord(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, model.StageIndexed, rec.Stage)
	assert.NotNil(t, rec.IndexedAt)
}

func TestBuilder_DegradesOnImageFailure(t *testing.T) {
	st := newBuilderStore(t)
	seedEmbedded(t, st, "k1", "Seiko Diver", "https://cdn/k1.jpg", 8)
	seedEmbedded(t, st, "k2", "Citizen Chrono", "https://cdn/broken.jpg", 8)

	m := newTestManager(t, 8)
	downloader := &fakeDownloader{data: map[string][]byte{
		"https://cdn/k1.jpg": testImage(t, 100, 100, 0),
	}}
	b := NewBuilder(st, downloader, m)

	result, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Indexed)
	assert.Equal(t, 1, result.Hashed)
	assert.Equal(t, 1, result.Degraded)

	// Both items searchable, only one hash present.
	gen := m.Published()
	assert.Len(t, gen.Vectors, 2)
	assert.Len(t, gen.Hashes, 1)
	assert.Equal(t, "k1", gen.Hashes[0].Key)
}

func TestBuilder_NothingToBuild(t *testing.T) {
	st := newBuilderStore(t)
	m := newTestManager(t, 8)
	b := NewBuilder(st, &fakeDownloader{}, m)

	result, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Indexed)
	assert.Zero(t, result.Generation)
	assert.Nil(t, m.Published())
}

func TestBuilder_SkipsRecordsBelowEmbedded(t *testing.T) {
	st := newBuilderStore(t)
	seedEmbedded(t, st, "k1", "Seiko Diver", "", 8)

	// k2 only reached vision.
	item := model.CatalogItem{
		Key: "k2", URL: "https://watchvine.example/products/k2",
		Name: "Citizen", Price: "900", ScrapedAt: time.Now().UTC(),
	}
	require.NoError(t, st.UpsertItems(context.Background(), []model.CatalogItem{item}))
	require.NoError(t, st.SaveRecord(context.Background(), &model.EnrichmentRecord{
		Key: "k2", Stage: model.StageVisionAnalyzed,
	}))

	m := newTestManager(t, 8)
	b := NewBuilder(st, nil, m)

	result, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Indexed)
	assert.Zero(t, result.Hashed)
	assert.Equal(t, "k1", m.Published().Vectors[0].Key)
}

func TestBuilder_SecondBuildBumpsGeneration(t *testing.T) {
	st := newBuilderStore(t)
	seedEmbedded(t, st, "k1", "Seiko Diver", "", 8)

	m := newTestManager(t, 8)
	b := NewBuilder(st, nil, m)

	result, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Generation)

	result, err = b.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Generation)
	assert.Equal(t, 2, m.Published().Manifest.Generation)
}
