package index

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, dim int) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.Dimension = dim
	m, err := NewManager(cfg)
	require.NoError(t, err)
	return m
}

// unitVec returns a dim-dimensional unit vector pointing along axis.
func unitVec(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis] = 1
	return v
}

// blend mixes two unit axes so the cosine against axis a is weight a.
func blend(dim int, a, b int, wa, wb float32) []float32 {
	v := make([]float32, dim)
	v[a] = wa
	v[b] = wb
	return normalize(v)
}

func testGeneration(n, dim int) *Generation {
	vectors := []VectorEntry{
		{Key: "k1", Name: "Seiko Diver", URL: "https://shop/k1", Brand: "Seiko", Vector: unitVec(dim, 0)},
		{Key: "k2", Name: "Citizen Chrono", URL: "https://shop/k2", Brand: "Citizen", Vector: unitVec(dim, 1)},
	}
	hashes := []HashEntry{
		{Key: "k1", Hash: Hash{1, 2, 3, 4}.String()},
	}
	return &Generation{
		Manifest: Manifest{
			Generation:  n,
			BuiltAt:     time.Now().UTC(),
			Dimension:   dim,
			VectorCount: len(vectors),
			HashCount:   len(hashes),
		},
		Vectors: vectors,
		Hashes:  hashes,
	}
}

func TestManager_PublishAndLoad(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.Dimension = 4
	m, err := NewManager(cfg)
	require.NoError(t, err)

	require.NoError(t, m.Publish(testGeneration(1, 4)))

	// A fresh manager over the same dir loads the published state.
	m2, err := NewManager(cfg)
	require.NoError(t, err)
	require.NoError(t, m2.Load())
	gen := m2.Published()
	require.NotNil(t, gen)
	assert.Equal(t, 1, gen.Manifest.Generation)
	assert.Len(t, gen.Vectors, 2)
	assert.Len(t, gen.Hashes, 1)
}

func TestManager_LoadWithoutPublish(t *testing.T) {
	m := newTestManager(t, 4)
	require.NoError(t, m.Load())
	assert.Nil(t, m.Published())
}

func TestManager_NextGenerationMonotonic(t *testing.T) {
	m := newTestManager(t, 4)

	n, err := m.NextGeneration()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, m.Publish(testGeneration(n, 4)))

	n, err = m.NextGeneration()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestManager_FailedValidationLeavesCurrent(t *testing.T) {
	m := newTestManager(t, 4)
	require.NoError(t, m.Publish(testGeneration(1, 4)))

	bad := testGeneration(2, 4)
	bad.Vectors[0].Vector = unitVec(3, 0) // wrong dimension

	err := m.Publish(bad)
	require.Error(t, err)

	gen := m.Published()
	require.NotNil(t, gen)
	assert.Equal(t, 1, gen.Manifest.Generation)

	name, err := m.readCurrent()
	require.NoError(t, err)
	assert.Equal(t, "gen-1", name)
}

func TestManager_ValidateRejects(t *testing.T) {
	m := newTestManager(t, 4)

	assert.Error(t, m.Publish(nil))
	assert.Error(t, m.Publish(&Generation{}))

	dupKeys := testGeneration(1, 4)
	dupKeys.Vectors[1].Key = "k1"
	assert.Error(t, m.Publish(dupKeys))

	badCounts := testGeneration(1, 4)
	badCounts.Manifest.VectorCount = 99
	assert.Error(t, m.Publish(badCounts))

	orphanHash := testGeneration(1, 4)
	orphanHash.Hashes[0].Key = "nope"
	assert.Error(t, m.Publish(orphanHash))
}

func TestManager_PruneKeepsRecentGenerations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.Dimension = 4
	cfg.KeepGenerations = 2
	m, err := NewManager(cfg)
	require.NoError(t, err)

	for n := 1; n <= 4; n++ {
		require.NoError(t, m.Publish(testGeneration(n, 4)))
	}

	entries, err := os.ReadDir(cfg.Dir)
	require.NoError(t, err)
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	assert.ElementsMatch(t, []string{"gen-3", "gen-4"}, dirs)
	assert.Equal(t, 4, m.Published().Manifest.Generation)
}

func TestManager_Search(t *testing.T) {
	m := newTestManager(t, 4)
	require.NoError(t, m.Publish(testGeneration(1, 4)))

	// Exactly along k1's axis: perfect match, high confidence.
	results, err := m.Search(unitVec(4, 0), 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "k1", results[0].Key)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	assert.Equal(t, "high", results[0].Confidence)

	// Mostly k1 with some k2: k1 medium-band, k2 below the floor.
	results, err = m.Search(blend(4, 0, 1, 0.78, 0.60), 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "k1", results[0].Key)
	assert.Equal(t, "medium", results[0].Confidence)

	// Orthogonal to everything: nothing clears the low band.
	results, err = m.Search(unitVec(4, 3), 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestManager_SearchErrors(t *testing.T) {
	m := newTestManager(t, 4)

	_, err := m.Search(unitVec(4, 0), 10)
	assert.Error(t, err) // nothing published

	require.NoError(t, m.Publish(testGeneration(1, 4)))
	_, err = m.Search(unitVec(3, 0), 10)
	assert.Error(t, err) // wrong dimension
}

func TestManager_SearchTopK(t *testing.T) {
	m := newTestManager(t, 4)
	gen := testGeneration(1, 4)
	gen.Vectors[1].Vector = blend(4, 0, 1, 0.9, 0.44)
	require.NoError(t, m.Publish(gen))

	results, err := m.Search(unitVec(4, 0), 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "k1", results[0].Key)
}

func TestManager_LookupHash(t *testing.T) {
	m := newTestManager(t, 4)
	require.NoError(t, m.Publish(testGeneration(1, 4)))

	stored := Hash{1, 2, 3, 4}

	// Identical: exact at distance 0.
	match, err := m.LookupHash(stored)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "k1", match.Key)
	assert.Equal(t, "Seiko Diver", match.Name)
	assert.Zero(t, match.Distance)
	assert.Equal(t, "exact", match.Match)

	// 7 bits flipped: past exact (5), inside near (10).
	near := stored
	near[0] ^= 0x7f
	match, err = m.LookupHash(near)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, 7, match.Distance)
	assert.Equal(t, "near", match.Match)

	// Far away: no match.
	far := Hash{^uint64(0), ^uint64(0), 0, 0}
	match, err = m.LookupHash(far)
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestManager_CurrentPointerFormat(t *testing.T) {
	m := newTestManager(t, 4)
	require.NoError(t, m.Publish(testGeneration(1, 4)))

	raw, err := os.ReadFile(filepath.Join(m.cfg.Dir, currentFile))
	require.NoError(t, err)
	assert.Equal(t, "gen-1\n", string(raw))
}
