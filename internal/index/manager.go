package index

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	currentFile  = "CURRENT"
	vectorsFile  = "vectors.json"
	hashesFile   = "hashes.json"
	manifestFile = "manifest.json"
	genPrefix    = "gen-"
)

// Confidence bands for vector similarity, calibrated against the
// production catalog.
const (
	ConfidenceHigh   = 0.82
	ConfidenceMedium = 0.72
	ConfidenceLow    = 0.62
)

// Config controls the index manager.
type Config struct {
	Dir             string
	Dimension       int
	KeepGenerations int
	// Hash lookup bands: Hamming distance <= HashMaxDistance is an
	// exact match, <= HashNearDistance a near match.
	HashMaxDistance  int
	HashNearDistance int
}

// DefaultConfig returns the manager defaults.
func DefaultConfig() Config {
	return Config{
		Dir:              "index",
		Dimension:        768,
		KeepGenerations:  2,
		HashMaxDistance:  5,
		HashNearDistance: 10,
	}
}

// VectorEntry is one indexed item in vectors.json.
type VectorEntry struct {
	Key    string    `json:"key"`
	Name   string    `json:"name"`
	URL    string    `json:"url"`
	Brand  string    `json:"brand,omitempty"`
	Vector []float32 `json:"vector"`
}

// HashEntry is one perceptual hash in hashes.json.
type HashEntry struct {
	Key  string `json:"key"`
	Hash string `json:"hash"`
}

// Manifest describes a generation.
type Manifest struct {
	Generation     int       `json:"generation"`
	BuiltAt        time.Time `json:"built_at"`
	Dimension      int       `json:"dimension"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`
	VectorCount    int       `json:"vector_count"`
	HashCount      int       `json:"hash_count"`
}

// Generation is one immutable published index.
type Generation struct {
	Manifest Manifest
	Vectors  []VectorEntry
	Hashes   []HashEntry

	parsed []Hash // parallel to Hashes
}

// Manager owns the index directory: it publishes new generations
// atomically and serves queries from the one CURRENT points at.
type Manager struct {
	cfg Config

	mu      sync.RWMutex
	current *Generation
}

// NewManager creates a manager over cfg.Dir, creating it if needed.
func NewManager(cfg Config) (*Manager, error) {
	def := DefaultConfig()
	if cfg.Dir == "" {
		cfg.Dir = def.Dir
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = def.Dimension
	}
	if cfg.KeepGenerations <= 0 {
		cfg.KeepGenerations = def.KeepGenerations
	}
	if cfg.HashMaxDistance <= 0 {
		cfg.HashMaxDistance = def.HashMaxDistance
	}
	if cfg.HashNearDistance <= 0 {
		cfg.HashNearDistance = def.HashNearDistance
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "index: create dir")
	}
	return &Manager{cfg: cfg}, nil
}

// Load reads the generation CURRENT points at into memory. A missing
// CURRENT means nothing has been published yet and is not an error.
func (m *Manager) Load() error {
	name, err := m.readCurrent()
	if err != nil {
		return err
	}
	if name == "" {
		return nil
	}

	gen, err := m.readGeneration(filepath.Join(m.cfg.Dir, name))
	if err != nil {
		return eris.Wrapf(err, "index: load generation %s", name)
	}

	m.mu.Lock()
	m.current = gen
	m.mu.Unlock()

	zap.L().Info("index: loaded generation",
		zap.Int("generation", gen.Manifest.Generation),
		zap.Int("vectors", len(gen.Vectors)),
		zap.Int("hashes", len(gen.Hashes)),
	)
	return nil
}

// Published returns the in-memory current generation, or nil if no
// generation has been published or loaded.
func (m *Manager) Published() *Generation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// NextGeneration returns the number the next published generation
// will get: one past the highest gen-<n> directory present.
func (m *Manager) NextGeneration() (int, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return 0, eris.Wrap(err, "index: read dir")
	}
	maxGen := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), genPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), genPrefix))
		if err != nil || n <= 0 {
			continue
		}
		if n > maxGen {
			maxGen = n
		}
	}
	return maxGen + 1, nil
}

// Publish validates a generation, writes it to its own gen-<n>
// directory, atomically repoints CURRENT at it, swaps it into memory,
// and prunes old generations. A generation that fails validation is
// never published; the previous CURRENT keeps serving.
func (m *Manager) Publish(gen *Generation) error {
	if err := m.validate(gen); err != nil {
		return eris.Wrap(err, "index: validate generation")
	}

	dirName := fmt.Sprintf("%s%d", genPrefix, gen.Manifest.Generation)
	genDir := filepath.Join(m.cfg.Dir, dirName)
	if err := os.MkdirAll(genDir, 0o755); err != nil {
		return eris.Wrap(err, "index: create generation dir")
	}

	if err := writeJSON(filepath.Join(genDir, vectorsFile), gen.Vectors); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(genDir, hashesFile), gen.Hashes); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(genDir, manifestFile), gen.Manifest); err != nil {
		return err
	}

	// Repoint CURRENT via temp file + rename so readers never see a
	// partial pointer.
	tmp := filepath.Join(m.cfg.Dir, currentFile+".tmp")
	if err := os.WriteFile(tmp, []byte(dirName+"\n"), 0o644); err != nil {
		return eris.Wrap(err, "index: write current pointer")
	}
	if err := os.Rename(tmp, filepath.Join(m.cfg.Dir, currentFile)); err != nil {
		return eris.Wrap(err, "index: swap current pointer")
	}

	if gen.parsed == nil {
		gen.parsed = parseHashes(gen.Hashes)
	}

	m.mu.Lock()
	m.current = gen
	m.mu.Unlock()

	zap.L().Info("index: published generation",
		zap.Int("generation", gen.Manifest.Generation),
		zap.Int("vectors", len(gen.Vectors)),
		zap.Int("hashes", len(gen.Hashes)),
	)

	m.prune()
	return nil
}

func (m *Manager) validate(gen *Generation) error {
	if gen == nil || len(gen.Vectors) == 0 {
		return eris.New("empty generation")
	}
	if gen.Manifest.Generation <= 0 {
		return eris.New("generation number not set")
	}
	if gen.Manifest.Dimension != m.cfg.Dimension {
		return eris.Errorf("manifest dimension %d, want %d", gen.Manifest.Dimension, m.cfg.Dimension)
	}
	if gen.Manifest.VectorCount != len(gen.Vectors) || gen.Manifest.HashCount != len(gen.Hashes) {
		return eris.New("manifest counts disagree with payload")
	}
	seen := make(map[string]bool, len(gen.Vectors))
	for _, v := range gen.Vectors {
		if v.Key == "" {
			return eris.New("entry with empty key")
		}
		if seen[v.Key] {
			return eris.Errorf("duplicate key %s", v.Key)
		}
		seen[v.Key] = true
		if len(v.Vector) != m.cfg.Dimension {
			return eris.Errorf("entry %s has %d dims, want %d", v.Key, len(v.Vector), m.cfg.Dimension)
		}
	}
	for _, h := range gen.Hashes {
		if !seen[h.Key] {
			return eris.Errorf("hash for unknown key %s", h.Key)
		}
		if _, err := ParseHash(h.Hash); err != nil {
			return eris.Wrapf(err, "hash for key %s", h.Key)
		}
	}
	return nil
}

// prune removes generation directories beyond KeepGenerations, never
// touching the one CURRENT points at.
func (m *Manager) prune() {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		zap.L().Warn("index: prune read dir", zap.Error(err))
		return
	}
	currentName, _ := m.readCurrent()

	var gens []int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), genPrefix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), genPrefix)); err == nil {
			gens = append(gens, n)
		}
	}
	if len(gens) <= m.cfg.KeepGenerations {
		return
	}
	sort.Sort(sort.Reverse(sort.IntSlice(gens)))
	for _, n := range gens[m.cfg.KeepGenerations:] {
		name := fmt.Sprintf("%s%d", genPrefix, n)
		if name == currentName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.cfg.Dir, name)); err != nil {
			zap.L().Warn("index: prune generation", zap.String("dir", name), zap.Error(err))
			continue
		}
		zap.L().Debug("index: pruned generation", zap.String("dir", name))
	}
}

func (m *Manager) readCurrent() (string, error) {
	raw, err := os.ReadFile(filepath.Join(m.cfg.Dir, currentFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrap(err, "index: read current pointer")
	}
	return strings.TrimSpace(string(raw)), nil
}

func (m *Manager) readGeneration(dir string) (*Generation, error) {
	var gen Generation
	if err := readJSON(filepath.Join(dir, manifestFile), &gen.Manifest); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, vectorsFile), &gen.Vectors); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, hashesFile), &gen.Hashes); err != nil {
		return nil, err
	}
	if err := m.validate(&gen); err != nil {
		return nil, err
	}
	gen.parsed = parseHashes(gen.Hashes)
	return &gen, nil
}

func parseHashes(entries []HashEntry) []Hash {
	parsed := make([]Hash, len(entries))
	for i, e := range entries {
		h, err := ParseHash(e.Hash)
		if err != nil {
			continue
		}
		parsed[i] = h
	}
	return parsed
}

// SearchResult is one vector similarity match.
type SearchResult struct {
	Key        string  `json:"key"`
	Name       string  `json:"name"`
	URL        string  `json:"url"`
	Brand      string  `json:"brand,omitempty"`
	Score      float64 `json:"score"`
	Confidence string  `json:"confidence"`
}

// Search returns the top-k entries by cosine similarity to the query
// vector, dropping everything below the low confidence band. Vectors
// are stored normalized, so the inner product is the cosine.
func (m *Manager) Search(query []float32, k int) ([]SearchResult, error) {
	gen := m.Published()
	if gen == nil {
		return nil, eris.New("index: no generation published")
	}
	if len(query) != m.cfg.Dimension {
		return nil, eris.Errorf("index: query has %d dims, want %d", len(query), m.cfg.Dimension)
	}
	if k <= 0 {
		k = 10
	}

	q := normalize(query)

	results := make([]SearchResult, 0, len(gen.Vectors))
	for _, v := range gen.Vectors {
		score := dot(q, v.Vector)
		if score < ConfidenceLow {
			continue
		}
		results = append(results, SearchResult{
			Key:        v.Key,
			Name:       v.Name,
			URL:        v.URL,
			Brand:      v.Brand,
			Score:      score,
			Confidence: confidenceBand(score),
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func confidenceBand(score float64) string {
	switch {
	case score >= ConfidenceHigh:
		return "high"
	case score >= ConfidenceMedium:
		return "medium"
	default:
		return "low"
	}
}

// HashMatch is the result of a perceptual hash lookup.
type HashMatch struct {
	Key      string `json:"key"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	Distance int    `json:"distance"`
	// Match is "exact" or "near".
	Match string `json:"match"`
}

// LookupHash finds the stored image closest to h. Returns nil when
// nothing is within the near band.
func (m *Manager) LookupHash(h Hash) (*HashMatch, error) {
	gen := m.Published()
	if gen == nil {
		return nil, eris.New("index: no generation published")
	}

	best := -1
	bestDist := math.MaxInt
	for i := range gen.parsed {
		if gen.Hashes[i].Hash == "" {
			continue
		}
		d := h.Distance(gen.parsed[i])
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	if best < 0 || bestDist > m.cfg.HashNearDistance {
		return nil, nil
	}

	match := &HashMatch{
		Key:      gen.Hashes[best].Key,
		Distance: bestDist,
		Match:    "near",
	}
	if bestDist <= m.cfg.HashMaxDistance {
		match.Match = "exact"
	}
	for _, v := range gen.Vectors {
		if v.Key == match.Key {
			match.Name = v.Name
			match.URL = v.URL
			break
		}
	}
	return match, nil
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) * inv)
	}
	return out
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func writeJSON(path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "index: marshal %s", filepath.Base(path))
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return eris.Wrapf(err, "index: write %s", filepath.Base(path))
	}
	return nil
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "index: read %s", filepath.Base(path))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return eris.Wrapf(err, "index: decode %s", filepath.Base(path))
	}
	return nil
}
