package enrich

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/watchvine/catalog-sync/internal/model"
	"github.com/watchvine/catalog-sync/internal/resilience"
	"github.com/watchvine/catalog-sync/internal/store"
	"github.com/watchvine/catalog-sync/pkg/anthropic"
	"github.com/watchvine/catalog-sync/pkg/gemini"
)

// Config controls the enrichment engine.
type Config struct {
	Workers        int
	AICallsPerSec  float64
	AIBurst        int
	MaxRetries     int
	VisionModel    string
	EmbeddingModel string
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		AICallsPerSec:  1.0,
		AIBurst:        2,
		MaxRetries:     4,
		VisionModel:    "claude-sonnet-4-5-20250929",
		EmbeddingModel: "gemini-embedding-001",
	}
}

// Result summarizes one enrichment pass.
type Result struct {
	Processed int
	Enriched  int // items that advanced at least one stage
	Skipped   int // items already current, zero external calls
	Failed    int // items left behind by transient trouble
}

// Engine drives items through the enrichment stages. A single rate
// limiter gates every AI call across all workers, and each external
// service sits behind its own circuit breaker.
type Engine struct {
	store    store.Store
	vision   anthropic.VisionClient
	embedder gemini.Embedder
	cfg      Config

	limiter       *rate.Limiter
	visionBreaker *resilience.CircuitBreaker
	embedBreaker  *resilience.CircuitBreaker
	retryCfg      resilience.RetryConfig
}

// NewEngine creates an enrichment engine.
func NewEngine(st store.Store, vision anthropic.VisionClient, embedder gemini.Embedder, cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.AICallsPerSec <= 0 {
		cfg.AICallsPerSec = DefaultConfig().AICallsPerSec
	}
	if cfg.AIBurst <= 0 {
		cfg.AIBurst = DefaultConfig().AIBurst
	}

	retryCfg := resilience.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retryCfg.MaxAttempts = cfg.MaxRetries
	}

	visionCB := resilience.DefaultCircuitBreakerConfig()
	visionCB.OnStateChange = resilience.LogStateChanges("anthropic")
	embedCB := resilience.DefaultCircuitBreakerConfig()
	embedCB.OnStateChange = resilience.LogStateChanges("gemini")

	return &Engine{
		store:         st,
		vision:        vision,
		embedder:      embedder,
		cfg:           cfg,
		limiter:       rate.NewLimiter(rate.Limit(cfg.AICallsPerSec), cfg.AIBurst),
		visionBreaker: resilience.NewCircuitBreaker(visionCB),
		embedBreaker:  resilience.NewCircuitBreaker(embedCB),
		retryCfg:      retryCfg,
	}
}

// Run processes every catalog item through the stage machine. Items
// whose content hashes are current pass through without any external
// calls. Per-item failures are logged and counted, never fatal; only
// context cancellation aborts the pass.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	items, err := e.store.ListItems(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "enrich: list items")
	}

	result := &Result{}
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)

	for i := range items {
		item := &items[i]
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			outcome, err := e.processItem(gCtx, item)
			mu.Lock()
			defer mu.Unlock()
			result.Processed++
			switch {
			case err != nil:
				result.Failed++
				zap.L().Warn("enrich: item left behind",
					zap.String("key", item.Key),
					zap.String("name", item.Name),
					zap.Error(err),
				)
			case outcome == outcomeAdvanced:
				result.Enriched++
			default:
				result.Skipped++
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return result, eris.Wrap(err, "enrich: pass aborted")
	}

	zap.L().Info("enrich: pass complete",
		zap.Int("processed", result.Processed),
		zap.Int("enriched", result.Enriched),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

type itemOutcome int

const (
	outcomeSkipped itemOutcome = iota
	outcomeAdvanced
)

// processItem walks one item forward through text, vision, and embed.
// It persists after every stage it completes, so a failure partway
// keeps the progress already made.
func (e *Engine) processItem(ctx context.Context, item *model.CatalogItem) (itemOutcome, error) {
	rec, err := e.store.GetRecord(ctx, item.Key)
	if err != nil {
		return outcomeSkipped, eris.Wrap(err, "load record")
	}
	if rec == nil {
		rec = &model.EnrichmentRecord{Key: item.Key, Stage: model.StageUnenriched}
	}

	advanced := false

	if e.runText(item, rec) {
		advanced = true
		if err := e.save(ctx, rec); err != nil {
			return outcomeSkipped, err
		}
	}

	ran, err := e.runVision(ctx, item, rec)
	if ran {
		advanced = true
		if saveErr := e.save(ctx, rec); saveErr != nil {
			return outcomeSkipped, saveErr
		}
	}
	if err != nil {
		return outcomeSkipped, err
	}

	ran, err = e.runEmbed(ctx, item, rec)
	if ran {
		advanced = true
		if saveErr := e.save(ctx, rec); saveErr != nil {
			return outcomeSkipped, saveErr
		}
	}
	if err != nil {
		return outcomeSkipped, err
	}

	if advanced {
		return outcomeAdvanced, nil
	}
	return outcomeSkipped, nil
}

func (e *Engine) save(ctx context.Context, rec *model.EnrichmentRecord) error {
	now := time.Now().UTC()
	rec.EnhancedAt = &now
	if err := e.store.SaveRecord(ctx, rec); err != nil {
		return eris.Wrap(err, "save record")
	}
	return nil
}

// runText applies the name heuristics. No external calls, so it never
// fails; it reports whether anything changed.
func (e *Engine) runText(item *model.CatalogItem, rec *model.EnrichmentRecord) bool {
	hash := contentHash(item.Name, item.Category, priceBucketInput(item.Price))
	if rec.TextHash == hash && rec.Stage.AtLeast(model.StageTextExtracted) {
		return false
	}

	ExtractAttributes(item, &rec.Attributes)
	rec.TextHash = hash
	advanceStage(rec, model.StageTextExtracted)
	return true
}

// runVision analyzes the primary product image. A permanent failure
// (bad image, unparseable response) advances the item anyway so it is
// not retried forever; the heuristic attributes stand. Transient
// exhaustion leaves the item at TEXT_EXTRACTED for the next run.
func (e *Engine) runVision(ctx context.Context, item *model.CatalogItem, rec *model.EnrichmentRecord) (ran bool, err error) {
	imageURL := item.PrimaryImageURL()
	if imageURL == "" {
		// Nothing to analyze; the stage is trivially complete.
		if !rec.Stage.AtLeast(model.StageVisionAnalyzed) {
			advanceStage(rec, model.StageVisionAnalyzed)
			return true, nil
		}
		return false, nil
	}

	hash := contentHash(imageURL, item.Name, e.cfg.VisionModel)
	if rec.VisionHash == hash && rec.Stage.AtLeast(model.StageVisionAnalyzed) {
		return false, nil
	}

	analysis, err := e.callVision(ctx, imageURL, item.Name)
	if err != nil {
		if resilience.IsPermanent(err) {
			zap.L().Warn("enrich: vision rejected image, keeping heuristics",
				zap.String("key", item.Key),
				zap.String("image_url", imageURL),
				zap.Error(err),
			)
			rec.VisionHash = hash
			advanceStage(rec, model.StageVisionAnalyzed)
			return true, nil
		}
		return false, eris.Wrap(err, "vision")
	}

	applyVision(&rec.Attributes, analysis)
	rec.AIAnalysis = rawAnalysis(analysis, e.cfg.VisionModel)
	rec.VisionHash = hash
	advanceStage(rec, model.StageVisionAnalyzed)
	return true, nil
}

func (e *Engine) callVision(ctx context.Context, imageURL, name string) (*anthropic.WatchAnalysis, error) {
	return resilience.DoVal(ctx, e.retryCfg, func(ctx context.Context) (*anthropic.WatchAnalysis, error) {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return resilience.ExecuteVal(ctx, e.visionBreaker, func(ctx context.Context) (*anthropic.WatchAnalysis, error) {
			return e.vision.AnalyzeImage(ctx, anthropic.VisionRequest{
				ImageURL: imageURL,
				Name:     name,
			})
		})
	})
}

// runEmbed computes the search embedding over the enriched text.
func (e *Engine) runEmbed(ctx context.Context, item *model.CatalogItem, rec *model.EnrichmentRecord) (ran bool, err error) {
	text := rec.SearchText(item)
	hash := contentHash(text, e.cfg.EmbeddingModel)
	if rec.EmbedHash == hash && rec.Stage.AtLeast(model.StageEmbedded) {
		return false, nil
	}

	vec, err := resilience.DoVal(ctx, e.retryCfg, func(ctx context.Context) ([]float32, error) {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return resilience.ExecuteVal(ctx, e.embedBreaker, func(ctx context.Context) ([]float32, error) {
			return e.embedder.Embed(ctx, text)
		})
	})
	if err != nil {
		return false, eris.Wrap(err, "embed")
	}

	rec.Embedding = vec
	rec.EmbeddingModel = e.cfg.EmbeddingModel
	rec.EmbedHash = hash
	advanceStage(rec, model.StageEmbedded)
	return true, nil
}

// advanceStage moves the record forward, never backward.
func advanceStage(rec *model.EnrichmentRecord, stage model.Stage) {
	if !rec.Stage.AtLeast(stage) {
		rec.Stage = stage
	}
}

// applyVision merges the vision model's findings with vision
// provenance, so they take precedence over heuristic values on this
// and every later heuristic pass.
func applyVision(attrs *model.Attributes, a *anthropic.WatchAnalysis) {
	var colors []string
	if a.DialColor != "" {
		colors = append(colors, titleCaser.String(a.DialColor))
	}
	if a.StrapColor != "" {
		colors = append(colors, titleCaser.String(a.StrapColor))
	}
	attrs.Colors.Merge(colors, model.ProvenanceVision)

	var materials []string
	if a.CaseMaterial != "" {
		materials = append(materials, titleCaser.String(a.CaseMaterial))
	}
	if a.StrapMaterial != "" {
		materials = append(materials, titleCaser.String(a.StrapMaterial))
	}
	attrs.Materials.Merge(materials, model.ProvenanceVision)

	var styles []string
	for _, el := range a.DesignElements {
		if el != "" {
			styles = append(styles, titleCaser.String(el))
		}
	}
	attrs.Styles.Merge(styles, model.ProvenanceVision)

	attrs.WatchType.Apply(strings.ToLower(a.WatchType), model.ProvenanceVision)
	attrs.AICategory.Apply(strings.ToLower(a.WatchStyleCategory), model.ProvenanceVision)
	attrs.BeltType.Apply(beltTypeFromVision(a.StrapMaterial), model.ProvenanceVision)
	if a.IsAutomatic != nil {
		attrs.IsAutomatic.Apply(*a.IsAutomatic, model.ProvenanceVision)
	}
}

func rawAnalysis(a *anthropic.WatchAnalysis, visionModel string) *model.AIAnalysis {
	raw, err := json.Marshal(a)
	if err != nil {
		raw = nil
	}
	return &model.AIAnalysis{
		Raw:        raw,
		Model:      visionModel,
		Version:    "1",
		AnalyzedAt: time.Now().UTC(),
	}
}

// priceBucketInput feeds the text hash: a price move only re-runs the
// heuristics when it crosses a bucket boundary.
func priceBucketInput(price string) string {
	return PriceRange(ParsePrice(price))
}

func contentHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
