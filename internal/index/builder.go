package index

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/watchvine/catalog-sync/internal/model"
	"github.com/watchvine/catalog-sync/internal/store"
)

// hashWorkers bounds concurrent image downloads during a build.
const hashWorkers = 4

// Downloader fetches image bytes for perceptual hashing. The snapshot
// HTTP source satisfies this with its shared rate limiter.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// BuildResult summarizes one index build.
type BuildResult struct {
	Generation int
	Indexed    int
	Hashed     int
	// Degraded counts items published vector-only because their
	// image could not be fetched or hashed.
	Degraded int
}

// Builder assembles a new generation from every record at EMBEDDED or
// beyond and publishes it through the manager.
type Builder struct {
	store   store.Store
	images  Downloader
	manager *Manager
}

// NewBuilder creates an index builder. images may be nil, in which
// case every entry is published vector-only.
func NewBuilder(st store.Store, images Downloader, manager *Manager) *Builder {
	return &Builder{store: st, images: images, manager: manager}
}

// Build assembles, publishes, and marks a new generation. If no
// record is ready to index, the current generation stays published
// and Build reports zero without error.
func (b *Builder) Build(ctx context.Context) (*BuildResult, error) {
	gen, result, err := b.Assemble(ctx)
	if err != nil {
		return nil, err
	}
	if gen == nil {
		return result, nil
	}
	if err := b.Publish(ctx, gen); err != nil {
		return nil, err
	}
	return result, nil
}

// Assemble builds a new generation in memory without publishing it.
// Returns a nil generation when no record is ready to index.
func (b *Builder) Assemble(ctx context.Context) (*Generation, *BuildResult, error) {
	records, err := b.store.ListRecordsAtLeast(ctx, model.StageEmbedded)
	if err != nil {
		return nil, nil, eris.Wrap(err, "index: list records")
	}
	if len(records) == 0 {
		zap.L().Info("index: nothing to build")
		return nil, &BuildResult{}, nil
	}

	items, err := b.store.ListItems(ctx)
	if err != nil {
		return nil, nil, eris.Wrap(err, "index: list items")
	}
	byKey := make(map[string]*model.CatalogItem, len(items))
	for i := range items {
		byKey[items[i].Key] = &items[i]
	}

	genNum, err := b.manager.NextGeneration()
	if err != nil {
		return nil, nil, err
	}

	gen := &Generation{
		Manifest: Manifest{
			Generation: genNum,
			BuiltAt:    time.Now().UTC(),
			Dimension:  b.manager.cfg.Dimension,
		},
	}
	result := &BuildResult{Generation: genNum}

	type hashJob struct {
		key string
		url string
	}
	var jobs []hashJob

	for i := range records {
		rec := &records[i]
		item, ok := byKey[rec.Key]
		if !ok {
			// Record orphaned by a concurrent delete; skip it.
			continue
		}
		if len(rec.Embedding) != b.manager.cfg.Dimension {
			zap.L().Warn("index: skipping record with bad embedding",
				zap.String("key", rec.Key),
				zap.Int("dims", len(rec.Embedding)),
			)
			continue
		}
		gen.Vectors = append(gen.Vectors, VectorEntry{
			Key:    rec.Key,
			Name:   item.Name,
			URL:    item.URL,
			Brand:  rec.Attributes.Brand.Value,
			Vector: normalize(rec.Embedding),
		})
		gen.Manifest.EmbeddingModel = rec.EmbeddingModel
		if url := item.PrimaryImageURL(); url != "" && b.images != nil {
			jobs = append(jobs, hashJob{key: rec.Key, url: url})
		}
	}

	if len(gen.Vectors) == 0 {
		zap.L().Info("index: nothing to build")
		return nil, &BuildResult{}, nil
	}

	// Hash the product images. A failed download or undecodable image
	// degrades that item to vector-only search, never fails the build.
	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(hashWorkers)
	for _, job := range jobs {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			data, err := b.images.Download(gCtx, job.url)
			if err == nil {
				var h Hash
				h, err = ComputeHash(data)
				if err == nil {
					mu.Lock()
					gen.Hashes = append(gen.Hashes, HashEntry{Key: job.key, Hash: h.String()})
					mu.Unlock()
					return nil
				}
			}
			zap.L().Warn("index: image hash degraded to vector-only",
				zap.String("key", job.key),
				zap.String("url", job.url),
				zap.Error(err),
			)
			mu.Lock()
			result.Degraded++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, eris.Wrap(err, "index: hash images")
	}

	gen.Manifest.VectorCount = len(gen.Vectors)
	gen.Manifest.HashCount = len(gen.Hashes)
	result.Indexed = len(gen.Vectors)
	result.Hashed = len(gen.Hashes)
	return gen, result, nil
}

// Publish atomically publishes an assembled generation and advances
// its records to INDEXED. A validation or write failure leaves the
// previous generation serving and the records unmarked.
func (b *Builder) Publish(ctx context.Context, gen *Generation) error {
	if err := b.manager.Publish(gen); err != nil {
		return err
	}

	keys := make([]string, len(gen.Vectors))
	for i, v := range gen.Vectors {
		keys[i] = v.Key
	}
	if err := b.store.MarkIndexed(ctx, keys, gen.Manifest.BuiltAt); err != nil {
		return eris.Wrap(err, "index: mark indexed")
	}
	return nil
}
