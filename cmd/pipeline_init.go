package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/watchvine/catalog-sync/internal/differ"
	"github.com/watchvine/catalog-sync/internal/enrich"
	"github.com/watchvine/catalog-sync/internal/index"
	"github.com/watchvine/catalog-sync/internal/pipeline"
	"github.com/watchvine/catalog-sync/internal/snapshot"
	"github.com/watchvine/catalog-sync/internal/store"
	anthropicpkg "github.com/watchvine/catalog-sync/pkg/anthropic"
	"github.com/watchvine/catalog-sync/pkg/gemini"
)

// pipelineEnv holds the initialized store, clients, index, and pipeline
// shared by the run/schedule/serve commands.
type pipelineEnv struct {
	Store    store.Store
	Source   *snapshot.HTTPSource
	Engine   *enrich.Engine
	Manager  *index.Manager
	Builder  *index.Builder
	Embedder gemini.Embedder
	Pipeline *pipeline.Pipeline
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "catalog.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initPipeline sets up the store, snapshot source, AI clients, the index
// manager, and the pipeline itself. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	source := snapshot.NewHTTPSource(snapshot.HTTPOptions{
		URL:            cfg.Snapshot.URL,
		Timeout:        time.Duration(cfg.Snapshot.TimeoutSecs) * time.Second,
		MaxRetries:     cfg.Snapshot.MaxRetries,
		RequestsPerSec: cfg.Snapshot.RequestsPerSec,
	})

	visionClient := anthropicpkg.NewClient(cfg.Anthropic.Key, anthropicpkg.Options{
		Model:     cfg.Anthropic.VisionModel,
		MaxTokens: int64(cfg.Anthropic.MaxTokens),
	})

	geminiOpts := []gemini.Option{
		gemini.WithModel(cfg.Gemini.EmbeddingModel),
		gemini.WithDimension(cfg.Index.Dimension),
	}
	if cfg.Gemini.BaseURL != "" {
		geminiOpts = append(geminiOpts, gemini.WithBaseURL(cfg.Gemini.BaseURL))
	}
	if cfg.Gemini.TimeoutSecs > 0 {
		geminiOpts = append(geminiOpts, gemini.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Gemini.TimeoutSecs) * time.Second,
		}))
	}
	embedder := gemini.NewClient(cfg.Gemini.Key, geminiOpts...)

	engine := enrich.NewEngine(st, visionClient, embedder, enrich.Config{
		Workers:        cfg.Enrich.Workers,
		AICallsPerSec:  cfg.Enrich.AICallsPerSec,
		AIBurst:        cfg.Enrich.AIBurst,
		MaxRetries:     cfg.Enrich.MaxRetries,
		VisionModel:    cfg.Anthropic.VisionModel,
		EmbeddingModel: cfg.Gemini.EmbeddingModel,
	})

	manager, err := index.NewManager(index.Config{
		Dir:              cfg.Index.Dir,
		Dimension:        cfg.Index.Dimension,
		KeepGenerations:  cfg.Index.KeepGenerations,
		HashMaxDistance:  cfg.Index.HashMaxDistance,
		HashNearDistance: cfg.Index.HashNearDistance,
	})
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init index manager")
	}
	if err := manager.Load(); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "load index")
	}

	builder := index.NewBuilder(st, source, manager)

	differCfg := differ.Config{
		RemovalMisses:    cfg.Differ.RemovalMisses,
		MinSnapshotRatio: cfg.Differ.MinSnapshotRatio,
	}

	p := pipeline.New(st, source, engine, builder, differCfg)

	return &pipelineEnv{
		Store:    st,
		Source:   source,
		Engine:   engine,
		Manager:  manager,
		Builder:  builder,
		Embedder: embedder,
		Pipeline: p,
	}, nil
}
