package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/watchvine/catalog-sync/internal/index"
	"github.com/watchvine/catalog-sync/internal/model"
	"github.com/watchvine/catalog-sync/internal/pipeline"
	"github.com/watchvine/catalog-sync/internal/store"
	"github.com/watchvine/catalog-sync/pkg/gemini"
)

var servePort int

// maxImageBody caps the request body for image lookups.
const maxImageBody = 20 << 20

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve search, image lookup, stats, and the sync webhook",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := verifyIndex(ctx, env.Store, env.Manager); err != nil {
			return err
		}

		mux := buildMux(ctx, env.Store, env.Embedder, env.Manager, env.Pipeline)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(context.Background())
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// verifyIndex checks the loaded generation against the store at boot.
// Serving an index whose entries reference vanished records would hand
// out dead product links, so that is a startup failure, not a warning.
func verifyIndex(ctx context.Context, st store.Store, manager *index.Manager) error {
	gen := manager.Published()
	if gen == nil {
		zap.L().Info("no index generation published yet")
		return nil
	}

	records, err := st.ListRecordsAtLeast(ctx, model.StageEmbedded)
	if err != nil {
		return eris.Wrap(err, "verify index")
	}
	known := make(map[string]bool, len(records))
	for _, r := range records {
		known[r.Key] = true
	}

	missing := 0
	for _, v := range gen.Vectors {
		if !known[v.Key] {
			zap.L().Warn("index entry references missing record", zap.String("key", v.Key))
			missing++
		}
	}
	if missing > 0 {
		return eris.Errorf("generation %d references %d missing records, reindex required", gen.Manifest.Generation, missing)
	}

	zap.L().Info("index verified against store",
		zap.Int("generation", gen.Manifest.Generation),
		zap.Int("vectors", len(gen.Vectors)),
	)
	return nil
}

// buildMux wires the HTTP routes. Dependencies may be nil in tests;
// handlers that need a missing one answer 503.
func buildMux(ctx context.Context, st store.Store, embedder gemini.Embedder, manager *index.Manager, p *pipeline.Pipeline) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		if st == nil {
			http.Error(w, `{"error":"store unavailable"}`, http.StatusServiceUnavailable)
			return
		}

		items, err := st.CountItems(r.Context())
		if err != nil {
			httpError(w, "stats", err)
			return
		}
		stages, err := st.StageCounts(r.Context())
		if err != nil {
			httpError(w, "stats", err)
			return
		}
		brands, err := st.BrandCounts(r.Context(), 20)
		if err != nil {
			httpError(w, "stats", err)
			return
		}

		resp := map[string]any{
			"items":  items,
			"stages": stages,
			"brands": brands,
		}
		if manager != nil {
			if gen := manager.Published(); gen != nil {
				resp["generation"] = gen.Manifest.Generation
				resp["indexed"] = gen.Manifest.VectorCount
			}
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("GET /search", func(w http.ResponseWriter, r *http.Request) {
		if embedder == nil || manager == nil {
			http.Error(w, `{"error":"search unavailable"}`, http.StatusServiceUnavailable)
			return
		}

		query := r.URL.Query().Get("q")
		if query == "" {
			http.Error(w, `{"error":"q is required"}`, http.StatusBadRequest)
			return
		}
		k := 10
		if raw := r.URL.Query().Get("k"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				http.Error(w, `{"error":"k must be a positive integer"}`, http.StatusBadRequest)
				return
			}
			k = parsed
		}

		vec, err := embedder.Embed(r.Context(), query)
		if err != nil {
			httpError(w, "embed query", err)
			return
		}
		results, err := manager.Search(vec, k)
		if err != nil {
			httpError(w, "search", err)
			return
		}
		if results == nil {
			results = []index.SearchResult{}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"query":   query,
			"results": results,
		})
	})

	mux.HandleFunc("POST /lookup/image", func(w http.ResponseWriter, r *http.Request) {
		if manager == nil {
			http.Error(w, `{"error":"lookup unavailable"}`, http.StatusServiceUnavailable)
			return
		}

		data, err := io.ReadAll(io.LimitReader(r.Body, maxImageBody))
		if err != nil {
			http.Error(w, `{"error":"read body"}`, http.StatusBadRequest)
			return
		}
		if len(data) == 0 {
			http.Error(w, `{"error":"image body is required"}`, http.StatusBadRequest)
			return
		}

		h, err := index.ComputeHash(data)
		if err != nil {
			http.Error(w, `{"error":"not a decodable image"}`, http.StatusUnprocessableEntity)
			return
		}

		match, err := manager.LookupHash(h)
		if err != nil {
			httpError(w, "lookup", err)
			return
		}
		if match == nil {
			writeJSON(w, http.StatusOK, map[string]any{"found": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"found": true,
			"match": match,
		})
	})

	mux.HandleFunc("POST /webhook/sync", func(w http.ResponseWriter, r *http.Request) {
		if p == nil {
			http.Error(w, `{"error":"pipeline unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		if p.Running() {
			http.Error(w, `{"error":"run already in progress"}`, http.StatusConflict)
			return
		}

		// Run the pipeline asynchronously; the webhook only triggers.
		go func() {
			report, err := p.Run(ctx)
			if errors.Is(err, pipeline.ErrRunInProgress) {
				zap.L().Warn("webhook run skipped, another run started first")
				return
			}
			if err != nil {
				zap.L().Error("webhook run failed", zap.Error(err))
			}
			if report != nil {
				zap.L().Info("webhook run finished",
					zap.String("run_id", report.RunID),
					zap.String("status", string(report.Status)),
				)
			}
		}()

		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func httpError(w http.ResponseWriter, op string, err error) {
	zap.L().Error("request failed", zap.String("op", op), zap.Error(err))
	http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
