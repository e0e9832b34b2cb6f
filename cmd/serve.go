package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/permit-leads/internal/config"
	"github.com/sells-group/permit-leads/internal/ingest"
	"github.com/sells-group/permit-leads/internal/model"
	"github.com/sells-group/permit-leads/internal/monitoring"
	"github.com/sells-group/permit-leads/internal/normalize"
	"github.com/sells-group/permit-leads/internal/pipeline"
	"github.com/sells-group/permit-leads/internal/resilience"
	"github.com/sells-group/permit-leads/internal/store"
)

// maxBatchBytes caps a POST /runs body.
const maxBatchBytes = 32 << 20

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for runs, audit and batch submission",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, config.ModeServe)
		if err != nil {
			return err
		}
		defer env.Close()

		if env.Alerter != nil {
			checker := monitoring.NewChecker(monitoring.NewCollector(env.Store), env.Alerter, cfg.Monitoring).
				WithQueueGauge(env.Metrics)
			go checker.Run(ctx)
		}

		handlers := newAPI(ctx, env.Store, env.Pipeline)
		router := handlers.routes(env.Metrics.Handler(), cfg.Server.CORSOrigins)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		handlers.Wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// batchRunner is the pipeline entry point used by POST /runs.
type batchRunner interface {
	Run(ctx context.Context, source string, raws []normalize.RawRecord, defaults normalize.Defaults) (*pipeline.Result, error)
}

// api serves run history, the audit log and the retry queue, and accepts
// batches for asynchronous processing.
type api struct {
	ctx    context.Context
	store  store.Store
	runner batchRunner
	log    *zap.Logger
	wg     sync.WaitGroup
}

func newAPI(ctx context.Context, st store.Store, runner batchRunner) *api {
	return &api{
		ctx:    ctx,
		store:  st,
		runner: runner,
		log:    zap.L().With(zap.String("component", "api")),
	}
}

// Wait blocks until every accepted batch has finished.
func (a *api) Wait() { a.wg.Wait() }

func (a *api) routes(metricsHandler http.Handler, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", a.health)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", a.listRuns)
		r.Post("/", a.submitBatch)
		r.Get("/{id}", a.getRun)
		r.Get("/{id}/audit", a.listAudit)
	})
	r.Get("/retries", a.listRetries)
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}
	return r
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runs, err := a.store.ListRuns(r.Context(), store.RunFilter{
		Status: model.RunStatus(q.Get("status")),
		Source: q.Get("source"),
		Limit:  queryInt(q.Get("limit"), 50),
		Offset: queryInt(q.Get("offset"), 0),
	})
	if err != nil {
		a.serverError(w, "list runs", err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *api) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		a.serverError(w, "get run", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *api) listAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := a.store.ListAudit(r.Context(), store.AuditFilter{
		RunID:    chi.URLParam(r, "id"),
		PermitID: q.Get("permit"),
		Decision: model.Decision(q.Get("decision")),
		Limit:    queryInt(q.Get("limit"), 500),
		Offset:   queryInt(q.Get("offset"), 0),
	})
	if err != nil {
		a.serverError(w, "list audit", err)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *api) listRetries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := resilience.RetryFilter{
		Exhausted: q.Get("exhausted") == "true",
		Limit:     queryInt(q.Get("limit"), 100),
	}
	if q.Get("due") == "true" {
		filter.DueBefore = time.Now()
	}
	entries, err := a.store.ListRetries(r.Context(), filter)
	if err != nil {
		a.serverError(w, "list retries", err)
		return
	}
	if entries == nil {
		entries = []resilience.RetryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// submitBatch accepts a JSON array of raw records and runs it in the
// background. Query parameters city and kind set record defaults.
func (a *api) submitBatch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := model.SourcePortal
	if k := q.Get("kind"); k != "" {
		parsed, ok := model.ParseSourceKind(k)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown source kind "+k)
			return
		}
		kind = parsed
	}

	raws, err := ingest.ReadJSON(r.Context(), http.MaxBytesReader(w, r.Body, maxBatchBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(raws) == 0 {
		writeError(w, http.StatusBadRequest, "no records")
		return
	}

	source := q.Get("source")
	if source == "" {
		source = "api"
	}
	defaults := normalize.Defaults{SourceCity: q.Get("city"), SourceKind: kind}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if a.runner == nil {
			return
		}
		result, err := a.runner.Run(a.ctx, source, raws, defaults)
		if err != nil {
			a.log.Error("batch run failed", zap.String("source", source), zap.Error(err))
			return
		}
		a.log.Info("batch run complete",
			zap.String("run_id", result.RunID),
			zap.String("status", string(result.Status)),
			zap.Int("scored", result.Stats.Scored),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "accepted",
		"source":  source,
		"records": len(raws),
	})
}

func (a *api) serverError(w http.ResponseWriter, action string, err error) {
	a.log.Error("api: "+action+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, action+" failed")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
