package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/collect"
	"github.com/sells-group/prospect-cli/internal/config"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/monitoring"
	"github.com/sells-group/prospect-cli/internal/pipeline"
	"github.com/sells-group/prospect-cli/internal/store"
)

const maxIntakeBytes = 8 << 20

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the signal intake and batch API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		cfg.Server.Port = port
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		env, err := initEngine(ctx, reg)
		if err != nil {
			return err
		}
		defer env.Close()
		reg.MustRegister(monitoring.NewStoreCollector(env.Store, 0))

		if _, err := config.Watch(func(next *config.Config) {
			if err := applyFlags(cmd, next); err != nil {
				zap.L().Warn("config reload: apply flags", zap.Error(err))
				return
			}
			if err := env.Engine.Reload(next); err != nil {
				zap.L().Warn("config reload rejected by engine", zap.Error(err))
			}
		}); err != nil {
			return eris.Wrap(err, "watch config")
		}

		go env.Checker.Run(ctx)

		api := &apiServer{
			engine:  env.Engine,
			batches: env.Store,
			checker: env.Checker,
			sources: func() ([]collect.Collector, error) {
				return collect.FromConfig(env.Engine.Config().Sources)
			},
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(api, reg, cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// apiServer holds the handlers of the HTTP API.
type apiServer struct {
	engine  *pipeline.Engine
	batches monitoring.BatchReader
	checker *monitoring.Checker
	sources func() ([]collect.Collector, error)
}

type batchRequest struct {
	AsOf    string `json:"as_of,omitempty"`
	N       int    `json:"n,omitempty"`
	Collect bool   `json:"collect,omitempty"`
}

// buildRouter mounts the API routes. reg may be nil, in which case
// /metrics serves the default registry.
func buildRouter(s *apiServer, reg *prometheus.Registry, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/signals", s.postSignals)
		r.Post("/batches", s.postBatch)
		r.Get("/batches", s.listBatches)
		r.Get("/batches/{id}", s.getBatch)
	})
	return r
}

func (s *apiServer) health(w http.ResponseWriter, _ *http.Request) {
	stats := s.engine.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"profiles": stats.Profiles,
	})
}

// postSignals accepts a JSON array of raw signals.
func (s *apiServer) postSignals(w http.ResponseWriter, r *http.Request) {
	var signals []model.RawSignal
	body := http.MaxBytesReader(w, r.Body, maxIntakeBytes)
	err := collect.DecodeJSON(r.Context(), body, func(sig model.RawSignal) {
		signals = append(signals, sig)
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	d, err := s.engine.Accept(r.Context(), signals)
	if err != nil {
		zap.L().Error("signal intake failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "intake failed")
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}

func (s *apiServer) postBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	asOf, err := parseAsOf(req.AsOf)
	if err != nil {
		writeError(w, http.StatusBadRequest, "as_of must be RFC3339 or YYYY-MM-DD")
		return
	}

	var sources []collect.Collector
	if req.Collect && s.sources != nil {
		if sources, err = s.sources(); err != nil {
			writeError(w, http.StatusInternalServerError, "invalid source config")
			return
		}
	}

	b, err := s.engine.RunBatch(r.Context(), sources, pipeline.BatchOptions{AsOf: asOf, N: req.N})
	if err != nil {
		zap.L().Error("batch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "batch failed")
		return
	}
	if s.checker != nil {
		s.checker.Check(r.Context(), b)
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *apiServer) listBatches(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	list, err := s.batches.ListBatches(r.Context(), limit)
	if err != nil {
		zap.L().Error("list batches failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list batches failed")
		return
	}
	if list == nil {
		list = []store.BatchSummary{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *apiServer) getBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.batches.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if store.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	if err != nil {
		zap.L().Error("get batch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get batch failed")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
