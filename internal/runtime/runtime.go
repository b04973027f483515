// Package runtime composes the cuelined process: embedded bus, event store,
// script, recognizer, capture, the sync engine and the HTTP control surface.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuelinelabs/cueline-core/internal/bus"
	"github.com/cuelinelabs/cueline-core/internal/capture"
	"github.com/cuelinelabs/cueline-core/internal/config"
	"github.com/cuelinelabs/cueline-core/internal/engine"
	"github.com/cuelinelabs/cueline-core/internal/eventstore"
	"github.com/cuelinelabs/cueline-core/internal/natsserver"
	"github.com/cuelinelabs/cueline-core/internal/script"
	"github.com/cuelinelabs/cueline-core/internal/stt"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	natsServer  *natsserver.EmbeddedServer
	busClient   *bus.Client
	store       *eventstore.Store
	engine      *engine.Engine
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the whole process up and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	r.natsServer, err = natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}

	r.busClient, err = bus.Connect(r.cfg.Bus, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		r.natsServer.Shutdown()
		return fmt.Errorf("failed to connect to bus: %w", err)
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		r.busClient.Close()
		r.natsServer.Shutdown()
		return fmt.Errorf("failed to open event store: %w", err)
	}

	doc, err := script.LoadFile(r.cfg.Script.Path)
	if err != nil {
		_ = r.store.Close()
		r.busClient.Close()
		r.natsServer.Shutdown()
		return fmt.Errorf("failed to load script: %w", err)
	}
	r.logger.Info("script loaded",
		slog.String("path", r.cfg.Script.Path),
		slog.Int("lines", len(doc.Lines)),
		slog.Int("anchors", len(doc.Anchors)))

	recognizer, err := stt.New(r.cfg.Recognizer, r.logger)
	if err != nil {
		_ = r.store.Close()
		r.busClient.Close()
		r.natsServer.Shutdown()
		return fmt.Errorf("failed to build recognizer: %w", err)
	}
	source := capture.NewSource(r.cfg.Capture)

	sink := multiSink{
		&busSink{client: r.busClient},
		newMetricsSink(r.logger),
	}
	r.engine = engine.New(r.cfg, doc, source, recognizer, r.store, sink, r.logger.With(slog.String("component", "engine")))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}
	mux.HandleFunc("POST /v1/session/start", r.handleSessionStart)
	mux.HandleFunc("POST /v1/session/stop", r.handleSessionStop)
	mux.HandleFunc("POST /v1/session/jump", r.handleSessionJump)
	mux.HandleFunc("POST /v1/session/reset-anchors", r.handleResetAnchors)
	mux.HandleFunc("PUT /v1/session/anchors", r.handleConfigureAnchors)
	mux.HandleFunc("GET /v1/session/status", r.handleSessionStatus)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := r.engine.Stop(shutdownCtx); err != nil && !errors.Is(err, engine.ErrNoSession) {
		r.logger.Error("engine shutdown error", slog.String("error", err.Error()))
	}
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if err := r.store.Close(); err != nil {
		r.logger.Error("event store shutdown error", slog.String("error", err.Error()))
	}
	r.busClient.Close()
	r.natsServer.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.busClient.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type startRequest struct {
	Label string `json:"label"`
}

func (r *Runtime) handleSessionStart(w http.ResponseWriter, req *http.Request) {
	var body startRequest
	if req.Body != nil {
		// An empty body starts an unlabeled session.
		_ = json.NewDecoder(req.Body).Decode(&body)
	}
	sessionID, err := r.engine.Start(req.Context(), body.Label)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID})
}

func (r *Runtime) handleSessionStop(w http.ResponseWriter, req *http.Request) {
	summary, err := r.engine.StopAndFinalize(req.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type jumpRequest struct {
	BlockID string `json:"block_id"`
}

func (r *Runtime) handleSessionJump(w http.ResponseWriter, req *http.Request) {
	var body jumpRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.BlockID == "" {
		http.Error(w, "block_id is required", http.StatusBadRequest)
		return
	}
	idx, err := r.engine.JumpToBlock(req.Context(), body.BlockID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"line_index": idx})
}

func (r *Runtime) handleResetAnchors(w http.ResponseWriter, _ *http.Request) {
	r.engine.ResetAnchorState()
	w.WriteHeader(http.StatusNoContent)
}

type anchorsRequest struct {
	Anchors []script.AnchorConfig `json:"anchors"`
}

func (r *Runtime) handleConfigureAnchors(w http.ResponseWriter, req *http.Request) {
	var body anchorsRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid anchor payload", http.StatusBadRequest)
		return
	}
	if err := r.engine.ConfigureAnchors(body.Anchors); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Runtime) handleSessionStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.engine.Status())
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrSessionActive), errors.Is(err, engine.ErrNoSession):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, engine.ErrPermissionDenied):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, engine.ErrRecognizerUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
