// Package server exposes the gateway over a small HTTP surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/coalesce-ai/coalesce/pkg/config"
	"github.com/coalesce-ai/coalesce/pkg/dispatch"
	"github.com/coalesce-ai/coalesce/pkg/gateway"
	"github.com/coalesce-ai/coalesce/pkg/models"
	"github.com/coalesce-ai/coalesce/pkg/registry"
)

// Server is the coalesce HTTP server.
type Server struct {
	cfg      *config.Config
	gw       *gateway.Gateway
	registry registry.Registry
	mux      *http.ServeMux
}

// New creates a Server wired with all dependencies.
func New(cfg *config.Config, gw *gateway.Gateway, reg registry.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		gw:       gw,
		registry: reg,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("/v1/invoke", s.handleInvoke)
	s.mux.HandleFunc("/v1/batch", s.handleBatch)
	s.mux.HandleFunc("/v1/cache/stats", s.handleCacheStats)
	s.mux.HandleFunc("/v1/cache/clear", s.handleCacheClear)
	s.mux.HandleFunc("/v1/models", s.handleModels)
	s.mux.HandleFunc("/v1/models/", s.handleModelByName)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("coalesce listening on %s", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

// ttlFor maps a request's optional ttl_seconds onto a duration: absent means
// the configured default, zero disables caching for the call.
func (s *Server) ttlFor(ttlSeconds *int) time.Duration {
	if ttlSeconds == nil {
		return s.cfg.Cache.DefaultTTL
	}
	return time.Duration(*ttlSeconds) * time.Second
}

// rawResult wraps an upstream payload so it always embeds as valid JSON.
func rawResult(b []byte) json.RawMessage {
	if json.Valid(b) {
		return b
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

func statusFor(err error) int {
	var upErr *dispatch.UpstreamError
	switch {
	case errors.Is(err, registry.ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, dispatch.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, dispatch.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.As(err, &upErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req models.InvokeRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Model == "" || req.Input == "" {
		writeJSONError(w, http.StatusBadRequest, "model and input are required")
		return
	}

	result, cached, err := s.gw.Invoke(r.Context(), req.Model, req.Input, req.Args, s.ttlFor(req.TTLSeconds))
	if err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}

	if cached {
		w.Header().Set("X-Coalesce-Cache", "hit")
	} else {
		w.Header().Set("X-Coalesce-Cache", "miss")
	}
	writeJSON(w, http.StatusOK, models.InvokeResponse{
		Model:  req.Model,
		Result: rawResult(result),
		Cached: cached,
	})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req models.BatchInvokeRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Model == "" || len(req.Inputs) == 0 {
		writeJSONError(w, http.StatusBadRequest, "model and inputs are required")
		return
	}

	results := s.gw.BatchInvoke(r.Context(), req.Model, req.Inputs, req.Args, s.ttlFor(req.TTLSeconds))

	resp := models.BatchInvokeResponse{
		Model:   req.Model,
		Results: make([]models.BatchItemResponse, len(results)),
	}
	for i, res := range results {
		if res.Err != nil {
			resp.Results[i] = models.BatchItemResponse{Error: res.Err.Error()}
			continue
		}
		resp.Results[i] = models.BatchItemResponse{Result: rawResult(res.Payload)}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats, err := s.gw.CacheStats(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req models.ClearRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	deleted, err := s.gw.ClearCache(r.Context(), req.All)
	if err != nil {
		if errors.Is(err, gateway.ErrCacheDisabled) {
			writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, models.ClearResponse{Deleted: deleted})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.registry.List(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if list == nil {
			list = []models.ModelConfig{}
		}
		writeJSON(w, http.StatusOK, list)

	case http.MethodPost:
		var cfg models.ModelConfig
		if err := decodeBody(r, &cfg); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := s.registry.Register(r.Context(), cfg); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, cfg)

	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleModelByName(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/v1/models/")
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "model name required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		cfg, err := s.registry.Resolve(r.Context(), name)
		if err != nil {
			if errors.Is(err, registry.ErrModelNotFound) {
				writeJSONError(w, http.StatusNotFound, err.Error())
				return
			}
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, cfg)

	case http.MethodDelete:
		if err := s.registry.Delete(r.Context(), name); err != nil {
			if errors.Is(err, registry.ErrModelNotFound) {
				writeJSONError(w, http.StatusNotFound, err.Error())
				return
			}
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	r.Body.Close()
	return json.Unmarshal(body, v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"coalesce_error","code":%d}}`, message, code)
}
