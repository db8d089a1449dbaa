// Package httpapi serves the operational status API: liveness, active stream
// snapshots, event counts, and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/you/nokwatch/internal/watcher"
)

// StreamSource provides snapshots of watcher state.
type StreamSource interface {
	Streams() []watcher.StreamInfo
	ChannelCount() int
}

// Index is the optional queryable event store behind /count.
type Index interface {
	CountEvents(ctx context.Context, streamID string) (int64, error)
}

type Options struct {
	Addr      string
	RateRPS   int
	RateBurst int
}

type Server struct {
	httpServer *http.Server
	source     StreamSource
	index      Index
	metrics    *Metrics
	limiter    *ipRateLimiter
}

// New builds the status API. index may be nil; /count then reports 404.
func New(source StreamSource, index Index, metrics *Metrics, opts Options) *Server {
	srv := &Server{
		source:  source,
		index:   index,
		metrics: metrics,
		limiter: newIPRateLimiter(opts.RateRPS, opts.RateBurst),
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", srv.wrap("/healthz", http.HandlerFunc(srv.handleHealthz)))
	mux.Handle("/streams", srv.wrap("/streams", http.HandlerFunc(srv.handleStreams)))
	mux.Handle("/count", srv.wrap("/count", http.HandlerFunc(srv.handleCount)))
	if metrics != nil {
		mux.Handle("/metrics", srv.wrap("/metrics", metrics.Handler()))
	}

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// wrap applies per-IP rate limiting and request metrics around a handler.
func (s *Server) wrap(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(remoteIP(r)) {
			s.metrics.IncRateLimited()
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			s.metrics.ObserveRequest(route, r.Method, http.StatusTooManyRequests, 0)
			return
		}
		start := time.Now()
		rec := newResponseRecorder(w)
		next.ServeHTTP(rec, r)
		s.metrics.ObserveRequest(route, r.Method, rec.Status(), time.Since(start))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStreams(w http.ResponseWriter, _ *http.Request) {
	streams := s.source.Streams()
	if streams == nil {
		streams = []watcher.StreamInfo{}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"channels": s.source.ChannelCount(),
		"streams":  streams,
	})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		http.NotFound(w, r)
		return
	}
	count, err := s.index.CountEvents(r.Context(), r.URL.Query().Get("stream_id"))
	if err != nil {
		http.Error(w, "count error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{"count": count})
}

func (s *Server) Start() error {
	log.Printf("http api listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
