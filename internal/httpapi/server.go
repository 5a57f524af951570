package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/you/chatlens/internal/core"
	"github.com/you/chatlens/internal/dataset"
)

// Store serves filtered record listings from the archive. DatasetID names
// the dataset the archived rows belong to.
type Store interface {
	DatasetID() string
	CountRecords(ctx context.Context, filters Filters) (int64, error)
	ListRecords(ctx context.Context, filters Filters) ([]core.ChatRecord, error)
}

// Datasets loads and serves the current dataset.
type Datasets interface {
	Current() (*dataset.Dataset, error)
	Ingest(ctx context.Context, name, origin string, raw []byte) (*dataset.Dataset, error)
}

type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	opts       Options
	data       Datasets
	store      Store

	metrics  *Metrics
	limiter  *ipRateLimiter
	cors     *corsPolicy
	policies map[string]routePolicy

	mu      sync.Mutex
	clients map[chan dataset.Event]string
	closed  bool
}

type Options struct {
	Addr            string
	CORSOrigins     []string
	RateLimitRPS    int
	RateLimitBurst  int
	EnableMetrics   bool
	EnableAccessLog bool
	EnablePprof     bool
	Build           BuildInfo
	ConfigSnapshot  map[string]any
	MaxUploadBytes  int64
}

const (
	defaultMaxUploadBytes = 32 << 20
	streamBuffer          = 16
	keepAliveInterval     = 20 * time.Second
	wsWriteTimeout        = 5 * time.Second
)

// New builds the API server. store may be nil, in which case record listings
// are filtered in memory.
func New(data Datasets, store Store, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	srv := &Server{
		mux:     http.NewServeMux(),
		opts:    opts,
		data:    data,
		store:   store,
		metrics: newMetrics(),
		limiter: newIPRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		cors:     newCORSPolicy(opts.CORSOrigins),
		policies: routePolicies(opts.MaxUploadBytes),
		clients:  make(map[chan dataset.Event]string),
	}

	srv.handle("POST /upload", "/upload", srv.handleUpload)
	srv.handle("GET /summary", "/summary", srv.handleSummary)
	srv.handle("GET /words", "/words", srv.handleWords)
	srv.handle("GET /users", "/users", srv.handleUsers)
	srv.handle("GET /users/{user}/words", "/users/words", srv.handleUserWords)
	srv.handle("GET /matrix/user-words", "/matrix/user-words", srv.handleUserWordMatrix)
	srv.handle("GET /matrix/nonverbal", "/matrix/nonverbal", srv.handleNonverbalMatrix)
	srv.handle("GET /nonverbal/examples", "/nonverbal/examples", srv.handleNonverbalExamples)
	srv.handle("GET /histogram/{kind}", "/histogram", srv.handleHistogram)
	srv.handle("GET /lengths", "/lengths", srv.handleLengths)
	srv.handle("GET /records", "/records", srv.handleRecords)
	srv.handle("GET /count", "/count", srv.handleCount)
	srv.handle("GET /export.csv", "/export.csv", srv.handleExport)
	srv.handle("GET /stream", "/stream", srv.handleStream)
	srv.handle("GET /ws", "/ws", srv.handleWS)
	srv.handle("GET /healthz", "/healthz", srv.handleHealthz)
	srv.handle("GET /info", "/info", srv.handleInfo)
	srv.handle("GET /config", "/config", srv.handleConfig)
	if opts.EnableMetrics {
		srv.mux.Handle("GET /metrics", srv.metrics.Handler())
	}
	if opts.EnablePprof {
		srv.mux.HandleFunc("/debug/pprof/", pprof.Index)
		srv.mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		srv.mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		srv.mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		srv.mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Mux exposes the route table so other packages can register handlers.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// Handler returns the root handler, with CORS preflight answered before
// method-specific routing.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cors.handlePreflight(w, r, s.policy(r.URL.Path)) {
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

func (s *Server) handle(pattern, route string, h http.HandlerFunc) {
	s.mux.Handle(pattern, s.wrap(route, h))
}

// wrap applies access logging, request metrics, CORS, rate limiting, the
// body cap and gzip, each tuned by the route's policy.
func (s *Server) wrap(route string, h http.HandlerFunc) http.Handler {
	p := s.policy(route)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newResponseRecorder(w)
		defer func() {
			status := rec.Status()
			elapsed := time.Since(start)
			s.metrics.ObserveRequest(route, r.Method, status, elapsed)
			if s.opts.EnableAccessLog {
				slog.Info("http: access",
					"route", route,
					"method", r.Method,
					"path", r.URL.Path,
					"status", status,
					"bytes", rec.Bytes(),
					"dur_ms", elapsed.Milliseconds(),
					"ip", remoteIP(r),
				)
			}
		}()

		if !s.cors.applyHeaders(rec, r, p) {
			writeError(rec, http.StatusForbidden, "origin not allowed")
			return
		}
		if !s.limiter.Allow(remoteIP(r), p.cost) {
			s.metrics.IncRateLimited()
			rec.Header().Set("Retry-After", "1")
			writeError(rec, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		limitBody(rec, r, p)
		if gz := compress(rec, r, p); gz != nil {
			defer gz.Close()
		}
		h(rec, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.opts.ConfigSnapshot
	if snapshot == nil {
		snapshot = map[string]any{}
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	clientCh, ok := s.subscribe("sse")
	if !ok {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.unsubscribe(clientCh)

	s.metrics.IncSSEClients(1)
	defer s.metrics.IncSSEClients(-1)

	fmt.Fprintf(w, ":ok\n\n")
	if ds, err := s.data.Current(); err == nil {
		writeSSE(w, ds.Event())
	}
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case ev, ok := <-clientCh:
			if !ok {
				return
			}
			if writeSSE(w, ev) {
				s.metrics.IncEventsSent("sse")
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev dataset.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	fmt.Fprintf(w, "event: dataset\ndata: %s\n\n", data)
	return true
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(baseWriter(w), r, &websocket.AcceptOptions{
		OriginPatterns: wsOriginPatterns(s.opts.CORSOrigins),
	})
	if err != nil {
		log.Printf("http: ws accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	clientCh, ok := s.subscribe("ws")
	if !ok {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.unsubscribe(clientCh)

	s.metrics.IncWSClients(1)
	defer s.metrics.IncWSClients(-1)

	ctx := conn.CloseRead(r.Context())

	send := func(ev dataset.Event) error {
		wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer cancel()
		return wsjson.Write(wctx, conn, ev)
	}

	if ds, err := s.data.Current(); err == nil {
		if err := send(ds.Event()); err != nil {
			return
		}
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case ev, ok := <-clientCh:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := send(ev); err != nil {
				return
			}
			s.metrics.IncEventsSent("ws")
		}
	}
}

// wsOriginPatterns turns CORS origins into host patterns for the WebSocket
// origin check.
func wsOriginPatterns(origins []string) []string {
	var out []string
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if origin == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			out = append(out, u.Host)
		}
	}
	return out
}

func (s *Server) subscribe(transport string) (chan dataset.Event, bool) {
	ch := make(chan dataset.Event, streamBuffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.clients[ch] = transport
	return ch, true
}

func (s *Server) unsubscribe(ch chan dataset.Event) {
	s.mu.Lock()
	delete(s.clients, ch)
	s.mu.Unlock()
}

// Broadcast fans a dataset event out to stream clients. Slow clients drop it.
func (s *Server) Broadcast(ev dataset.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ch, transport := range s.clients {
		select {
		case ch <- ev:
		default:
			s.metrics.IncBroadcastDrops(transport)
		}
	}
}

// ObserveLoad implements dataset.Observer.
func (s *Server) ObserveLoad(ds *dataset.Dataset) {
	s.metrics.ObserveLoad(ds.Origin, "ok", len(ds.Records), ds.Stats.Dropped)
}

// ObserveLoadError implements dataset.Observer.
func (s *Server) ObserveLoadError(origin string, _ error) {
	s.metrics.ObserveLoad(origin, "error", 0, nil)
}

// ObserveArchiveError implements dataset.Observer.
func (s *Server) ObserveArchiveError(error) {
	s.ReportDBWriteError()
}

// ReportDBWriteError counts a failed archive write.
func (s *Server) ReportDBWriteError() {
	s.metrics.IncDBWriteErrors()
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
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for ch := range s.clients {
		close(ch)
		delete(s.clients, ch)
	}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
