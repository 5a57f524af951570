package httpapi

import (
	"compress/gzip"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

/***************
 * Route policies
 ***************/

// uploadCost is the rate-limit price of one upload.
const uploadCost = 5

// routePolicy tunes the shared middleware for one route.
type routePolicy struct {
	// bodyLimit caps the request body. Zero leaves the body untouched.
	bodyLimit int64
	// stream marks long-lived responses (SSE, WebSocket), which are never
	// compressed.
	stream bool
	// cost is the number of limiter tokens one request spends.
	cost int
	// methods is answered to CORS preflight requests.
	methods string
	// allowHeaders is the preflight Access-Control-Allow-Headers value.
	allowHeaders string
	// expose lists response headers readable by cross-origin callers.
	expose string
}

func defaultPolicy() routePolicy {
	return routePolicy{cost: 1, methods: "GET,OPTIONS"}
}

// routePolicies returns the per-route exceptions to defaultPolicy, keyed by
// route name. Routes named after a fixed path are also matched by path for
// preflight requests.
func routePolicies(maxUploadBytes int64) map[string]routePolicy {
	upload := defaultPolicy()
	upload.bodyLimit = maxUploadBytes
	upload.cost = uploadCost
	upload.methods = "POST,OPTIONS"
	upload.allowHeaders = "Content-Type"

	stream := defaultPolicy()
	stream.stream = true

	export := defaultPolicy()
	export.expose = "Content-Disposition"

	return map[string]routePolicy{
		"/upload":     upload,
		"/stream":     stream,
		"/ws":         stream,
		"/export.csv": export,
	}
}

func (s *Server) policy(route string) routePolicy {
	if p, ok := s.policies[route]; ok {
		return p
	}
	return defaultPolicy()
}

/***************
 * Response recorder
 ***************/

// responseRecorder captures status and size for the access log and metrics.
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w}
}

func (r *responseRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

// Status is 200 when the handler wrote a body without an explicit header.
func (r *responseRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// Bytes counts body bytes before compression.
func (r *responseRecorder) Bytes() int64 { return r.bytes }

// Flush lets SSE handlers push events through the recorder.
func (r *responseRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// baseWriter returns the writer under the recorder. WebSocket upgrades need
// its http.Hijacker.
func baseWriter(w http.ResponseWriter) http.ResponseWriter {
	if rr, ok := w.(*responseRecorder); ok && rr.ResponseWriter != nil {
		return rr.ResponseWriter
	}
	return w
}

/***************
 * Body limit
 ***************/

// limitBody applies the route's body cap. Handlers see *http.MaxBytesError
// once a read crosses it.
func limitBody(w http.ResponseWriter, r *http.Request, p routePolicy) {
	if p.bodyLimit > 0 && r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, p.bodyLimit)
	}
}

/***************
 * Gzip
 ***************/

type gzipResponseWriter struct {
	http.ResponseWriter
	writer *gzip.Writer
}

func (g *gzipResponseWriter) Write(b []byte) (int, error) {
	return g.writer.Write(b)
}

func (g *gzipResponseWriter) Flush() {
	_ = g.writer.Flush()
	if flusher, ok := g.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (g *gzipResponseWriter) Close() error {
	return g.writer.Close()
}

// compress routes rec's output through gzip when the client accepts it and
// the route is not a stream. The recorder stays outermost so it still counts
// uncompressed bytes. It returns nil when the response is sent as is.
func compress(rec *responseRecorder, r *http.Request, p routePolicy) *gzipResponseWriter {
	if p.stream || !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		return nil
	}
	base := rec.ResponseWriter
	grw := &gzipResponseWriter{ResponseWriter: base, writer: gzip.NewWriter(base)}
	rec.Header().Set("Content-Encoding", "gzip")
	rec.Header().Add("Vary", "Accept-Encoding")
	rec.ResponseWriter = grw
	return grw
}

/***************
 * Per-IP rate limiting
 ***************/

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter keeps one token bucket per client address. A nil limiter
// allows everything.
type ipRateLimiter struct {
	mu       sync.Mutex
	entries  map[string]*clientLimiter
	rate     rate.Limit
	burst    int
	lifetime time.Duration
}

func newIPRateLimiter(rps int, burst int) *ipRateLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &ipRateLimiter{
		entries:  make(map[string]*clientLimiter),
		rate:     rate.Limit(rps),
		burst:    burst,
		lifetime: 5 * time.Minute,
	}
}

// Allow spends cost tokens from ip's bucket. A cost above the burst is
// clamped to it.
func (l *ipRateLimiter) Allow(ip string, cost int) bool {
	if l == nil {
		return true
	}
	if cost > l.burst {
		cost = l.burst
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[ip]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.entries[ip] = entry
	}
	entry.lastSeen = now
	allowed := entry.limiter.AllowN(now, cost)

	if len(l.entries) > 1024 {
		l.cleanup(now)
	}
	return allowed
}

func (l *ipRateLimiter) cleanup(now time.Time) {
	expireBefore := now.Add(-l.lifetime)
	for ip, entry := range l.entries {
		if entry.lastSeen.Before(expireBefore) {
			delete(l.entries, ip)
		}
	}
}

// remoteIP prefers the first X-Forwarded-For hop.
func remoteIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if p := strings.TrimSpace(part); p != "" {
				return p
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

/***************
 * CORS
 ***************/

// corsPolicy allows listed http(s) origins, or any with "*". A nil policy
// adds no headers and rejects nothing.
type corsPolicy struct {
	allowAll bool
	origins  map[string]struct{}
}

func newCORSPolicy(origins []string) *corsPolicy {
	if len(origins) == 0 {
		return nil
	}
	policy := &corsPolicy{origins: make(map[string]struct{})}
	for _, origin := range origins {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		if o == "*" {
			return &corsPolicy{allowAll: true}
		}
		policy.origins[o] = struct{}{}
	}
	return policy
}

func (c *corsPolicy) isAllowed(origin string) bool {
	if c == nil {
		return false
	}
	if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
		return false
	}
	if c.allowAll {
		return true
	}
	_, ok := c.origins[origin]
	return ok
}

// handlePreflight answers an OPTIONS request with an Origin header using the
// route's methods. It reports whether the request was handled.
func (c *corsPolicy) handlePreflight(w http.ResponseWriter, r *http.Request, p routePolicy) bool {
	if c == nil || r.Method != http.MethodOptions {
		return false
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	if !c.isAllowed(origin) {
		w.WriteHeader(http.StatusForbidden)
		return true
	}
	if m := r.Header.Get("Access-Control-Request-Method"); m != "" && !strings.Contains(p.methods, m) {
		w.Header().Set("Allow", p.methods)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return true
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", p.methods)
	if p.allowHeaders != "" {
		w.Header().Set("Access-Control-Allow-Headers", p.allowHeaders)
	}
	w.Header().Set("Access-Control-Max-Age", "300")
	w.Header().Add("Vary", "Origin")
	w.WriteHeader(http.StatusNoContent)
	return true
}

// applyHeaders adds CORS headers to a normal response. It returns false when
// the Origin is present but not allowed.
func (c *corsPolicy) applyHeaders(w http.ResponseWriter, r *http.Request, p routePolicy) bool {
	if c == nil {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if !c.isAllowed(origin) {
		return false
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	if p.expose != "" {
		w.Header().Set("Access-Control-Expose-Headers", p.expose)
	}
	w.Header().Add("Vary", "Origin")
	return true
}
