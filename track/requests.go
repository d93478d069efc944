package track

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/chronicler-app/chronicler/events"
	"github.com/google/uuid"
)

const requestRingSize = 1000

// RequestRecord is one completed inbound request.
type RequestRecord struct {
	ID       string    `json:"id"`
	Method   string    `json:"method"`
	Path     string    `json:"path"`
	Status   int       `json:"status"`
	Duration float64   `json:"duration_ms"`
	At       time.Time `json:"at"`
}

// RouteStats aggregates completed requests of one method+path.
type RouteStats struct {
	Count       int64   `json:"count"`
	Errors      int64   `json:"errors"`
	TotalMillis float64 `json:"total_ms"`
	AvgMillis   float64 `json:"avg_ms"`
}

// Requests tracks inbound requests in a bounded ring with per-route
// aggregates.
type Requests struct {
	Bus *events.Bus

	mu     sync.Mutex
	ring   *events.Ring[RequestRecord]
	routes map[string]*RouteStats
}

// NewRequests returns an empty tracker.
func NewRequests(bus *events.Bus) *Requests {
	return &Requests{
		Bus:    bus,
		ring:   events.NewRing[RequestRecord](requestRingSize),
		routes: make(map[string]*RouteStats),
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack passes through to the wrapped writer so tracked handlers can
// upgrade the connection, as the websocket endpoint does.
func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	var hj, ok = w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// Middleware assigns each request a short random identifier and records
// its outcome on completion.
func (r *Requests) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var id = uuid.NewString()[:8]
		var started = time.Now()
		var rec = &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(rec, req)

		r.Record(RequestRecord{
			ID:       id,
			Method:   req.Method,
			Path:     req.URL.Path,
			Status:   rec.status,
			Duration: float64(time.Since(started).Microseconds()) / 1000,
			At:       started.UTC(),
		})
	})
}

// Record adds one completed request.
func (r *Requests) Record(rec RequestRecord) {
	r.mu.Lock()
	r.ring.Push(rec)
	var key = rec.Method + " " + rec.Path
	var stats, ok = r.routes[key]
	if !ok {
		stats = &RouteStats{}
		r.routes[key] = stats
	}
	stats.Count++
	if rec.Status >= 500 {
		stats.Errors++
	}
	stats.TotalMillis += rec.Duration
	stats.AvgMillis = stats.TotalMillis / float64(stats.Count)
	r.mu.Unlock()

	requestsCounter.WithLabelValues(rec.Method, http.StatusText(rec.Status)).Inc()
	r.Bus.Publish(events.KindRequest, rec)
}

// Recent returns retained requests, oldest first.
func (r *Requests) Recent() []RequestRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ring.Snapshot()
}

// Routes returns a copy of the per-route aggregates.
func (r *Requests) Routes() map[string]RouteStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out = make(map[string]RouteStats, len(r.routes))
	for key, stats := range r.routes {
		out[key] = *stats
	}
	return out
}
