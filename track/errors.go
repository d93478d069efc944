package track

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime"
	"sync"
	"time"
)

const errorRingCap = 500

// ErrorRecord groups logically-identical errors under one fingerprint with
// an occurrence counter, rather than one row per raw occurrence.
type ErrorRecord struct {
	Fingerprint string    `json:"fingerprint"`
	Kind        string    `json:"kind"`
	Message     string    `json:"message"`
	Frame       string    `json:"frame"`
	Occurrences int       `json:"occurrences"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// Errors is the deduplicated error ring.
type Errors struct {
	mu      sync.Mutex
	byPrint map[string]*ErrorRecord
	order   []string // insertion order, for eviction
}

// NewErrors returns an empty ring.
func NewErrors() *Errors {
	return &Errors{byPrint: make(map[string]*ErrorRecord)}
}

// Fingerprint hashes kind + message + first stack frame into a short id.
func Fingerprint(kind, message, frame string) string {
	var sum = sha256.Sum256([]byte(kind + "\x00" + message + "\x00" + frame))
	return hex.EncodeToString(sum[:6])
}

// Capture records an error observed at the caller, deriving the first
// stack frame automatically.
func (e *Errors) Capture(kind string, err error) {
	var frame string
	if pc, file, line, ok := runtime.Caller(1); ok {
		var fn = runtime.FuncForPC(pc)
		if fn != nil {
			frame = fmt.Sprintf("%s (%s:%d)", fn.Name(), file, line)
		}
	}
	e.Record(kind, err.Error(), frame)
}

// Record adds one occurrence, evicting the oldest fingerprint when the
// ring is full.
func (e *Errors) Record(kind, message, frame string) {
	var print = Fingerprint(kind, message, frame)
	var now = time.Now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()

	if rec, ok := e.byPrint[print]; ok {
		rec.Occurrences++
		rec.LastSeen = now
		return
	}
	if len(e.order) >= errorRingCap {
		delete(e.byPrint, e.order[0])
		e.order = e.order[1:]
	}
	e.byPrint[print] = &ErrorRecord{
		Fingerprint: print,
		Kind:        kind,
		Message:     message,
		Frame:       frame,
		Occurrences: 1,
		FirstSeen:   now,
		LastSeen:    now,
	}
	e.order = append(e.order, print)
	errorsCounter.WithLabelValues(kind).Inc()
}

// Recent returns retained records, oldest first.
func (e *Errors) Recent() []ErrorRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out = make([]ErrorRecord, 0, len(e.order))
	for _, print := range e.order {
		out = append(out, *e.byPrint[print])
	}
	return out
}
