// Package pool caps the number of concurrent heavyweight operations, such
// as headless-browser scrapes. Waiters are served in FIFO order, and an
// operation which overruns its deadline has its slot force-released so the
// pool cannot be wedged by a stuck browser.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrAcquireTimeout is returned when no slot frees within the acquire
// timeout.
var ErrAcquireTimeout = errors.New("timed out waiting for a pool slot")

// Options tunes the pool.
type Options struct {
	Max            int
	AcquireTimeout time.Duration
	OpTimeout      time.Duration
}

func (o *Options) setDefaults() {
	if o.Max == 0 {
		o.Max = 2
	}
	if o.AcquireTimeout == 0 {
		o.AcquireTimeout = time.Minute
	}
	if o.OpTimeout == 0 {
		o.OpTimeout = time.Minute
	}
}

// OpInfo describes one active operation, for observability.
type OpInfo struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Stuck     bool      `json:"stuck"`
}

// Stats is a point-in-time view of the pool. StuckOperations retains the
// most recent operations whose slots were force-released on overrun, so a
// wedged browser stays visible after its slot is reclaimed.
type Stats struct {
	Active           int      `json:"active"`
	Waiting          int      `json:"waiting"`
	Max              int      `json:"max"`
	ActiveOperations []OpInfo `json:"active_operations"`
	StuckOperations  []OpInfo `json:"stuck_operations"`
}

// Slot is a held pool slot. Release is idempotent.
type Slot struct {
	pool     *Pool
	opID     string
	released bool
	mu       sync.Mutex
}

type waiter struct {
	ready chan *Slot
}

// Pool is the bounded FIFO worker pool.
type Pool struct {
	opts Options

	mu      sync.Mutex
	active  map[*Slot]OpInfo
	waiters []*waiter
	stuck   []OpInfo
}

// stuckHistory bounds how many force-released operations are retained.
const stuckHistory = 20

// New returns a Pool with the given options.
func New(opts Options) *Pool {
	opts.setDefaults()
	return &Pool{opts: opts, active: make(map[*Slot]OpInfo)}
}

// Acquire returns a slot as soon as one is free, honoring FIFO order among
// waiters. It fails with ErrAcquireTimeout after the acquire timeout, and
// with ctx.Err() on cancellation.
func (p *Pool) Acquire(ctx context.Context) (*Slot, error) {
	return p.acquire(ctx, "")
}

func (p *Pool) acquire(ctx context.Context, opID string) (*Slot, error) {
	p.mu.Lock()
	if len(p.active) < p.opts.Max && len(p.waiters) == 0 {
		var slot = p.grantLocked(opID)
		p.mu.Unlock()
		return slot, nil
	}
	var w = &waiter{ready: make(chan *Slot, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	var timer = time.NewTimer(p.opts.AcquireTimeout)
	defer timer.Stop()

	select {
	case slot := <-w.ready:
		slot.setOp(opID)
		return slot, nil
	case <-timer.C:
		p.abandon(w)
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		p.abandon(w)
		return nil, ctx.Err()
	}
}

// grantLocked creates an active slot; p.mu must be held.
func (p *Pool) grantLocked(opID string) *Slot {
	var slot = &Slot{pool: p, opID: opID}
	p.active[slot] = OpInfo{ID: opID, StartedAt: time.Now().UTC()}
	return slot
}

// abandon removes a timed-out waiter, re-forwarding any slot which raced
// its timeout.
func (p *Pool) abandon(w *waiter) {
	p.mu.Lock()
	for i, cand := range p.waiters {
		if cand == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	// The waiter was already granted: release the slot back.
	select {
	case slot := <-w.ready:
		slot.Release()
	default:
	}
}

// Release frees the slot and hands it to the eldest waiter, if any.
// Releasing twice is a no-op.
func (s *Slot) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()

	var p = s.pool
	p.mu.Lock()
	delete(p.active, s)
	if len(p.waiters) > 0 {
		var next = p.waiters[0]
		p.waiters = p.waiters[1:]
		var slot = p.grantLocked("")
		p.mu.Unlock()
		next.ready <- slot
		return
	}
	p.mu.Unlock()
}

func (s *Slot) setOp(opID string) {
	var p = s.pool
	p.mu.Lock()
	if info, ok := p.active[s]; ok {
		info.ID = opID
		p.active[s] = info
	}
	p.mu.Unlock()
}

// Execute runs |fn| on an acquired slot under the operation timeout. On
// overrun the slot is force-released and the operation is marked stuck;
// the abandoned goroutine's eventual return is discarded.
func (p *Pool) Execute(ctx context.Context, opID string, fn func(context.Context) error) error {
	var slot, err = p.acquire(ctx, opID)
	if err != nil {
		return err
	}

	var opCtx, cancel = context.WithTimeout(ctx, p.opts.OpTimeout)
	defer cancel()

	var done = make(chan error, 1)
	go func() {
		done <- fn(opCtx)
		// The slot may already be force-released; Release is idempotent.
		slot.Release()
	}()

	select {
	case err = <-done:
		return err
	case <-opCtx.Done():
		p.mu.Lock()
		if info, ok := p.active[slot]; ok {
			info.Stuck = true
			p.stuck = append(p.stuck, info)
			if len(p.stuck) > stuckHistory {
				p.stuck = p.stuck[1:]
			}
		}
		p.mu.Unlock()
		log.WithFields(log.Fields{"op": opID, "timeout": p.opts.OpTimeout}).
			Error("pool operation overran its deadline; force-releasing slot")
		slot.Release()
		return opCtx.Err()
	}
}

// Stats reports the live pool state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ops = make([]OpInfo, 0, len(p.active))
	for _, info := range p.active {
		ops = append(ops, info)
	}
	return Stats{
		Active:           len(p.active),
		Waiting:          len(p.waiters),
		Max:              p.opts.Max,
		ActiveOperations: ops,
		StuckOperations:  append([]OpInfo(nil), p.stuck...),
	}
}
