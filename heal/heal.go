// Package heal is the self-healing controller: a periodic probe matches a
// small catalogue of known faults and attempts an automated remediation,
// cooldown-gated per fault so remediation cannot oscillate.
package heal

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/chronicler-app/chronicler/breaker"
	"github.com/chronicler-app/chronicler/events"
	"github.com/chronicler-app/chronicler/track"
	log "github.com/sirupsen/logrus"
)

// StoreHealth is the slice of the store adapter the controller drives:
// liveness probes and the reconnect remediation.
type StoreHealth interface {
	Ping(ctx context.Context) error
	Reconnect(ctx context.Context) error
}

// Fault categories.
const (
	FaultMemory      = "memory_pressure"
	FaultStore       = "store_down"
	FaultLoopBlocked = "loop_blocked"
	FaultBreaker     = "breaker_stuck_open"
)

const (
	actionRingSize  = 200
	defaultCooldown = time.Minute
	heapRatioLimit  = 0.85
	rssRatioLimit   = 0.90
	// storeFailuresToAct is how many consecutive failed probes it takes
	// before a reconnect is attempted.
	storeFailuresToAct = 2
)

// Action is one recorded remediation attempt.
type Action struct {
	Fault  string    `json:"fault"`
	Detail string    `json:"detail"`
	OK     bool      `json:"ok"`
	At     time.Time `json:"at"`
}

// Issue is one detected fault and its resolution, if any.
type Issue struct {
	Fault      string    `json:"fault"`
	Detail     string    `json:"detail"`
	DetectedAt time.Time `json:"detected_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// Status is the controller's dashboard view.
type Status struct {
	LastProbeAt time.Time `json:"last_probe_at"`
	OpenIssues  []Issue   `json:"open_issues"`
	Actions     []Action  `json:"actions"`
}

// Controller runs the probe loop.
type Controller struct {
	Store    StoreHealth
	Breakers *breaker.Set
	Sampler  *track.Sampler
	Bus      *events.Bus

	// Probes holds a cheap health call per breaker name. A stuck breaker is
	// only driven through its Half-Open probe with a real dependency call;
	// breakers without one are left for the next caller to probe.
	Probes map[string]func(context.Context) error

	Interval time.Duration
	Cooldown time.Duration
	// RSSLimit bounds resident memory; zero disables the rss check.
	RSSLimit uint64

	mu            sync.Mutex
	actions       *events.Ring[Action]
	openIssues    map[string]*Issue
	lastAttempt   map[string]time.Time
	storeFailures int
	lastProbeAt   time.Time
}

// New returns a Controller.
func New(st StoreHealth, breakers *breaker.Set, sampler *track.Sampler, bus *events.Bus, interval time.Duration) *Controller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Controller{
		Store:    st,
		Breakers: breakers,
		Sampler:  sampler,
		Bus:      bus,
		Probes: map[string]func(context.Context) error{
			breaker.Store: st.Ping,
		},
		Interval:    interval,
		Cooldown:    defaultCooldown,
		actions:     events.NewRing[Action](actionRingSize),
		openIssues:  make(map[string]*Issue),
		lastAttempt: make(map[string]time.Time),
	}
}

// Run probes until |ctx| is done.
func (c *Controller) Run(ctx context.Context) {
	var ticker = time.NewTicker(c.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Probe(ctx)
		}
	}
}

// Probe runs one detection pass over the fault catalogue.
func (c *Controller) Probe(ctx context.Context) {
	c.mu.Lock()
	c.lastProbeAt = time.Now().UTC()
	c.mu.Unlock()

	c.probeMemory()
	c.probeStore(ctx)
	c.probeLoop()
	c.probeBreakers(ctx)
}

func (c *Controller) probeMemory() {
	var smp, ok = c.Sampler.Latest()
	if !ok {
		return
	}
	var heapRatio float64
	if smp.HeapTotal > 0 {
		heapRatio = float64(smp.HeapUsed) / float64(smp.HeapTotal)
	}
	var rssHigh = c.RSSLimit > 0 && float64(smp.RSS) > rssRatioLimit*float64(c.RSSLimit)
	if heapRatio <= heapRatioLimit && !rssHigh {
		c.resolve(FaultMemory)
		return
	}

	c.detect(FaultMemory, "heap or rss above pressure threshold")
	if !c.cooledDown(FaultMemory) {
		return
	}

	var before runtime.MemStats
	runtime.ReadMemStats(&before)
	runtime.GC()
	time.Sleep(200 * time.Millisecond)
	runtime.GC()
	var after runtime.MemStats
	runtime.ReadMemStats(&after)

	var freed = int64(before.HeapAlloc) - int64(after.HeapAlloc)
	c.record(Action{
		Fault:  FaultMemory,
		Detail: byteCountDetail(freed),
		OK:     freed > 0,
	})
}

func (c *Controller) probeStore(ctx context.Context) {
	if err := c.Store.Ping(ctx); err == nil {
		c.mu.Lock()
		c.storeFailures = 0
		c.mu.Unlock()
		c.resolve(FaultStore)
		return
	} else {
		log.WithField("err", err).Warn("store health probe failed")
	}

	c.mu.Lock()
	c.storeFailures++
	var failures = c.storeFailures
	c.mu.Unlock()
	if failures < storeFailuresToAct {
		return
	}

	c.detect(FaultStore, "store health probe failing")
	if !c.cooledDown(FaultStore) {
		return
	}

	var err = c.Store.Reconnect(ctx)
	if err == nil {
		err = c.Store.Ping(ctx)
	}
	c.record(Action{
		Fault:  FaultStore,
		Detail: "disconnect + reconnect + re-probe",
		OK:     err == nil,
	})
	if err == nil {
		c.mu.Lock()
		c.storeFailures = 0
		c.mu.Unlock()
		c.resolve(FaultStore)
	}
}

func (c *Controller) probeLoop() {
	var smp, ok = c.Sampler.Latest()
	if !ok || !smp.Blocked {
		c.resolve(FaultLoopBlocked)
		return
	}
	c.detect(FaultLoopBlocked, "sampler tick latency above threshold")
	if !c.cooledDown(FaultLoopBlocked) {
		return
	}
	// No automated fix; flag for the operator.
	c.record(Action{Fault: FaultLoopBlocked, Detail: "alert recorded; operator attention required", OK: false})
}

func (c *Controller) probeBreakers(ctx context.Context) {
	var now = time.Now().UTC()
	var anyStuck bool
	for _, st := range c.Breakers.Snapshot() {
		var b = c.Breakers.Get(st.Name)
		if !b.StuckOpen(now) {
			continue
		}
		anyStuck = true
		c.detect(FaultBreaker, st.Name+" open past next attempt")

		var probe, ok = c.Probes[st.Name]
		if !ok {
			// No cheap health call is wired for this dependency; the next
			// real caller takes the Half-Open slot instead.
			log.WithField("breaker", st.Name).Debug("stuck breaker has no health probe; leaving for callers")
			continue
		}
		if !c.cooledDown(FaultBreaker) {
			continue
		}
		var err = b.Probe(func() error { return probe(ctx) })
		c.record(Action{
			Fault:  FaultBreaker,
			Detail: "health probe of " + st.Name,
			OK:     err == nil,
		})
	}
	if !anyStuck {
		c.resolve(FaultBreaker)
	}
}

// cooledDown reports whether the fault's remediation is off cooldown, and
// if so starts a new cooldown window.
func (c *Controller) cooledDown(fault string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	var now = time.Now()
	if last, ok := c.lastAttempt[fault]; ok && now.Sub(last) < c.Cooldown {
		return false
	}
	c.lastAttempt[fault] = now
	return true
}

func (c *Controller) detect(fault, detail string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, open := c.openIssues[fault]; open {
		return
	}
	c.openIssues[fault] = &Issue{Fault: fault, Detail: detail, DetectedAt: time.Now().UTC()}
	log.WithFields(log.Fields{"fault": fault, "detail": detail}).Warn("health issue detected")
}

func (c *Controller) resolve(fault string) {
	c.mu.Lock()
	var issue, open = c.openIssues[fault]
	if open {
		issue.ResolvedAt = time.Now().UTC()
		delete(c.openIssues, fault)
	}
	c.mu.Unlock()
	if open {
		log.WithField("fault", fault).Info("health issue resolved")
		c.Bus.Publish(events.KindHealing, map[string]interface{}{"fault": fault, "resolved": true})
	}
}

func (c *Controller) record(action Action) {
	action.At = time.Now().UTC()
	c.mu.Lock()
	c.actions.Push(action)
	c.mu.Unlock()

	log.WithFields(log.Fields{"fault": action.Fault, "ok": action.OK, "detail": action.Detail}).
		Info("healing action attempted")
	c.Bus.Publish(events.KindHealing, action)
}

// Status reports open issues and recent actions for the dashboard.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	var st = Status{LastProbeAt: c.lastProbeAt, Actions: c.actions.Snapshot()}
	for _, issue := range c.openIssues {
		st.OpenIssues = append(st.OpenIssues, *issue)
	}
	return st
}

func byteCountDetail(freed int64) string {
	if freed < 0 {
		freed = 0
	}
	const mb = 1 << 20
	if freed >= mb {
		return fmt.Sprintf("gc freed %d MiB", freed/mb)
	}
	return fmt.Sprintf("gc freed %d bytes", freed)
}
