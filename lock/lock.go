// Package lock provides named mutual exclusion across processes. With a
// redis backend configured, acquisition is an atomic set-if-absent with
// TTL; without one it degrades to process-local expiring locks. The TTL is
// a failsafe against crashed holders, not a lease to be refreshed.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const keyPrefix = "cron:lock:"

// DefaultTTL is the failsafe expiry of held locks.
const DefaultTTL = 30 * time.Minute

// releaseScript deletes the key only when the holder token still matches,
// so a slow holder cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// Handle identifies one held lock.
type Handle struct {
	name  string
	token string
	local bool
}

type localLock struct {
	token     string
	expiresAt time.Time
}

// Manager acquires and releases named locks.
type Manager struct {
	client *redis.Client // nil without a shared backend

	mu    sync.Mutex
	local map[string]localLock
	done  chan struct{}
}

// NewManager connects to |backendURL| when non-empty; otherwise it serves
// process-local locks only. A sweeper drops stale local locks every 5m.
func NewManager(backendURL string) (*Manager, error) {
	var m = &Manager{
		local: make(map[string]localLock),
		done:  make(chan struct{}),
	}
	if backendURL != "" {
		var opts, err = redis.ParseURL(backendURL)
		if err != nil {
			return nil, fmt.Errorf("parsing lock backend URL: %w", err)
		}
		m.client = redis.NewClient(opts)
	}
	go m.sweep()
	return m, nil
}

// NewManagerWithClient wraps an existing redis client. Intended for tests.
func NewManagerWithClient(client *redis.Client) *Manager {
	var m = &Manager{
		client: client,
		local:  make(map[string]localLock),
		done:   make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Close stops the sweeper and disconnects the backend.
func (m *Manager) Close() error {
	close(m.done)
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

// Acquire attempts to take the named lock. It returns nil (no error) when
// another holder has it. A backend error falls back to the local table so
// a flaky backend degrades to single-process exclusion rather than none.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (*Handle, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	var token = uuid.NewString()

	if m.client != nil {
		var ok, err = m.client.SetNX(ctx, keyPrefix+name, token, ttl).Result()
		if err == nil {
			if !ok {
				return nil, nil
			}
			return &Handle{name: name, token: token}, nil
		}
		log.WithFields(log.Fields{"lock": name, "err": err}).
			Warn("lock backend unavailable; falling back to local lock")
	}
	return m.acquireLocal(name, token, ttl), nil
}

func (m *Manager) acquireLocal(name, token string, ttl time.Duration) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	var now = time.Now()
	if held, ok := m.local[name]; ok && held.expiresAt.After(now) {
		return nil
	}
	m.local[name] = localLock{token: token, expiresAt: now.Add(ttl)}
	return &Handle{name: name, token: token, local: true}
}

// Release frees the lock. Releasing a lock already expired or taken over is
// a no-op.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	if !h.local && m.client != nil {
		var err = releaseScript.Run(ctx, m.client, []string{keyPrefix + h.name}, h.token).Err()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("releasing lock %q: %w", h.name, err)
		}
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.local[h.name]; ok && held.token == h.token {
		delete(m.local, h.name)
	}
	return nil
}

// WithLock runs |fn| under the named lock, or skips it (returning false)
// when the lock is already held elsewhere.
func (m *Manager) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	var h, err = m.Acquire(ctx, name, ttl)
	if err != nil {
		return false, err
	}
	if h == nil {
		return false, nil
	}
	defer func() {
		if err := m.Release(ctx, h); err != nil {
			log.WithFields(log.Fields{"lock": name, "err": err}).Warn("failed to release lock")
		}
	}()
	return true, fn(ctx)
}

// sweep drops expired local locks every 5 minutes.
func (m *Manager) sweep() {
	var ticker = time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for name, held := range m.local {
				if held.expiresAt.Before(now) {
					delete(m.local, name)
					log.WithField("lock", name).Warn("swept stale local lock")
				}
			}
			m.mu.Unlock()
		}
	}
}
