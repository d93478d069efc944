// Package router decides, per target, how the scrape stage may reach it:
// the cheap structured scraper, the authenticated browser, or not at all.
// Decisions are cached on the Target row and rebuilt after 24 hours.
package router

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/chronicler-app/chronicler/browser"
	"github.com/chronicler-app/chronicler/store"
	log "github.com/sirupsen/logrus"
)

// CacheMaxAge is how long a resolved target plan stays authoritative.
const CacheMaxAge = 24 * time.Hour

// Plan is the access decision for one target.
type Plan struct {
	Method string `json:"method"`
	Usable bool   `json:"usable"`
	Reason string `json:"reason,omitempty"`
}

// Router caches and serves per-target access plans.
type Router struct {
	Store   *store.Store
	Session browser.SessionSource
	// FastAvailable is set when a fast-scraper token is configured; the
	// fast path needs no session and is always probed first.
	FastAvailable bool
}

// New returns a Router.
func New(st *store.Store, session browser.SessionSource, fastAvailable bool) *Router {
	return &Router{Store: st, Session: session, FastAvailable: fastAvailable}
}

// Plan returns the access plan of |targetID|, reusing the cached Target row
// when it is fresh and its kind is resolved, and re-probing otherwise.
func (r *Router) Plan(ctx context.Context, targetID string) (Plan, error) {
	var t, err = r.Store.GetTarget(ctx, targetID)
	if err != nil {
		return Plan{}, fmt.Errorf("loading target %q: %w", targetID, err)
	}
	if t != nil && t.Kind != store.KindUnknown && time.Since(t.LastProbedAt) < CacheMaxAge {
		return Plan{Method: t.AccessMethod, Usable: t.IsAccessible, Reason: t.Error.String}, nil
	}
	return r.probe(ctx, targetID, t)
}

func (r *Router) probe(ctx context.Context, targetID string, prev *store.Target) (Plan, error) {
	var kind = store.KindUnknown
	if prev != nil {
		kind = prev.Kind
	}

	// The fast path needs no session, so an unresolved target is always
	// worth one cheap attempt before committing browser time.
	var plan Plan
	switch {
	case r.FastAvailable:
		plan = Plan{Method: store.MethodFast, Usable: true}
	default:
		var sess, err = r.Session.Current(ctx)
		if err != nil {
			log.WithFields(log.Fields{"target": targetID, "err": err}).
				Warn("session probe failed while planning target")
		}
		if sess.Status == store.SessionValid {
			plan = Plan{Method: store.MethodBrowser, Usable: true}
		} else {
			plan = Plan{Method: store.MethodNone, Usable: false, Reason: "no session"}
		}
	}

	var t = store.Target{
		ID:           targetID,
		Kind:         kind,
		AccessMethod: plan.Method,
		IsAccessible: plan.Usable,
		LastProbedAt: time.Now().UTC(),
		Error:        sql.NullString{String: plan.Reason, Valid: plan.Reason != ""},
	}
	if prev != nil {
		t.LastScrapedAt = prev.LastScrapedAt
	}
	if err := r.Store.UpsertTarget(ctx, t); err != nil {
		return Plan{}, fmt.Errorf("caching plan of target %q: %w", targetID, err)
	}
	return plan, nil
}

// MarkScraped records a successful scrape of |targetID| via |method|: the
// error is cleared, last_scraped_at refreshed, and a fast-path success
// resolves the target as public. Browser successes keep the kind
// unresolved rather than guessing private.
func (r *Router) MarkScraped(ctx context.Context, targetID, method string) error {
	var t, err = r.Store.GetTarget(ctx, targetID)
	if err != nil {
		return err
	}
	var kind = store.KindUnknown
	if t != nil {
		kind = t.Kind
	}
	if method == store.MethodFast {
		kind = store.KindPublic
	}

	var now = time.Now().UTC()
	var probedAt = now
	if t != nil {
		probedAt = t.LastProbedAt
	}
	return r.Store.UpsertTarget(ctx, store.Target{
		ID:            targetID,
		Kind:          kind,
		AccessMethod:  method,
		IsAccessible:  true,
		LastProbedAt:  probedAt,
		LastScrapedAt: sql.NullTime{Time: now, Valid: true},
	})
}

// MarkError records a browser-side access failure: the target becomes
// unusable until its next re-probe.
func (r *Router) MarkError(ctx context.Context, targetID, msg string) error {
	var t, err = r.Store.GetTarget(ctx, targetID)
	if err != nil {
		return err
	}
	var next = store.Target{
		ID:           targetID,
		Kind:         store.KindUnknown,
		AccessMethod: store.MethodNone,
		IsAccessible: false,
		LastProbedAt: time.Now().UTC(),
		Error:        sql.NullString{String: msg, Valid: msg != ""},
	}
	if t != nil {
		next.Kind = t.Kind
		next.AccessMethod = t.AccessMethod
		next.LastScrapedAt = t.LastScrapedAt
	}
	return r.Store.UpsertTarget(ctx, next)
}
