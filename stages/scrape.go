package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/chronicler-app/chronicler/breaker"
	"github.com/chronicler-app/chronicler/browser"
	"github.com/chronicler-app/chronicler/events"
	"github.com/chronicler-app/chronicler/pool"
	"github.com/chronicler-app/chronicler/retry"
	"github.com/chronicler-app/chronicler/router"
	"github.com/chronicler-app/chronicler/scrape"
	"github.com/chronicler-app/chronicler/store"
	log "github.com/sirupsen/logrus"
)

// Scrape discovers new posts in every configured target and upserts them
// into the raw table, idempotently by source_key.
type Scrape struct {
	Store    *store.Store
	Router   *router.Router
	Fast     scrape.Scraper
	Browser  scrape.Scraper
	Pool     *pool.Pool
	Breakers *breaker.Set
	Session  browser.SessionSource
	Bus      *events.Bus

	Targets []string
	Limit   int
}

// Name implements Handler.
func (s *Scrape) Name() string { return "scrape" }

// Run processes every configured target. A failure of one target never
// halts the rest.
func (s *Scrape) Run(ctx context.Context) error {
	for _, targetID := range s.Targets {
		if err := s.runTarget(ctx, targetID); err != nil {
			reportErr(s.Bus, s.Name(), fmt.Errorf("target %q: %w", targetID, err))
		}
	}
	stageRunsCounter.WithLabelValues(s.Name(), "ok").Inc()
	return nil
}

func (s *Scrape) runTarget(ctx context.Context, targetID string) error {
	var plan, err = s.Router.Plan(ctx, targetID)
	if err != nil {
		return err
	}
	if !plan.Usable {
		audit(ctx, s.Store, s.Bus, "scrape_skip", "target %s not usable: %s", targetID, plan.Reason)
		return nil
	}

	var items []store.RawItem
	var method = plan.Method

	switch plan.Method {
	case store.MethodFast:
		items, err = s.scrapeFast(ctx, targetID)
		if err != nil {
			if errors.Is(err, breaker.ErrOpen) {
				audit(ctx, s.Store, s.Bus, "scrape_skip", "target %s: fast scraper circuit open", targetID)
				return nil
			}
			return fmt.Errorf("fast scrape: %w", err)
		}
		// Zero items might mean blocked rather than empty; try the
		// browser when a session allows, and never mark the target
		// inaccessible on the strength of an empty fast result alone.
		if len(items) == 0 {
			if sess, _ := s.Session.Current(ctx); sess.Status == store.SessionValid {
				log.WithField("target", targetID).Info("fast scrape empty; falling back to browser")
				method = store.MethodBrowser
				items, err = s.scrapeBrowser(ctx, targetID)
			}
		}
	case store.MethodBrowser:
		// Browser access rides the logged-in session; without a valid one
		// the target is skipped, not failed.
		var sess store.SessionState
		if sess, err = s.Session.Current(ctx); err != nil {
			return fmt.Errorf("checking session: %w", err)
		}
		if sess.Status != store.SessionValid {
			audit(ctx, s.Store, s.Bus, "scrape_skip", "target %s needs a browser session; session is %s", targetID, sess.Status)
			return nil
		}
		items, err = s.scrapeBrowser(ctx, targetID)
	default:
		audit(ctx, s.Store, s.Bus, "scrape_skip", "target %s has no access method", targetID)
		return nil
	}

	if err != nil {
		if errors.Is(err, scrape.ErrTargetInaccessible) {
			if markErr := s.Router.MarkError(ctx, targetID, err.Error()); markErr != nil {
				log.WithFields(log.Fields{"target": targetID, "err": markErr}).Warn("failed to mark target error")
			}
			audit(ctx, s.Store, s.Bus, "scrape_error", "target %s inaccessible: %v", targetID, err)
			return nil
		}
		return fmt.Errorf("%s scrape: %w", method, err)
	}

	var saved int
	for _, item := range items {
		var inserted, upsertErr = s.Store.UpsertRawItem(ctx, item)
		if upsertErr != nil {
			log.WithFields(log.Fields{"target": targetID, "key": item.SourceKey, "err": upsertErr}).
				Warn("failed to upsert raw item")
			continue
		}
		if inserted {
			saved++
		}
		itemsScrapedCounter.WithLabelValues(method).Inc()
	}

	if err := s.Router.MarkScraped(ctx, targetID, method); err != nil {
		log.WithFields(log.Fields{"target": targetID, "err": err}).Warn("failed to mark target scraped")
	}
	audit(ctx, s.Store, s.Bus, "scrape", "target %s via %s: %d/%d new", targetID, method, saved, len(items))
	return nil
}

// scrapeFast runs the fast scraper with its retry sequence inside one
// breaker execution.
func (s *Scrape) scrapeFast(ctx context.Context, targetID string) ([]store.RawItem, error) {
	var items []store.RawItem
	var err = s.Breakers.Execute(breaker.FastScraper, func() error {
		return retry.Do(ctx, retry.Options{}, func() error {
			var scraped, err = s.Fast.Scrape(ctx, targetID, s.Limit)
			if err != nil {
				return err
			}
			items = scraped
			return nil
		})
	})
	return items, err
}

// scrapeBrowser runs the browser scraper on a bounded pool slot, with one
// bounded retry attempt.
func (s *Scrape) scrapeBrowser(ctx context.Context, targetID string) ([]store.RawItem, error) {
	var items []store.RawItem
	var err = s.Pool.Execute(ctx, "scrape:"+targetID, func(ctx context.Context) error {
		var attemptErr error
		for attempt := 0; attempt < 2; attempt++ {
			items, attemptErr = s.Browser.Scrape(ctx, targetID, s.Limit)
			if attemptErr == nil || errors.Is(attemptErr, scrape.ErrTargetInaccessible) {
				return attemptErr
			}
		}
		return attemptErr
	})
	return items, err
}
