package stages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chronicler-app/chronicler/browser"
	"github.com/chronicler-app/chronicler/events"
	"github.com/chronicler-app/chronicler/pool"
	"github.com/chronicler-app/chronicler/store"
	log "github.com/sirupsen/logrus"
)

// quotaWindow is the rolling window of the daily dispatch quota.
const quotaWindow = 24 * time.Hour

// SessionInvalidator raises session-level faults observed during dispatch.
type SessionInvalidator interface {
	Invalidate(ctx context.Context, status, reason string)
}

// Dispatch delivers pending drafts through the authenticated browser,
// respecting the rolling daily quota.
type Dispatch struct {
	Store   *store.Store
	Sender  browser.Sender
	Pool    *pool.Pool
	Session SessionInvalidator
	Bus     *events.Bus

	DailyLimit int
}

// Name implements Handler.
func (d *Dispatch) Name() string { return "dispatch" }

// Run delivers up to the remaining quota of drafts. Session-level faults
// halt the batch; transient failures leave the candidate for the next tick.
func (d *Dispatch) Run(ctx context.Context) error {
	var sent, err = d.Store.CountSentInWindow(ctx, quotaWindow)
	if err != nil {
		stageRunsCounter.WithLabelValues(d.Name(), "error").Inc()
		return fmt.Errorf("counting sent dispatches: %w", err)
	}
	var remaining = d.DailyLimit - sent
	if remaining <= 0 {
		log.WithFields(log.Fields{"sent": sent, "limit": d.DailyLimit}).Info("quota reached")
		audit(ctx, d.Store, d.Bus, "dispatch_skip", "quota reached: %d sent in last 24h", sent)
		stageRunsCounter.WithLabelValues(d.Name(), "quota").Inc()
		return nil
	}

	candidates, err := d.Store.CandidatesForDispatch(ctx, remaining)
	if err != nil {
		stageRunsCounter.WithLabelValues(d.Name(), "error").Inc()
		return fmt.Errorf("selecting candidates: %w", err)
	}

	var delivered int
	for _, cand := range candidates {
		var halt = d.dispatchOne(ctx, cand)
		if halt {
			stageRunsCounter.WithLabelValues(d.Name(), "session_fault").Inc()
			return nil
		}
		delivered++
	}

	if len(candidates) > 0 {
		audit(ctx, d.Store, d.Bus, "dispatch", "attempted %d dispatches (%d quota remaining)",
			delivered, remaining-delivered)
	}
	stageRunsCounter.WithLabelValues(d.Name(), "ok").Inc()
	return nil
}

// dispatchOne attempts one delivery and records its outcome. It returns
// true when a session-level fault should halt the batch.
func (d *Dispatch) dispatchOne(ctx context.Context, cand store.DispatchCandidate) (halt bool) {
	var err = d.Pool.Execute(ctx, "dispatch:"+cand.RawItemID, func(ctx context.Context) error {
		return d.Sender.Send(ctx, cand.AuthorLink, cand.Text)
	})

	var attempt = store.DispatchAttempt{
		RawItemID: cand.RawItemID,
		DraftID:   cand.DraftID,
	}

	switch {
	case err == nil:
		attempt.Status = store.DispatchSent
		attempt.SentAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	case errors.Is(err, browser.ErrLoggedOut):
		attempt.Status = store.DispatchFailed
		attempt.Error = sql.NullString{String: err.Error(), Valid: true}
		d.Session.Invalidate(ctx, store.SessionInvalid, err.Error())
		audit(ctx, d.Store, d.Bus, "dispatch_halt", "session invalidated: %v", err)
		halt = true

	case errors.Is(err, browser.ErrCheckpoint):
		attempt.Status = store.DispatchFailed
		attempt.Error = sql.NullString{String: err.Error(), Valid: true}
		d.Session.Invalidate(ctx, store.SessionBlocked, err.Error())
		audit(ctx, d.Store, d.Bus, "dispatch_halt", "session blocked: %v", err)
		halt = true

	case errors.Is(err, browser.ErrRecipientUnavailable):
		attempt.Status = store.DispatchSkipped
		attempt.Error = sql.NullString{String: err.Error(), Valid: true}
		audit(ctx, d.Store, d.Bus, "dispatch_skip", "item %s: %v", cand.RawItemID, err)

	default:
		// Transient: the candidate filter (no sent attempt) re-selects it
		// on a later tick.
		attempt.Status = store.DispatchFailed
		attempt.Error = sql.NullString{String: err.Error(), Valid: true}
		reportErr(d.Bus, d.Name(), fmt.Errorf("item %s: %w", cand.RawItemID, err))
	}

	if insertErr := d.Store.InsertDispatchAttempt(ctx, attempt); insertErr != nil {
		reportErr(d.Bus, d.Name(), fmt.Errorf("recording attempt of %s: %w", cand.RawItemID, insertErr))
	}
	dispatchCounter.WithLabelValues(attempt.Status).Inc()
	return halt
}
