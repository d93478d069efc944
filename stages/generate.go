package stages

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/chronicler-app/chronicler/breaker"
	"github.com/chronicler-app/chronicler/events"
	"github.com/chronicler-app/chronicler/llm"
	"github.com/chronicler-app/chronicler/retry"
	"github.com/chronicler-app/chronicler/store"
)

// Generate composes one personalized draft per qualifying item, guarded by
// the unique index on raw_item_id.
type Generate struct {
	Store    *store.Store
	Composer *llm.Composer
	Breakers *breaker.Set
	Bus      *events.Bus

	BatchSize        int
	MinConfidence    int
	CanonicalBaseURL string
	LandingBaseURL   string
}

// Name implements Handler.
func (g *Generate) Name() string { return "generate" }

// Run drafts messages for one batch of candidates.
func (g *Generate) Run(ctx context.Context) error {
	var batch = g.BatchSize
	if batch <= 0 {
		batch = 20
	}

	var candidates, err = g.Store.CandidatesForGenerate(ctx, batch, g.MinConfidence)
	if err != nil {
		stageRunsCounter.WithLabelValues(g.Name(), "error").Inc()
		return fmt.Errorf("selecting candidates: %w", err)
	}

	var done int
	for _, cand := range candidates {
		var halt bool
		halt, err = g.generateOne(ctx, cand)
		if halt {
			stageRunsCounter.WithLabelValues(g.Name(), "circuit_open").Inc()
			return nil
		}
		if err != nil {
			reportErr(g.Bus, g.Name(), fmt.Errorf("item %s: %w", cand.ID, err))
			continue
		}
		done++
	}

	if done > 0 {
		audit(ctx, g.Store, g.Bus, "generate", "drafted %d of %d candidates", done, len(candidates))
	}
	stageRunsCounter.WithLabelValues(g.Name(), "ok").Inc()
	return nil
}

// generateOne drafts and persists one message. It returns halt=true when
// the LLM circuit is open and the batch should stop.
func (g *Generate) generateOne(ctx context.Context, cand store.GenerateCandidate) (halt bool, err error) {
	var link = g.shareLink(cand.ID, cand.Text)

	var text string
	err = g.Breakers.Execute(breaker.LLM, func() error {
		return retry.Do(ctx, retry.Options{}, func() error {
			var composeErr error
			text, composeErr = g.Composer.Compose(ctx, FirstName(cand.AuthorName.String), cand.Text, link)
			return composeErr
		})
	})
	if errors.Is(err, breaker.ErrOpen) {
		audit(ctx, g.Store, g.Bus, "generate_halt", "composer circuit open")
		return true, nil
	}
	if err != nil {
		return false, err
	}

	text = strings.TrimSpace(text)
	if text == "" || !strings.Contains(text, g.CanonicalBaseURL) {
		// The candidate stays selectable; composition is retried on a
		// later tick with a fresh completion.
		audit(ctx, g.Store, g.Bus, "generate_skip", "item %s: invalid message", cand.ID)
		return false, nil
	}

	var inserted bool
	inserted, err = g.Store.InsertDraft(ctx, store.DraftMessage{
		RawItemID: cand.ID,
		Text:      text,
		Link:      link,
	})
	if err != nil {
		return false, fmt.Errorf("persisting draft: %w", err)
	}
	if inserted {
		draftsCounter.Inc()
	}
	return false, nil
}

// shareLink builds the per-item share link: the landing page when one is
// configured, else a canonical-base referral URL carrying the post text.
func (g *Generate) shareLink(rawItemID, text string) string {
	if g.LandingBaseURL != "" {
		return strings.TrimSuffix(g.LandingBaseURL, "/") + "/submit/" + rawItemID
	}
	var v = url.Values{}
	v.Set("ref", rawItemID)
	v.Set("text", text)
	return g.CanonicalBaseURL + "?" + v.Encode()
}

// FirstName derives the leading name token of a full author name.
func FirstName(full string) string {
	var fields = strings.Fields(strings.TrimSpace(full))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
