package stages

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/chronicler-app/chronicler/breaker"
	"github.com/chronicler-app/chronicler/events"
	"github.com/chronicler-app/chronicler/llm"
	"github.com/chronicler-app/chronicler/retry"
	"github.com/chronicler-app/chronicler/store"
	log "github.com/sirupsen/logrus"
)

// classifyBatchCap bounds the batch size regardless of configuration.
const classifyBatchCap = 50

// Classify scores unclassified raw items with the LLM and persists exactly
// one verdict per item.
type Classify struct {
	Store      *store.Store
	Classifier *llm.Classifier
	Breakers   *breaker.Set
	Bus        *events.Bus

	BatchSize int
}

// Name implements Handler.
func (c *Classify) Name() string { return "classify" }

// Run classifies one batch of candidates. A circuit-open short-circuits the
// remainder of the batch; those candidates stay queryable for the next tick.
func (c *Classify) Run(ctx context.Context) error {
	var batch = c.BatchSize
	if batch <= 0 {
		batch = 20
	}
	if batch > classifyBatchCap {
		batch = classifyBatchCap
	}

	var candidates, err = c.Store.CandidatesForClassify(ctx, batch)
	if err != nil {
		stageRunsCounter.WithLabelValues(c.Name(), "error").Inc()
		return fmt.Errorf("selecting candidates: %w", err)
	}

	var done int
	for _, item := range candidates {
		var verdict llm.Verdict
		var verdictErr error
		err = c.Breakers.Execute(breaker.LLM, func() error {
			return retry.Do(ctx, retry.Options{}, func() error {
				verdict, verdictErr = c.Classifier.Classify(ctx, item.Text)
				if errors.Is(verdictErr, llm.ErrMalformedVerdict) {
					// The service answered; a bad answer is not a dependency
					// failure and must not count toward opening the circuit.
					return nil
				}
				return verdictErr
			})
		})
		if err == nil {
			err = verdictErr
		}

		if errors.Is(err, breaker.ErrOpen) {
			audit(ctx, c.Store, c.Bus, "classify_halt",
				"classifier circuit open after %d of %d candidates", done, len(candidates))
			stageRunsCounter.WithLabelValues(c.Name(), "circuit_open").Inc()
			return nil
		}
		if errors.Is(err, llm.ErrMalformedVerdict) {
			audit(ctx, c.Store, c.Bus, "classify_skip", "item %s: %v", item.ID, err)
			continue
		}
		if err != nil {
			reportErr(c.Bus, c.Name(), fmt.Errorf("item %s: %w", item.ID, err))
			continue
		}

		var inserted bool
		inserted, err = c.Store.InsertClassification(ctx, store.Classification{
			RawItemID:  item.ID,
			IsRelevant: verdict.IsRelevant,
			Confidence: verdict.Confidence,
		})
		if err != nil {
			reportErr(c.Bus, c.Name(), fmt.Errorf("persisting verdict of %s: %w", item.ID, err))
			continue
		}
		if !inserted {
			// Another process classified it first; idempotency collapsed
			// the duplicate advance.
			log.WithField("item", item.ID).Debug("classification already present")
			continue
		}
		classifiedCounter.WithLabelValues(strconv.FormatBool(verdict.IsRelevant)).Inc()
		done++
	}

	if done > 0 {
		audit(ctx, c.Store, c.Bus, "classify", "classified %d of %d candidates", done, len(candidates))
	}
	stageRunsCounter.WithLabelValues(c.Name(), "ok").Inc()
	return nil
}
