// Package stages implements the four pipeline stage handlers:
// scrape → classify → generate → dispatch. Handlers are idempotent, advance
// each item at most once (unique-index guarded), never let one bad
// candidate halt a batch, and record every decision to the audit trail.
package stages

import (
	"context"
	"fmt"

	"github.com/chronicler-app/chronicler/events"
	"github.com/chronicler-app/chronicler/store"
	log "github.com/sirupsen/logrus"
)

// Handler is one schedulable pipeline stage.
type Handler interface {
	Name() string
	Run(ctx context.Context) error
}

// audit writes one entry to both the durable audit trail and the event bus.
func audit(ctx context.Context, st *store.Store, bus *events.Bus, kind, format string, args ...interface{}) {
	var msg = fmt.Sprintf(format, args...)
	st.AppendAudit(ctx, kind, msg)
	bus.Publish(events.KindAudit, map[string]string{"kind": kind, "message": msg})
	log.WithField("kind", kind).Info(msg)
}

// reportErr publishes a stage-level error without letting it escape.
func reportErr(bus *events.Bus, stage string, err error) {
	log.WithFields(log.Fields{"stage": stage, "err": err}).Error("stage error")
	bus.Publish(events.KindError, map[string]string{"stage": stage, "error": err.Error()})
}
