package browser

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/chronicler-app/chronicler/events"
	"github.com/chronicler-app/chronicler/store"
	log "github.com/sirupsen/logrus"
)

const sessionHome = "https://www.facebook.com/"

// principalCookie identifies the logged-in principal in the profile's
// cookie jar.
const principalCookie = "c_user"

// SessionSource yields the current session state. The router and the
// stages consult it before planning browser work.
type SessionSource interface {
	Current(ctx context.Context) (store.SessionState, error)
}

// Session probes and persists the state of the browser session principal.
type Session struct {
	Launcher *Launcher
	Store    *store.Store
	Bus      *events.Bus

	// MaxAge bounds how stale a persisted session check may be before
	// Current re-probes.
	MaxAge time.Duration
}

var _ SessionSource = (*Session)(nil)

// NewSession returns a Session probing through |launcher|.
func NewSession(launcher *Launcher, st *store.Store, bus *events.Bus) *Session {
	return &Session{Launcher: launcher, Store: st, Bus: bus, MaxAge: 15 * time.Minute}
}

// Current returns the persisted session state, re-probing when it is
// unknown or stale. Invalid and blocked states are sticky: recovery is
// operator-mediated, so re-probing them would only burn browser time.
func (s *Session) Current(ctx context.Context) (store.SessionState, error) {
	var st, err = s.Store.GetSessionState(ctx)
	if err != nil {
		return st, err
	}
	switch st.Status {
	case store.SessionInvalid, store.SessionBlocked:
		return st, nil
	case store.SessionValid:
		if time.Since(st.LastCheckedAt) < s.MaxAge {
			return st, nil
		}
	}
	return s.Probe(ctx)
}

// Probe opens the browser, inspects the cookie jar for the principal, and
// persists the observed state.
func (s *Session) Probe(ctx context.Context) (store.SessionState, error) {
	var principalID string
	var err = s.Launcher.Run(ctx,
		chromedp.Navigate(sessionHome),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var cookies, err = storage.GetCookies().Do(ctx)
			if err != nil {
				return fmt.Errorf("reading cookie jar: %w", err)
			}
			for _, c := range cookies {
				if c.Name == principalCookie {
					principalID = c.Value
					return nil
				}
			}
			return nil
		}),
	)

	var now = time.Now().UTC()
	var st = store.SessionState{LastCheckedAt: now}
	switch {
	case err != nil:
		st.Status = store.SessionUnknown
		st.Error = sql.NullString{String: err.Error(), Valid: true}
	case principalID == "":
		st.Status = store.SessionExpired
	default:
		st.Status = store.SessionValid
		st.LastValidAt = sql.NullTime{Time: now, Valid: true}
		st.PrincipalID = sql.NullString{String: principalID, Valid: true}
	}

	if putErr := s.Store.PutSessionState(ctx, st); putErr != nil {
		log.WithField("err", putErr).Warn("failed to persist session state")
	}
	s.Bus.Publish(events.KindSession, map[string]string{"status": st.Status})

	if err != nil {
		return st, fmt.Errorf("probing session: %w", err)
	}
	return st, nil
}

// Invalidate records a session-level fault raised by another component,
// such as the dispatch stage observing a logout.
func (s *Session) Invalidate(ctx context.Context, status, reason string) {
	var st = store.SessionState{
		Status:        status,
		LastCheckedAt: time.Now().UTC(),
		Error:         sql.NullString{String: reason, Valid: reason != ""},
	}
	if err := s.Store.PutSessionState(ctx, st); err != nil {
		log.WithField("err", err).Warn("failed to persist session invalidation")
	}
	s.Bus.Publish(events.KindSession, map[string]string{"status": status, "reason": reason})
}
