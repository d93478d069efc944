package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

// Session-level and recipient-level delivery faults. The dispatch stage
// maps these onto dispatch attempt rows and session state transitions.
var (
	// ErrLoggedOut means the browser was bounced to a login page.
	ErrLoggedOut = errors.New("session logged out")
	// ErrCheckpoint means the principal hit a verification checkpoint or
	// account restriction.
	ErrCheckpoint = errors.New("session checkpoint required")
	// ErrRecipientUnavailable means the recipient refuses messages from
	// the principal.
	ErrRecipientUnavailable = errors.New("recipient does not accept messages")
)

// Page markers recognized while attempting delivery.
var (
	loginMarkers      = []string{"/login", "login_attempt", "logged out"}
	checkpointMarkers = []string{"/checkpoint", "account restricted", "confirm your identity"}
	refusalMarkers    = []string{"can't message this account", "not receiving messages", "message unavailable"}
)

const (
	messageButtonSel = `div[aria-label="Message"], a[aria-label="Message"]`
	messageInputSel  = `div[role="textbox"][contenteditable="true"]`
	overlayCloseSel  = `div[aria-label="Close"]`
)

// Sender delivers a message to an author profile. The dispatch stage
// depends on this interface so tests can substitute a fake.
type Sender interface {
	Send(ctx context.Context, profileURL, text string) error
}

// Messenger delivers drafts through the authenticated browser.
type Messenger struct {
	Launcher *Launcher
	// NavTimeout bounds each page interaction.
	NavTimeout time.Duration
}

var _ Sender = (*Messenger)(nil)

// NewMessenger returns a Messenger over |launcher|.
func NewMessenger(launcher *Launcher) *Messenger {
	return &Messenger{Launcher: launcher, NavTimeout: 45 * time.Second}
}

// Send opens |profileURL|, locates the message affordance, types |text|,
// and submits it.
func (m *Messenger) Send(ctx context.Context, profileURL, text string) error {
	ctx, cancel := context.WithTimeout(ctx, m.NavTimeout)
	defer cancel()

	var location string
	var err = m.Launcher.Run(ctx,
		chromedp.Navigate(profileURL),
		chromedp.Sleep(2*time.Second),
		chromedp.Location(&location),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if err := classifyLocation(location); err != nil {
				return err
			}
			return nil
		}),
		dismissOverlays(),
		chromedp.WaitVisible(messageButtonSel, chromedp.ByQuery),
		chromedp.Click(messageButtonSel, chromedp.ByQuery),
		chromedp.WaitVisible(messageInputSel, chromedp.ByQuery),
		chromedp.SendKeys(messageInputSel, text, chromedp.ByQuery),
		chromedp.SendKeys(messageInputSel, kb.Enter, chromedp.ByQuery),
		chromedp.Sleep(time.Second),
	)
	if err != nil {
		return fmt.Errorf("delivering message to %s: %w", profileURL, classifyBrowserError(err, location))
	}
	return nil
}

// dismissOverlays closes cookie banners and login nags when present,
// without failing if they are not.
func dismissOverlays() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		var clickCtx, cancel = context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		_ = chromedp.Run(clickCtx, chromedp.Click(overlayCloseSel, chromedp.ByQuery))
		return nil
	})
}

func classifyLocation(location string) error {
	var lower = strings.ToLower(location)
	for _, marker := range loginMarkers {
		if strings.Contains(lower, marker) {
			return ErrLoggedOut
		}
	}
	for _, marker := range checkpointMarkers {
		if strings.Contains(lower, marker) {
			return ErrCheckpoint
		}
	}
	return nil
}

// classifyBrowserError folds page markers into the delivery error taxonomy.
// Unrecognized errors pass through as transient.
func classifyBrowserError(err error, location string) error {
	if errors.Is(err, ErrLoggedOut) || errors.Is(err, ErrCheckpoint) || errors.Is(err, ErrRecipientUnavailable) {
		return err
	}
	var lower = strings.ToLower(err.Error() + " " + location)
	for _, marker := range loginMarkers {
		if strings.Contains(lower, marker) {
			return ErrLoggedOut
		}
	}
	for _, marker := range checkpointMarkers {
		if strings.Contains(lower, marker) {
			return ErrCheckpoint
		}
	}
	for _, marker := range refusalMarkers {
		if strings.Contains(lower, marker) {
			return ErrRecipientUnavailable
		}
	}
	return err
}
