// Package browser owns the authenticated headless browser: launching it
// from the persistent profile directory, probing the session principal,
// and driving profile-to-profile message delivery.
package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chromedp/chromedp"
	log "github.com/sirupsen/logrus"
)

// Stale profile lock files left behind by crashed browsers. The profile
// directory is an exclusively-owned resource; these are swept before every
// launch.
var profileLockFiles = []string{
	"SingletonLock",
	"SingletonSocket",
	"SingletonCookie",
	"lockfile",
}

// Launcher creates browser contexts bound to the persistent profile.
type Launcher struct {
	ProfileDir string
	Headless   bool
}

// NewLauncher returns a headless Launcher over |profileDir|.
func NewLauncher(profileDir string) *Launcher {
	return &Launcher{ProfileDir: profileDir, Headless: true}
}

// NewContext sweeps stale profile locks and returns a browser context.
// The returned cancel tears down the tab and the browser process.
func (l *Launcher) NewContext(ctx context.Context) (context.Context, context.CancelFunc) {
	l.sweepStaleLocks()

	var opts = append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(l.ProfileDir),
		chromedp.Flag("headless", l.Headless),
		chromedp.Flag("disable-notifications", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	var allocCtx, cancelAlloc = chromedp.NewExecAllocator(ctx, opts...)
	var taskCtx, cancelTask = chromedp.NewContext(allocCtx)

	return taskCtx, func() {
		cancelTask()
		cancelAlloc()
	}
}

// Run executes |actions| in a fresh browser context. A failed launch is
// retried once after sweeping the profile locks again, since the common
// failure is a lock file owned by a dead process.
func (l *Launcher) Run(ctx context.Context, actions ...chromedp.Action) error {
	var err = l.runOnce(ctx, actions...)
	if err == nil || !launchFailure(err) {
		return err
	}
	log.WithField("err", err).Warn("browser launch failed; sweeping profile locks and retrying")
	l.sweepStaleLocks()
	return l.runOnce(ctx, actions...)
}

func (l *Launcher) runOnce(ctx context.Context, actions ...chromedp.Action) error {
	var taskCtx, cancel = l.NewContext(ctx)
	defer cancel()
	return chromedp.Run(taskCtx, actions...)
}

func launchFailure(err error) bool {
	var msg = err.Error()
	return strings.Contains(msg, "exec") ||
		strings.Contains(msg, "SingletonLock") ||
		strings.Contains(msg, "already running") ||
		strings.Contains(msg, "websocket url timeout")
}

func (l *Launcher) sweepStaleLocks() {
	for _, name := range profileLockFiles {
		var path = filepath.Join(l.ProfileDir, name)
		if _, err := os.Lstat(path); err != nil {
			continue
		}
		if err := os.Remove(path); err != nil {
			log.WithFields(log.Fields{"path": path, "err": err}).
				Warn("failed to sweep stale profile lock")
		} else {
			log.WithField("path", path).Info("swept stale profile lock")
		}
	}
}

// EnsureProfile validates that the profile directory exists and is writable.
func (l *Launcher) EnsureProfile() error {
	if err := os.MkdirAll(l.ProfileDir, 0o700); err != nil {
		return fmt.Errorf("creating browser profile directory: %w", err)
	}
	return nil
}
