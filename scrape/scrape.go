// Package scrape discovers new forum posts. Two implementations serve the
// same contract: a fast structured-API scraper for public targets, and an
// authenticated headless-browser scraper for everything else.
package scrape

import (
	"context"

	"github.com/chronicler-app/chronicler/store"
)

// Scraper discovers up to |limit| posts of the identified target.
type Scraper interface {
	Scrape(ctx context.Context, targetID string, limit int) ([]store.RawItem, error)
}

const forumBase = "https://www.facebook.com"

// TargetURL returns the public URL of a configured target forum.
func TargetURL(targetID string) string {
	return forumBase + "/groups/" + targetID
}
