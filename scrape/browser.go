package scrape

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
	"github.com/chronicler-app/chronicler/browser"
	"github.com/chronicler-app/chronicler/store"
	log "github.com/sirupsen/logrus"
)

// ErrTargetInaccessible marks a browser-side access refusal: the principal
// is not a member, the group is private, or joining is required. Only these
// errors may flip a target unusable; an empty fast-scrape result may not.
var ErrTargetInaccessible = errors.New("target is not accessible to the session principal")

var accessRefusalMarkers = []string{
	"not a member",
	"private group",
	"join group",
	"join this group",
	"content isn't available",
}

const (
	feedSel     = `div[role="feed"]`
	articleSel  = `div[role="article"]`
	scrollByJS  = `window.scrollBy(0, window.innerHeight * 2)`
	articleJS   = `document.querySelectorAll('div[role="article"]').length`
	overlaySel  = `div[aria-label="Close"]`
	maxScrolls  = 12
	scrollPause = 1500 * time.Millisecond
)

// BrowserScraper discovers posts through the authenticated headless
// browser: load the target, wait for its feed, scroll until enough posts
// are rendered, then extract them from the DOM.
type BrowserScraper struct {
	Launcher *browser.Launcher
	// PageTimeout bounds one full scrape of a target.
	PageTimeout time.Duration
}

var _ Scraper = (*BrowserScraper)(nil)

// NewBrowserScraper returns a BrowserScraper over |launcher|.
func NewBrowserScraper(launcher *browser.Launcher) *BrowserScraper {
	return &BrowserScraper{Launcher: launcher, PageTimeout: 3 * time.Minute}
}

// Scrape loads the target feed and extracts up to |limit| posts.
func (b *BrowserScraper) Scrape(ctx context.Context, targetID string, limit int) ([]store.RawItem, error) {
	ctx, cancel := context.WithTimeout(ctx, b.PageTimeout)
	defer cancel()

	var html string
	var bodyText string
	var err = b.Launcher.Run(ctx,
		chromedp.Navigate(TargetURL(targetID)),
		chromedp.Sleep(2*time.Second),
		chromedp.Text("body", &bodyText, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return checkAccess(bodyText)
		}),
		dismissOverlay(),
		chromedp.WaitVisible(feedSel, chromedp.ByQuery),
		scrollFeed(limit),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "wait") && checkAccess(bodyText) != nil {
			return nil, fmt.Errorf("loading target %q: %w", targetID, ErrTargetInaccessible)
		}
		return nil, fmt.Errorf("loading target %q: %w", targetID, err)
	}

	var items, parseErr = extractPosts(targetID, html, limit)
	if parseErr != nil {
		return nil, fmt.Errorf("extracting posts of %q: %w", targetID, parseErr)
	}
	log.WithFields(log.Fields{"target": targetID, "items": len(items)}).
		Debug("browser scrape extracted posts")
	return items, nil
}

func checkAccess(bodyText string) error {
	var lower = strings.ToLower(bodyText)
	for _, marker := range accessRefusalMarkers {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%w: %q", ErrTargetInaccessible, marker)
		}
	}
	return nil
}

func dismissOverlay() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		var clickCtx, cancel = context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		_ = chromedp.Run(clickCtx, chromedp.Click(overlaySel, chromedp.ByQuery))
		return nil
	})
}

// scrollFeed scrolls until at least |want| posts are rendered or the
// iteration cap is reached.
func scrollFeed(want int) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for i := 0; i < maxScrolls; i++ {
			var count int
			if err := chromedp.Evaluate(articleJS, &count).Do(ctx); err != nil {
				return err
			}
			if count >= want {
				return nil
			}
			if err := chromedp.Evaluate(scrollByJS, nil).Do(ctx); err != nil {
				return err
			}
			select {
			case <-time.After(scrollPause):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
}

// extractPosts parses rendered feed HTML into RawItems.
func extractPosts(targetID, html string, limit int) ([]store.RawItem, error) {
	var doc, err = goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	var items []store.RawItem
	doc.Find(articleSel).EachWithBreak(func(_ int, article *goquery.Selection) bool {
		var postURL string
		article.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
			var href, _ = a.Attr("href")
			if ExtractSourceKey(href) != "" {
				postURL = href
				return false
			}
			return true
		})
		var key = ExtractSourceKey(postURL)
		if key == "" {
			return true
		}

		var authorAnchor = article.Find("h2 a, h3 a, strong a").First()
		var authorName = strings.TrimSpace(authorAnchor.Text())
		var authorLink, _ = authorAnchor.Attr("href")
		var authorPhoto, _ = article.Find("image, img").First().Attr("xlink:href")
		if authorPhoto == "" {
			authorPhoto, _ = article.Find("img").First().Attr("src")
		}

		var text = CleanText(article.Find(`div[data-ad-preview="message"], div[dir="auto"]`).First().Text())
		if text == "" {
			return true
		}

		items = append(items, store.RawItem{
			SourceID:    targetID,
			SourceKey:   key,
			AuthorName:  nullString(authorName),
			AuthorLink:  nullString(CanonicalAuthorLink(authorLink)),
			AuthorPhoto: nullString(authorPhoto),
			Text:        text,
			ScrapedAt:   time.Now().UTC(),
		})
		return len(items) < limit
	})
	return items, nil
}
