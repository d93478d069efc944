package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chronicler-app/chronicler/retry"
	"github.com/chronicler-app/chronicler/store"
	log "github.com/sirupsen/logrus"
)

// DefaultFastAPIBase is the production endpoint of the structured scraper's
// job-queue API.
const DefaultFastAPIBase = "https://api.apify.com/v2"

const fastActor = "apify~facebook-groups-scraper"

// FastScraper drives the third-party structured scraper: start a run for
// the target, poll it to completion, then fetch the dataset items.
type FastScraper struct {
	APIBase      string
	Token        string
	Client       *http.Client
	PollInterval time.Duration
	RunTimeout   time.Duration
}

var _ Scraper = (*FastScraper)(nil)

// NewFastScraper returns a FastScraper against the production API.
func NewFastScraper(token string) *FastScraper {
	return &FastScraper{
		APIBase:      DefaultFastAPIBase,
		Token:        token,
		Client:       &http.Client{Timeout: 30 * time.Second},
		PollInterval: 2 * time.Second,
		RunTimeout:   2 * time.Minute,
	}
}

type runStatus struct {
	Data struct {
		ID               string `json:"id"`
		Status           string `json:"status"`
		DefaultDatasetID string `json:"defaultDatasetId"`
	} `json:"data"`
}

// Scrape runs one scrape job and normalizes its dataset.
func (f *FastScraper) Scrape(ctx context.Context, targetID string, limit int) ([]store.RawItem, error) {
	var runID, datasetID, err = f.startRun(ctx, targetID, limit)
	if err != nil {
		return nil, err
	}

	datasetID, err = f.awaitRun(ctx, runID, datasetID)
	if err != nil {
		return nil, err
	}

	raw, err := f.fetchDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	return normalizeItems(targetID, raw)
}

func (f *FastScraper) startRun(ctx context.Context, targetID string, limit int) (runID, datasetID string, err error) {
	var body, _ = json.Marshal(map[string]interface{}{
		"startUrls":    []map[string]string{{"url": TargetURL(targetID)}},
		"resultsLimit": limit,
	})
	var status runStatus
	if err = f.call(ctx, http.MethodPost, fmt.Sprintf("/acts/%s/runs", fastActor), body, &status); err != nil {
		return "", "", fmt.Errorf("starting scrape run of %q: %w", targetID, err)
	}
	return status.Data.ID, status.Data.DefaultDatasetID, nil
}

func (f *FastScraper) awaitRun(ctx context.Context, runID, datasetID string) (string, error) {
	var deadline = time.Now().Add(f.RunTimeout)
	for {
		var status runStatus
		if err := f.call(ctx, http.MethodGet, "/actor-runs/"+runID, nil, &status); err != nil {
			return "", fmt.Errorf("polling run %q: %w", runID, err)
		}
		if status.Data.DefaultDatasetID != "" {
			datasetID = status.Data.DefaultDatasetID
		}

		switch status.Data.Status {
		case "SUCCEEDED":
			return datasetID, nil
		case "FAILED", "ABORTED", "TIMED-OUT":
			return "", fmt.Errorf("scrape run %q finished with status %s", runID, status.Data.Status)
		}
		if time.Now().After(deadline) {
			return "", &retry.StatusError{Status: 504, Message: fmt.Sprintf("run %s did not finish within %s", runID, f.RunTimeout)}
		}
		select {
		case <-time.After(f.PollInterval):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (f *FastScraper) fetchDataset(ctx context.Context, datasetID string) ([]map[string]json.RawMessage, error) {
	var items []map[string]json.RawMessage
	if err := f.call(ctx, http.MethodGet, "/datasets/"+datasetID+"/items", nil, &items); err != nil {
		return nil, fmt.Errorf("fetching dataset %q: %w", datasetID, err)
	}
	return items, nil
}

func (f *FastScraper) call(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	var req, err = http.NewRequestWithContext(ctx, method, f.APIBase+path+"?token="+f.Token, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var msg, _ = io.ReadAll(io.LimitReader(resp.Body, 512))
		return &retry.StatusError{Status: resp.StatusCode, Message: string(msg)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Ordered field-alias lists of the heterogeneous dataset schema. The first
// matching alias wins.
var (
	textAliases       = []string{"text", "message", "content", "postText"}
	urlAliases        = []string{"url", "postUrl", "link", "topLevelUrl"}
	authorNameAliases = []string{"author_name", "userName", "authorName"}
	authorLinkAliases = []string{"author_link", "userUrl", "authorUrl", "profileUrl"}
	authorPicAliases  = []string{"author_photo", "userPic", "profilePic", "authorThumb"}
)

// nestedUser is the nested author shape some dataset revisions use.
type nestedUser struct {
	Name       string `json:"name"`
	URL        string `json:"url"`
	ID         string `json:"id"`
	ProfilePic string `json:"profilePic"`
}

func stringField(item map[string]json.RawMessage, aliases []string) string {
	for _, alias := range aliases {
		if raw, ok := item[alias]; ok {
			var s string
			if json.Unmarshal(raw, &s) == nil && s != "" {
				return s
			}
		}
	}
	return ""
}

// normalizeItems maps heterogeneous dataset items into RawItems. An item
// embedding an "error" field marks the whole call failed: a blocked
// scrape must not be mistaken for an empty target.
func normalizeItems(targetID string, items []map[string]json.RawMessage) ([]store.RawItem, error) {
	var out []store.RawItem
	for _, item := range items {
		if raw, ok := item["error"]; ok {
			var msg string
			if json.Unmarshal(raw, &msg) != nil {
				msg = string(raw)
			}
			return nil, fmt.Errorf("fast scraper returned embedded error: %s", msg)
		}

		var name = stringField(item, authorNameAliases)
		var link = stringField(item, authorLinkAliases)
		var photo = stringField(item, authorPicAliases)
		if raw, ok := item["user"]; ok {
			var user nestedUser
			if json.Unmarshal(raw, &user) == nil {
				if name == "" {
					name = user.Name
				}
				if link == "" {
					link = user.URL
					if link == "" && user.ID != "" {
						link = forumBase + "/profile.php?id=" + user.ID
					}
				}
				if photo == "" {
					photo = user.ProfilePic
				}
			}
		}

		var postURL = stringField(item, urlAliases)
		var key = ExtractSourceKey(postURL)
		if key == "" {
			log.WithFields(log.Fields{"target": targetID, "url": postURL}).
				Debug("skipping dataset item without a recognizable post key")
			continue
		}

		var text = CleanText(stringField(item, textAliases))
		if text == "" {
			continue
		}

		out = append(out, store.RawItem{
			SourceID:    targetID,
			SourceKey:   key,
			AuthorName:  nullString(name),
			AuthorLink:  nullString(CanonicalAuthorLink(link)),
			AuthorPhoto: nullString(photo),
			Text:        text,
			ScrapedAt:   time.Now().UTC(),
		})
	}
	return out, nil
}
