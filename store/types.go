package store

import (
	"database/sql"
	"time"
)

// RawItem is a scraped forum post as first captured. SourceKey is the
// natural key: re-encounters of the same post refresh mutable fields but
// never create a second row.
type RawItem struct {
	ID          string         `db:"id"`
	SourceID    string         `db:"source_id"`
	SourceKey   string         `db:"source_key"`
	AuthorName  sql.NullString `db:"author_name"`
	AuthorLink  sql.NullString `db:"author_link"`
	AuthorPhoto sql.NullString `db:"author_photo"`
	Text        string         `db:"text"`
	ScrapedAt   time.Time      `db:"scraped_at"`
}

// Classification is the classifier's verdict on one RawItem.
// At most one row exists per RawItem.
type Classification struct {
	RawItemID    string    `db:"raw_item_id"`
	IsRelevant   bool      `db:"is_relevant"`
	Confidence   int       `db:"confidence"`
	ClassifiedAt time.Time `db:"classified_at"`
}

// DraftMessage is a personalized outreach message tied to one RawItem.
// A unique index on raw_item_id guards zero-or-one per item.
type DraftMessage struct {
	ID        string    `db:"id"`
	RawItemID string    `db:"raw_item_id"`
	Text      string    `db:"text"`
	Link      string    `db:"link"`
	CreatedAt time.Time `db:"created_at"`
}

// Dispatch attempt statuses.
const (
	DispatchPending = "pending"
	DispatchSent    = "sent"
	DispatchFailed  = "failed"
	DispatchSkipped = "skipped"
)

// DispatchAttempt records one delivery attempt of a draft. Multiple rows per
// RawItem are allowed, but at most one with status=sent.
type DispatchAttempt struct {
	ID        string         `db:"id"`
	RawItemID string         `db:"raw_item_id"`
	DraftID   string         `db:"draft_id"`
	Status    string         `db:"status"`
	SentAt    sql.NullTime   `db:"sent_at"`
	Error     sql.NullString `db:"error"`
}

// Target kinds and access methods.
const (
	KindPublic  = "public"
	KindPrivate = "private"
	KindUnknown = "unknown"

	MethodFast    = "fast"
	MethodBrowser = "browser"
	MethodNone    = "none"
)

// Target is a configured community forum and the cached plan of how to
// reach it. The cache is rebuilt once an entry is older than 24h.
type Target struct {
	ID            string         `db:"id"`
	Kind          string         `db:"kind"`
	AccessMethod  string         `db:"access_method"`
	IsAccessible  bool           `db:"is_accessible"`
	LastProbedAt  time.Time      `db:"last_probed_at"`
	LastScrapedAt sql.NullTime   `db:"last_scraped_at"`
	Error         sql.NullString `db:"error"`
}

// Session statuses.
const (
	SessionValid      = "valid"
	SessionExpired    = "expired"
	SessionInvalid    = "invalid"
	SessionRefreshing = "refreshing"
	SessionBlocked    = "blocked"
	SessionUnknown    = "unknown"
)

// SessionState is the most-recent known state of the authenticated browser
// session principal.
type SessionState struct {
	Status        string         `db:"status"`
	LastCheckedAt time.Time      `db:"last_checked_at"`
	LastValidAt   sql.NullTime   `db:"last_valid_at"`
	PrincipalID   sql.NullString `db:"principal_id"`
	PrincipalName sql.NullString `db:"principal_name"`
	Error         sql.NullString `db:"error"`
}

// AuditEntry is one append-only operator-visible audit record.
type AuditEntry struct {
	ID        string    `db:"id"`
	Kind      string    `db:"kind"`
	Message   string    `db:"message"`
	CreatedAt time.Time `db:"created_at"`
}

// GenerateCandidate joins a relevant Classification with its RawItem for
// the generate stage.
type GenerateCandidate struct {
	RawItem
	Confidence int `db:"confidence"`
}

// DispatchCandidate joins a DraftMessage with its RawItem for the dispatch
// stage.
type DispatchCandidate struct {
	DraftID    string         `db:"draft_id"`
	RawItemID  string         `db:"raw_item_id"`
	AuthorName sql.NullString `db:"author_name"`
	AuthorLink string         `db:"author_link"`
	Text       string         `db:"draft_text"`
}
