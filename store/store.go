// Package store is the typed adapter over the durable relational store.
// It owns every pipeline entity; in-memory components hold only bounded
// rings. All methods run under a hard per-statement timeout and classify
// failures as TransientError or FatalError.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
)

// Options tunes the connection pool and statement deadlines.
type Options struct {
	ConnectionLimit  int
	PoolTimeout      time.Duration
	ConnectTimeout   time.Duration
	StatementTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.ConnectionLimit == 0 {
		o.ConnectionLimit = 10
	}
	if o.PoolTimeout == 0 {
		o.PoolTimeout = 10 * time.Second
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.StatementTimeout == 0 {
		o.StatementTimeout = 30 * time.Second
	}
}

// Store adapts the relational store to the pipeline's typed operations.
type Store struct {
	mu   sync.RWMutex
	db   *sqlx.DB
	url  string
	opts Options
}

// Open connects to the store at |url| and verifies the connection.
func Open(ctx context.Context, url string, opts Options) (*Store, error) {
	opts.setDefaults()

	var db, err = connect(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, url: url, opts: opts}, nil
}

func connect(ctx context.Context, url string, opts Options) (*sqlx.DB, error) {
	var db, err = sqlx.Open("pgx", url)
	if err != nil {
		return nil, &FatalError{Err: fmt.Errorf("opening store: %w", err)}
	}
	db.SetMaxOpenConns(opts.ConnectionLimit)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, classify(fmt.Errorf("pinging store: %w", err))
	}
	return db, nil
}

// NewWithDB wraps an existing database handle. Intended for tests.
func NewWithDB(db *sqlx.DB, opts Options) *Store {
	opts.setDefaults()
	return &Store{db: db, opts: opts}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Close()
}

// Ping verifies store liveness under the statement timeout.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.deadline(ctx)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.db.PingContext(ctx); err != nil {
		return classify(fmt.Errorf("pinging store: %w", err))
	}
	return nil
}

// Reconnect tears down the pool and dials anew. Used by the self-healing
// controller when health probes fail.
func (s *Store) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		log.WithField("err", err).Warn("closing store pool during reconnect")
	}
	var db, err = connect(ctx, s.url, s.opts)
	if err != nil {
		return fmt.Errorf("reconnecting store: %w", err)
	}
	s.db = db
	return nil
}

func (s *Store) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.StatementTimeout)
}

func (s *Store) handle() *sqlx.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// UpsertRawItem inserts a RawItem, or refreshes the mutable fields of the
// existing row keyed by source_key. It returns true if a new row was created.
func (s *Store) UpsertRawItem(ctx context.Context, item RawItem) (bool, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.ScrapedAt.IsZero() {
		item.ScrapedAt = time.Now().UTC()
	}

	var inserted bool
	var err = s.handle().QueryRowxContext(ctx, `
		INSERT INTO raw_items (id, source_id, source_key, author_name, author_link, author_photo, text, scraped_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source_key) DO UPDATE SET
			author_name = EXCLUDED.author_name,
			author_link = EXCLUDED.author_link,
			text = EXCLUDED.text,
			scraped_at = EXCLUDED.scraped_at
		RETURNING (xmax = 0)`,
		item.ID, item.SourceID, item.SourceKey, item.AuthorName,
		item.AuthorLink, item.AuthorPhoto, item.Text, item.ScrapedAt,
	).Scan(&inserted)
	if err != nil {
		return false, classify(fmt.Errorf("upserting raw item %q: %w", item.SourceKey, err))
	}
	return inserted, nil
}

// InsertClassification persists the verdict for a RawItem. The unique index
// on raw_item_id collapses duplicate advances; it returns false when a
// classification already existed.
func (s *Store) InsertClassification(ctx context.Context, c Classification) (bool, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()

	if c.ClassifiedAt.IsZero() {
		c.ClassifiedAt = time.Now().UTC()
	}
	var res, err = s.handle().ExecContext(ctx, `
		INSERT INTO classifications (raw_item_id, is_relevant, confidence, classified_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (raw_item_id) DO NOTHING`,
		c.RawItemID, c.IsRelevant, c.Confidence, c.ClassifiedAt)
	if err != nil {
		return false, classify(fmt.Errorf("inserting classification of %q: %w", c.RawItemID, err))
	}
	var n, _ = res.RowsAffected()
	return n == 1, nil
}

// InsertDraft persists a DraftMessage. Returns false when the item already
// has a draft.
func (s *Store) InsertDraft(ctx context.Context, d DraftMessage) (bool, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	var res, err = s.handle().ExecContext(ctx, `
		INSERT INTO draft_messages (id, raw_item_id, text, link, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (raw_item_id) DO NOTHING`,
		d.ID, d.RawItemID, d.Text, d.Link, d.CreatedAt)
	if err != nil {
		return false, classify(fmt.Errorf("inserting draft of %q: %w", d.RawItemID, err))
	}
	var n, _ = res.RowsAffected()
	return n == 1, nil
}

// InsertDispatchAttempt appends one delivery attempt row.
func (s *Store) InsertDispatchAttempt(ctx context.Context, a DispatchAttempt) error {
	ctx, cancel := s.deadline(ctx)
	defer cancel()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	var _, err = s.handle().ExecContext(ctx, `
		INSERT INTO dispatch_attempts (id, raw_item_id, draft_id, status, sent_at, error)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.RawItemID, a.DraftID, a.Status, a.SentAt, a.Error)
	if err != nil {
		return classify(fmt.Errorf("inserting dispatch attempt of %q: %w", a.RawItemID, err))
	}
	return nil
}

// CandidatesForClassify returns RawItems lacking a Classification,
// oldest first.
func (s *Store) CandidatesForClassify(ctx context.Context, limit int) ([]RawItem, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()

	var items []RawItem
	var err = s.handle().SelectContext(ctx, &items, `
		SELECT r.id, r.source_id, r.source_key, r.author_name, r.author_link, r.author_photo, r.text, r.scraped_at
		FROM raw_items r
		LEFT JOIN classifications c ON c.raw_item_id = r.id
		WHERE c.raw_item_id IS NULL
		ORDER BY r.scraped_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("selecting classify candidates: %w", err))
	}
	return items, nil
}

// CandidatesForGenerate returns relevant, sufficiently confident items with
// an author link, no draft, and no sent dispatch, oldest first.
func (s *Store) CandidatesForGenerate(ctx context.Context, limit, minConfidence int) ([]GenerateCandidate, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()

	var items []GenerateCandidate
	var err = s.handle().SelectContext(ctx, &items, `
		SELECT r.id, r.source_id, r.source_key, r.author_name, r.author_link, r.author_photo, r.text, r.scraped_at, c.confidence
		FROM classifications c
		JOIN raw_items r ON r.id = c.raw_item_id
		LEFT JOIN draft_messages d ON d.raw_item_id = r.id
		WHERE c.is_relevant
		  AND c.confidence >= $2
		  AND r.author_link IS NOT NULL
		  AND d.raw_item_id IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM dispatch_attempts da
			WHERE da.raw_item_id = r.id AND da.status = 'sent')
		ORDER BY r.scraped_at ASC
		LIMIT $1`, limit, minConfidence)
	if err != nil {
		return nil, classify(fmt.Errorf("selecting generate candidates: %w", err))
	}
	return items, nil
}

// CandidatesForDispatch returns drafts whose item has an author link and no
// sent dispatch, oldest first.
func (s *Store) CandidatesForDispatch(ctx context.Context, limit int) ([]DispatchCandidate, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()

	var items []DispatchCandidate
	var err = s.handle().SelectContext(ctx, &items, `
		SELECT d.id AS draft_id, d.raw_item_id, r.author_name, r.author_link, d.text AS draft_text
		FROM draft_messages d
		JOIN raw_items r ON r.id = d.raw_item_id
		WHERE r.author_link IS NOT NULL
		  AND NOT EXISTS (
			SELECT 1 FROM dispatch_attempts da
			WHERE da.raw_item_id = d.raw_item_id AND da.status = 'sent')
		ORDER BY d.created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("selecting dispatch candidates: %w", err))
	}
	return items, nil
}

// CountSentInWindow counts sent dispatches within the trailing |window|.
// It gates the rolling dispatch quota.
func (s *Store) CountSentInWindow(ctx context.Context, window time.Duration) (int, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()

	var n int
	var err = s.handle().GetContext(ctx, &n, `
		SELECT COUNT(*) FROM dispatch_attempts
		WHERE status = 'sent' AND sent_at > $1`,
		time.Now().UTC().Add(-window))
	if err != nil {
		return 0, classify(fmt.Errorf("counting sent dispatches: %w", err))
	}
	return n, nil
}

// GetTarget returns the cached Target row, or nil when the target was
// never probed.
func (s *Store) GetTarget(ctx context.Context, id string) (*Target, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()

	var t Target
	var err = s.handle().GetContext(ctx, &t, `
		SELECT id, kind, access_method, is_accessible, last_probed_at, last_scraped_at, error
		FROM targets WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, classify(fmt.Errorf("selecting target %q: %w", id, err))
	}
	return &t, nil
}

// UpsertTarget replaces the cached plan of a target.
func (s *Store) UpsertTarget(ctx context.Context, t Target) error {
	ctx, cancel := s.deadline(ctx)
	defer cancel()

	if t.LastProbedAt.IsZero() {
		t.LastProbedAt = time.Now().UTC()
	}
	var _, err = s.handle().ExecContext(ctx, `
		INSERT INTO targets (id, kind, access_method, is_accessible, last_probed_at, last_scraped_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			access_method = EXCLUDED.access_method,
			is_accessible = EXCLUDED.is_accessible,
			last_probed_at = EXCLUDED.last_probed_at,
			last_scraped_at = EXCLUDED.last_scraped_at,
			error = EXCLUDED.error`,
		t.ID, t.Kind, t.AccessMethod, t.IsAccessible, t.LastProbedAt, t.LastScrapedAt, t.Error)
	if err != nil {
		return classify(fmt.Errorf("upserting target %q: %w", t.ID, err))
	}
	return nil
}

// PutSessionState records the most recent session state. Most-recent wins.
func (s *Store) PutSessionState(ctx context.Context, st SessionState) error {
	ctx, cancel := s.deadline(ctx)
	defer cancel()

	if st.LastCheckedAt.IsZero() {
		st.LastCheckedAt = time.Now().UTC()
	}
	var _, err = s.handle().ExecContext(ctx, `
		INSERT INTO session_state (singleton, status, last_checked_at, last_valid_at, principal_id, principal_name, error)
		VALUES (TRUE, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (singleton) DO UPDATE SET
			status = EXCLUDED.status,
			last_checked_at = EXCLUDED.last_checked_at,
			last_valid_at = COALESCE(EXCLUDED.last_valid_at, session_state.last_valid_at),
			principal_id = COALESCE(EXCLUDED.principal_id, session_state.principal_id),
			principal_name = COALESCE(EXCLUDED.principal_name, session_state.principal_name),
			error = EXCLUDED.error`,
		st.Status, st.LastCheckedAt, st.LastValidAt, st.PrincipalID, st.PrincipalName, st.Error)
	if err != nil {
		return classify(fmt.Errorf("writing session state: %w", err))
	}
	return nil
}

// GetSessionState returns the current session state, defaulting to unknown
// when none was ever recorded.
func (s *Store) GetSessionState(ctx context.Context) (SessionState, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()

	var st SessionState
	var err = s.handle().GetContext(ctx, &st, `
		SELECT status, last_checked_at, last_valid_at, principal_id, principal_name, error
		FROM session_state WHERE singleton`)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionState{Status: SessionUnknown}, nil
	} else if err != nil {
		return SessionState{}, classify(fmt.Errorf("reading session state: %w", err))
	}
	return st, nil
}

// AppendAudit appends one audit entry. Audit failures are logged but never
// fail the calling stage.
func (s *Store) AppendAudit(ctx context.Context, kind, message string) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()

	var _, err = s.handle().ExecContext(ctx, `
		INSERT INTO audit_entries (id, kind, message, created_at)
		VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), kind, message, time.Now().UTC())
	if err != nil {
		log.WithFields(log.Fields{"kind": kind, "err": err}).Warn("failed to append audit entry")
	}
}

// RecentAudit returns the newest |limit| audit entries.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	ctx, cancel := s.deadline(ctx)
	defer cancel()

	var entries []AuditEntry
	var err = s.handle().SelectContext(ctx, &entries, `
		SELECT id, kind, message, created_at FROM audit_entries
		ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("selecting audit entries: %w", err))
	}
	return entries, nil
}
