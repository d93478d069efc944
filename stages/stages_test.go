package stages

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/chronicler-app/chronicler/breaker"
	"github.com/chronicler-app/chronicler/events"
	"github.com/chronicler-app/chronicler/store"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

var rawItemColumns = []string{
	"id", "source_id", "source_key", "author_name", "author_link", "author_photo", "text", "scraped_at"}

var targetColumns = []string{
	"id", "kind", "access_method", "is_accessible", "last_probed_at", "last_scraped_at", "error"}

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	var db, mock, err = sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.NewWithDB(sqlx.NewDb(db, "pgx"), store.Options{}), mock
}

func newBreakers(bus *events.Bus) *breaker.Set {
	return breaker.NewSet(bus, breaker.Options{ConsecutiveFailures: 3, ResetTimeout: time.Minute})
}

// tripBreaker drives the named breaker open.
func tripBreaker(set *breaker.Set, name string) {
	for i := 0; i < 3; i++ {
		_ = set.Execute(name, func() error { return errStub })
	}
}

var errStub = stubError("stubbed dependency failure")

type stubError string

func (e stubError) Error() string { return string(e) }

type fakeScraper struct {
	items []store.RawItem
	err   error
	calls int
}

func (f *fakeScraper) Scrape(context.Context, string, int) ([]store.RawItem, error) {
	f.calls++
	return f.items, f.err
}

type fakeCompleter struct {
	reply    string
	err      error
	lastUser string
	calls    int
}

func (f *fakeCompleter) Complete(_ context.Context, _, user string) (string, error) {
	f.calls++
	f.lastUser = user
	return f.reply, f.err
}

type fakeSender struct {
	err   error
	calls int
	sent  []string
}

func (f *fakeSender) Send(_ context.Context, profileURL, _ string) error {
	f.calls++
	f.sent = append(f.sent, profileURL)
	return f.err
}

type fakeSession struct {
	state store.SessionState
}

func (f *fakeSession) Current(context.Context) (store.SessionState, error) {
	return f.state, nil
}

type fakeInvalidator struct {
	status string
	reason string
	calls  int
}

func (f *fakeInvalidator) Invalidate(_ context.Context, status, reason string) {
	f.calls++
	f.status, f.reason = status, reason
}
