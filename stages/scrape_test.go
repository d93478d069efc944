package stages

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/chronicler-app/chronicler/breaker"
	"github.com/chronicler-app/chronicler/events"
	"github.com/chronicler-app/chronicler/pool"
	"github.com/chronicler-app/chronicler/router"
	"github.com/chronicler-app/chronicler/scrape"
	"github.com/chronicler-app/chronicler/store"
	"github.com/stretchr/testify/require"
)

func newScrapeStage(st *store.Store, bus *events.Bus) *Scrape {
	return &Scrape{
		Store:    st,
		Fast:     &fakeScraper{},
		Browser:  &fakeScraper{},
		Pool:     pool.New(pool.Options{Max: 1, AcquireTimeout: time.Second, OpTimeout: time.Second}),
		Breakers: newBreakers(bus),
		Session:  &fakeSession{},
		Bus:      bus,
		Limit:    10,
	}
}

// An unknown target with a configured fast scraper and no browser session is
// scraped via the fast path and resolved as public.
func TestScrapeUnknownTargetViaFastPath(t *testing.T) {
	var st, mock = newMockStore(t)
	var bus = events.NewBus()

	var s = newScrapeStage(st, bus)
	s.Targets = []string{"g1"}
	s.Router = router.New(st, &fakeSession{}, true)
	s.Fast = &fakeScraper{items: []store.RawItem{
		{SourceID: "g1", SourceKey: "100", Text: "old photos"},
		{SourceID: "g1", SourceKey: "101", Text: "a family story"},
	}}

	// Plan probes and caches.
	mock.ExpectQuery("SELECT id, kind, access_method").WithArgs("g1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO targets").
		WithArgs("g1", store.KindUnknown, store.MethodFast, true,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Two items upserted.
	mock.ExpectQuery("INSERT INTO raw_items").
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(true))
	mock.ExpectQuery("INSERT INTO raw_items").
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(true))
	// A fast success resolves the target as public.
	mock.ExpectQuery("SELECT id, kind, access_method").WithArgs("g1").
		WillReturnRows(sqlmock.NewRows(targetColumns).
			AddRow("g1", store.KindUnknown, store.MethodFast, true, time.Now().UTC(), nil, nil))
	mock.ExpectExec("INSERT INTO targets").
		WithArgs("g1", store.KindPublic, store.MethodFast, true,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Run(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

// An empty fast result with a valid session falls back to the browser rather
// than trusting that the target is empty.
func TestScrapeEmptyFastFallsBackToBrowser(t *testing.T) {
	var st, mock = newMockStore(t)
	var bus = events.NewBus()

	var browserScraper = &fakeScraper{items: []store.RawItem{
		{SourceID: "g1", SourceKey: "200", Text: "school photo"},
	}}
	var s = newScrapeStage(st, bus)
	s.Targets = []string{"g1"}
	s.Router = router.New(st, &fakeSession{}, true)
	s.Fast = &fakeScraper{} // zero items
	s.Browser = browserScraper
	s.Session = &fakeSession{state: store.SessionState{Status: store.SessionValid}}

	// Fresh resolved cache: no re-probe.
	mock.ExpectQuery("SELECT id, kind, access_method").WithArgs("g1").
		WillReturnRows(sqlmock.NewRows(targetColumns).
			AddRow("g1", store.KindPublic, store.MethodFast, true, time.Now().UTC(), nil, nil))
	mock.ExpectQuery("INSERT INTO raw_items").
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(true))
	mock.ExpectQuery("SELECT id, kind, access_method").WithArgs("g1").
		WillReturnRows(sqlmock.NewRows(targetColumns).
			AddRow("g1", store.KindPublic, store.MethodFast, true, time.Now().UTC(), nil, nil))
	mock.ExpectExec("INSERT INTO targets").
		WithArgs("g1", store.KindPublic, store.MethodBrowser, true,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Run(context.Background()))
	require.Equal(t, 1, browserScraper.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

// An empty fast result without a session stays an empty scrape; the target is
// never marked inaccessible on that evidence alone.
func TestScrapeEmptyFastWithoutSessionStaysEmpty(t *testing.T) {
	var st, mock = newMockStore(t)
	var bus = events.NewBus()

	var browserScraper = &fakeScraper{}
	var s = newScrapeStage(st, bus)
	s.Targets = []string{"g1"}
	s.Router = router.New(st, &fakeSession{}, true)
	s.Fast = &fakeScraper{}
	s.Browser = browserScraper

	mock.ExpectQuery("SELECT id, kind, access_method").WithArgs("g1").
		WillReturnRows(sqlmock.NewRows(targetColumns).
			AddRow("g1", store.KindPublic, store.MethodFast, true, time.Now().UTC(), nil, nil))
	mock.ExpectQuery("SELECT id, kind, access_method").WithArgs("g1").
		WillReturnRows(sqlmock.NewRows(targetColumns).
			AddRow("g1", store.KindPublic, store.MethodFast, true, time.Now().UTC(), nil, nil))
	mock.ExpectExec("INSERT INTO targets").
		WithArgs("g1", store.KindPublic, store.MethodFast, true,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Run(context.Background()))
	require.Equal(t, 0, browserScraper.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

// An inaccessible browser target is recorded as unusable and does not fail
// the stage run.
func TestScrapeInaccessibleTargetIsMarked(t *testing.T) {
	var st, mock = newMockStore(t)
	var bus = events.NewBus()

	var s = newScrapeStage(st, bus)
	s.Targets = []string{"g1"}
	s.Router = router.New(st, &fakeSession{}, false)
	s.Browser = &fakeScraper{err: scrape.ErrTargetInaccessible}
	s.Session = &fakeSession{state: store.SessionState{Status: store.SessionValid}}

	mock.ExpectQuery("SELECT id, kind, access_method").WithArgs("g1").
		WillReturnRows(sqlmock.NewRows(targetColumns).
			AddRow("g1", store.KindPrivate, store.MethodBrowser, true, time.Now().UTC(), nil, nil))
	// MarkError reads and rewrites the target row.
	mock.ExpectQuery("SELECT id, kind, access_method").WithArgs("g1").
		WillReturnRows(sqlmock.NewRows(targetColumns).
			AddRow("g1", store.KindPrivate, store.MethodBrowser, true, time.Now().UTC(), nil, nil))
	mock.ExpectExec("INSERT INTO targets").
		WithArgs("g1", store.KindPrivate, store.MethodBrowser, false,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Run(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

// A cached browser plan is never executed without a valid session; the
// target is skipped until the session recovers.
func TestScrapeBrowserPlanRequiresValidSession(t *testing.T) {
	var st, mock = newMockStore(t)
	var bus = events.NewBus()

	var browserScraper = &fakeScraper{}
	var s = newScrapeStage(st, bus)
	s.Targets = []string{"g1"}
	s.Router = router.New(st, &fakeSession{}, false)
	s.Browser = browserScraper
	s.Session = &fakeSession{state: store.SessionState{Status: store.SessionInvalid}}

	mock.ExpectQuery("SELECT id, kind, access_method").WithArgs("g1").
		WillReturnRows(sqlmock.NewRows(targetColumns).
			AddRow("g1", store.KindPrivate, store.MethodBrowser, true, time.Now().UTC(), nil, nil))
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Run(context.Background()))
	require.Equal(t, 0, browserScraper.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

// With the fast-scraper circuit open, planned fast targets are skipped
// without calling the scraper.
func TestScrapeSkipsTargetWhileFastCircuitOpen(t *testing.T) {
	var st, mock = newMockStore(t)
	var bus = events.NewBus()

	var fast = &fakeScraper{}
	var s = newScrapeStage(st, bus)
	s.Targets = []string{"g1"}
	s.Router = router.New(st, &fakeSession{}, true)
	s.Fast = fast
	tripBreaker(s.Breakers, breaker.FastScraper)

	mock.ExpectQuery("SELECT id, kind, access_method").WithArgs("g1").
		WillReturnRows(sqlmock.NewRows(targetColumns).
			AddRow("g1", store.KindPublic, store.MethodFast, true, time.Now().UTC(), nil, nil))
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Run(context.Background()))
	require.Equal(t, 0, fast.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

// One failing target never halts the rest.
func TestScrapeContinuesPastFailingTarget(t *testing.T) {
	var st, mock = newMockStore(t)
	var bus = events.NewBus()

	var s = newScrapeStage(st, bus)
	s.Targets = []string{"bad", "good"}
	s.Router = router.New(st, &fakeSession{}, true)
	s.Fast = &fakeScraper{items: []store.RawItem{{SourceID: "good", SourceKey: "1", Text: "t"}}}

	// "bad" fails at planning.
	mock.ExpectQuery("SELECT id, kind, access_method").WithArgs("bad").
		WillReturnError(errStub)
	// "good" proceeds normally.
	mock.ExpectQuery("SELECT id, kind, access_method").WithArgs("good").
		WillReturnRows(sqlmock.NewRows(targetColumns).
			AddRow("good", store.KindPublic, store.MethodFast, true, time.Now().UTC(), nil, nil))
	mock.ExpectQuery("INSERT INTO raw_items").
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(true))
	mock.ExpectQuery("SELECT id, kind, access_method").WithArgs("good").
		WillReturnRows(sqlmock.NewRows(targetColumns).
			AddRow("good", store.KindPublic, store.MethodFast, true, time.Now().UTC(), nil, nil))
	mock.ExpectExec("INSERT INTO targets").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Run(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
