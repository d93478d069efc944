package router

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/chronicler-app/chronicler/store"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

var targetColumns = []string{
	"id", "kind", "access_method", "is_accessible", "last_probed_at", "last_scraped_at", "error"}

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	var db, mock, err = sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.NewWithDB(sqlx.NewDb(db, "pgx"), store.Options{}), mock
}

type fakeSession struct {
	state store.SessionState
	err   error
}

func (f *fakeSession) Current(context.Context) (store.SessionState, error) {
	return f.state, f.err
}

func TestPlanReusesFreshResolvedCache(t *testing.T) {
	var st, mock = newMockStore(t)
	mock.ExpectQuery("SELECT id, kind, access_method").WithArgs("g1").
		WillReturnRows(sqlmock.NewRows(targetColumns).
			AddRow("g1", store.KindPublic, store.MethodFast, true, time.Now().UTC(), nil, nil))

	var r = New(st, &fakeSession{}, true)
	var plan, err = r.Plan(context.Background(), "g1")
	require.NoError(t, err)
	require.Equal(t, Plan{Method: store.MethodFast, Usable: true}, plan)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanReprobesStaleCache(t *testing.T) {
	var st, mock = newMockStore(t)
	mock.ExpectQuery("SELECT id, kind, access_method").WithArgs("g1").
		WillReturnRows(sqlmock.NewRows(targetColumns).
			AddRow("g1", store.KindPublic, store.MethodFast, true,
				time.Now().UTC().Add(-25*time.Hour), nil, nil))
	mock.ExpectExec("INSERT INTO targets").
		WithArgs("g1", store.KindPublic, store.MethodFast, true,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	var r = New(st, &fakeSession{}, true)
	var plan, err = r.Plan(context.Background(), "g1")
	require.NoError(t, err)
	require.Equal(t, store.MethodFast, plan.Method)
	require.True(t, plan.Usable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanUnknownTargetPrefersFastWithoutSession(t *testing.T) {
	var st, mock = newMockStore(t)
	mock.ExpectQuery("SELECT id, kind, access_method").WithArgs("g2").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO targets").
		WithArgs("g2", store.KindUnknown, store.MethodFast, true,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// No session at all: the fast path still plans because it needs none.
	var r = New(st, &fakeSession{state: store.SessionState{Status: store.SessionUnknown}}, true)
	var plan, err = r.Plan(context.Background(), "g2")
	require.NoError(t, err)
	require.Equal(t, store.MethodFast, plan.Method)
	require.True(t, plan.Usable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanFallsBackToBrowserWithValidSession(t *testing.T) {
	var st, mock = newMockStore(t)
	mock.ExpectQuery("SELECT id, kind, access_method").WithArgs("g3").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO targets").
		WithArgs("g3", store.KindUnknown, store.MethodBrowser, true,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	var r = New(st, &fakeSession{state: store.SessionState{Status: store.SessionValid}}, false)
	var plan, err = r.Plan(context.Background(), "g3")
	require.NoError(t, err)
	require.Equal(t, store.MethodBrowser, plan.Method)
	require.True(t, plan.Usable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanUnusableWithoutFastOrSession(t *testing.T) {
	var st, mock = newMockStore(t)
	mock.ExpectQuery("SELECT id, kind, access_method").WithArgs("g4").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO targets").
		WithArgs("g4", store.KindUnknown, store.MethodNone, false,
			sqlmock.AnyArg(), sqlmock.AnyArg(), "no session").
		WillReturnResult(sqlmock.NewResult(0, 1))

	var r = New(st, &fakeSession{state: store.SessionState{Status: store.SessionExpired}}, false)
	var plan, err = r.Plan(context.Background(), "g4")
	require.NoError(t, err)
	require.Equal(t, Plan{Method: store.MethodNone, Usable: false, Reason: "no session"}, plan)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkScrapedFastResolvesPublic(t *testing.T) {
	var st, mock = newMockStore(t)
	mock.ExpectQuery("SELECT id, kind, access_method").WithArgs("g1").
		WillReturnRows(sqlmock.NewRows(targetColumns).
			AddRow("g1", store.KindUnknown, store.MethodFast, true, time.Now().UTC(), nil, nil))
	mock.ExpectExec("INSERT INTO targets").
		WithArgs("g1", store.KindPublic, store.MethodFast, true,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	var r = New(st, &fakeSession{}, true)
	require.NoError(t, r.MarkScraped(context.Background(), "g1", store.MethodFast))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkScrapedBrowserKeepsKindUnresolved(t *testing.T) {
	var st, mock = newMockStore(t)
	mock.ExpectQuery("SELECT id, kind, access_method").WithArgs("g1").
		WillReturnRows(sqlmock.NewRows(targetColumns).
			AddRow("g1", store.KindUnknown, store.MethodBrowser, true, time.Now().UTC(), nil, nil))
	mock.ExpectExec("INSERT INTO targets").
		WithArgs("g1", store.KindUnknown, store.MethodBrowser, true,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	var r = New(st, &fakeSession{}, false)
	require.NoError(t, r.MarkScraped(context.Background(), "g1", store.MethodBrowser))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkErrorDisablesTarget(t *testing.T) {
	var st, mock = newMockStore(t)
	mock.ExpectQuery("SELECT id, kind, access_method").WithArgs("g1").
		WillReturnRows(sqlmock.NewRows(targetColumns).
			AddRow("g1", store.KindUnknown, store.MethodBrowser, true, time.Now().UTC(), nil, nil))
	mock.ExpectExec("INSERT INTO targets").
		WithArgs("g1", store.KindUnknown, store.MethodBrowser, false,
			sqlmock.AnyArg(), sqlmock.AnyArg(), "not a member of this group").
		WillReturnResult(sqlmock.NewResult(0, 1))

	var r = New(st, &fakeSession{}, false)
	require.NoError(t, r.MarkError(context.Background(), "g1", "not a member of this group"))
	require.NoError(t, mock.ExpectationsWereMet())
}
