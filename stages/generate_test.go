package stages

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/chronicler-app/chronicler/breaker"
	"github.com/chronicler-app/chronicler/events"
	"github.com/chronicler-app/chronicler/llm"
	"github.com/stretchr/testify/require"
)

var generateColumns = append(append([]string{}, rawItemColumns...), "confidence")

func generateRows(ids ...string) *sqlmock.Rows {
	var rows = sqlmock.NewRows(generateColumns)
	for _, id := range ids {
		rows.AddRow(id, "g1", "key-"+id, "Dana Levi", "https://www.facebook.com/dana.levi",
			nil, "old photos of "+id, time.Now().UTC(), 90)
	}
	return rows
}

func newGenerateStage(t *testing.T) (*Generate, sqlmock.Sqlmock, *fakeCompleter) {
	t.Helper()
	var st, mock = newMockStore(t)
	var bus = events.NewBus()
	var completer = &fakeCompleter{}
	return &Generate{
		Store:            st,
		Composer:         &llm.Composer{Completer: completer},
		Breakers:         newBreakers(bus),
		Bus:              bus,
		MinConfidence:    70,
		CanonicalBaseURL: "https://archive.example.org",
	}, mock, completer
}

func TestGeneratePersistsDraftWithShareLink(t *testing.T) {
	var g, mock, completer = newGenerateStage(t)
	g.LandingBaseURL = "https://archive.example.org/landing"
	completer.reply = "Hi Dana, your photos belong on https://archive.example.org/landing/submit/a, take a look."

	mock.ExpectQuery("SELECT r.id, r.source_id").WithArgs(20, 70).
		WillReturnRows(generateRows("a"))
	mock.ExpectExec("INSERT INTO draft_messages").
		WithArgs(sqlmock.AnyArg(), "a", completer.reply,
			"https://archive.example.org/landing/submit/a", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, g.Run(context.Background()))
	require.Contains(t, completer.lastUser, "Dana")
	require.Contains(t, completer.lastUser, "/submit/a")
	require.NoError(t, mock.ExpectationsWereMet())
}

// A draft that drops the canonical link is discarded; the candidate stays
// selectable and is recomposed on a later tick.
func TestGenerateRejectsMessageWithoutCanonicalLink(t *testing.T) {
	var g, mock, completer = newGenerateStage(t)
	completer.reply = "Hi Dana, lovely photos!"

	mock.ExpectQuery("SELECT r.id, r.source_id").WithArgs(20, 70).
		WillReturnRows(generateRows("a"))
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, g.Run(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGenerateRejectsEmptyMessage(t *testing.T) {
	var g, mock, completer = newGenerateStage(t)
	completer.reply = "   "

	mock.ExpectQuery("SELECT r.id, r.source_id").WithArgs(20, 70).
		WillReturnRows(generateRows("a"))
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, g.Run(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGenerateHaltsWhileCircuitOpen(t *testing.T) {
	var g, mock, completer = newGenerateStage(t)
	tripBreaker(g.Breakers, breaker.LLM)

	mock.ExpectQuery("SELECT r.id, r.source_id").WithArgs(20, 70).
		WillReturnRows(generateRows("a", "b"))
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, g.Run(context.Background()))
	require.Equal(t, 0, completer.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestShareLink(t *testing.T) {
	var g = Generate{CanonicalBaseURL: "https://archive.example.org"}
	require.Equal(t,
		"https://archive.example.org?ref=item-1&text=old+photos",
		g.shareLink("item-1", "old photos"))

	g.LandingBaseURL = "https://archive.example.org/landing/"
	require.Equal(t,
		"https://archive.example.org/landing/submit/item-1",
		g.shareLink("item-1", "old photos"))
}

func TestFirstName(t *testing.T) {
	require.Equal(t, "Dana", FirstName("Dana Levi"))
	require.Equal(t, "Dana", FirstName("  Dana  "))
	require.Equal(t, "", FirstName(""))
	require.Equal(t, "", FirstName("   "))
}
