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

func candidateRows(ids ...string) *sqlmock.Rows {
	var rows = sqlmock.NewRows(rawItemColumns)
	for _, id := range ids {
		rows.AddRow(id, "g1", "key-"+id, nil, nil, nil, "post text of "+id, time.Now().UTC())
	}
	return rows
}

func TestClassifyPersistsOneVerdictPerItem(t *testing.T) {
	var st, mock = newMockStore(t)
	var bus = events.NewBus()
	var completer = &fakeCompleter{reply: `{"is_relevant": true, "confidence": 90}`}
	var c = Classify{
		Store:      st,
		Classifier: &llm.Classifier{Completer: completer},
		Breakers:   newBreakers(bus),
		Bus:        bus,
		BatchSize:  20,
	}

	mock.ExpectQuery("SELECT r.id, r.source_id").WithArgs(20).
		WillReturnRows(candidateRows("a", "b"))
	mock.ExpectExec("INSERT INTO classifications").
		WithArgs("a", true, 90, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO classifications").
		WithArgs("b", true, 90, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, c.Run(context.Background()))
	require.Equal(t, 2, completer.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClassifyBatchSizeIsCapped(t *testing.T) {
	var st, mock = newMockStore(t)
	var bus = events.NewBus()
	var c = Classify{
		Store:      st,
		Classifier: &llm.Classifier{Completer: &fakeCompleter{}},
		Breakers:   newBreakers(bus),
		Bus:        bus,
		BatchSize:  500,
	}

	mock.ExpectQuery("SELECT r.id, r.source_id").WithArgs(50).
		WillReturnRows(candidateRows())

	require.NoError(t, c.Run(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

// A malformed verdict skips the candidate; the rest of the batch proceeds.
func TestClassifyMalformedVerdictSkipsCandidate(t *testing.T) {
	var st, mock = newMockStore(t)
	var bus = events.NewBus()
	var completer = &fakeCompleter{reply: "I would rather not say."}
	var c = Classify{
		Store:      st,
		Classifier: &llm.Classifier{Completer: completer},
		Breakers:   newBreakers(bus),
		Bus:        bus,
	}

	mock.ExpectQuery("SELECT r.id, r.source_id").WithArgs(20).
		WillReturnRows(candidateRows("a"))
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, c.Run(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

// A run of malformed verdicts is a prompt problem, not a dependency
// failure; it must never open the classifier circuit.
func TestClassifyMalformedVerdictsDoNotTripBreaker(t *testing.T) {
	var st, mock = newMockStore(t)
	var bus = events.NewBus()
	var completer = &fakeCompleter{reply: "I would rather not say."}
	var c = Classify{
		Store:      st,
		Classifier: &llm.Classifier{Completer: completer},
		Breakers:   newBreakers(bus),
		Bus:        bus,
	}

	// Four malformed replies, one past the consecutive-failure threshold.
	mock.ExpectQuery("SELECT r.id, r.source_id").WithArgs(20).
		WillReturnRows(candidateRows("a", "b", "c", "d"))
	for i := 0; i < 4; i++ {
		mock.ExpectExec("INSERT INTO audit_entries").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	require.NoError(t, c.Run(context.Background()))
	require.Equal(t, 4, completer.calls)
	require.NoError(t, c.Breakers.Execute(breaker.LLM, func() error { return nil }))
	require.NoError(t, mock.ExpectationsWereMet())
}

// With the LLM circuit open the batch halts; unclassified candidates stay
// selectable for the next tick.
func TestClassifyHaltsWhileCircuitOpen(t *testing.T) {
	var st, mock = newMockStore(t)
	var bus = events.NewBus()
	var completer = &fakeCompleter{reply: `{"is_relevant": true, "confidence": 90}`}
	var c = Classify{
		Store:      st,
		Classifier: &llm.Classifier{Completer: completer},
		Breakers:   newBreakers(bus),
		Bus:        bus,
	}
	tripBreaker(c.Breakers, breaker.LLM)

	mock.ExpectQuery("SELECT r.id, r.source_id").WithArgs(20).
		WillReturnRows(candidateRows("a", "b"))
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, c.Run(context.Background()))
	require.Equal(t, 0, completer.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

// A concurrent duplicate insert is collapsed by the unique index and not
// counted as progress.
func TestClassifyDuplicateInsertCollapsed(t *testing.T) {
	var st, mock = newMockStore(t)
	var bus = events.NewBus()
	var c = Classify{
		Store:      st,
		Classifier: &llm.Classifier{Completer: &fakeCompleter{reply: `{"is_relevant": false, "confidence": 5}`}},
		Breakers:   newBreakers(bus),
		Bus:        bus,
	}

	mock.ExpectQuery("SELECT r.id, r.source_id").WithArgs(20).
		WillReturnRows(candidateRows("a"))
	mock.ExpectExec("INSERT INTO classifications").
		WithArgs("a", false, 5, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	// done stays zero: no summary audit entry is written.
	require.NoError(t, c.Run(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
