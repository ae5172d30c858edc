package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funding-arb/pkg/types"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewPostgresStore(sqlx.NewDb(mockDB, "postgres")), mock
}

var positionCols = []string{
	"id", "symbol", "long_venue", "short_venue", "size_usd", "qty", "leverage",
	"entry_long_price", "entry_short_price", "entry_long_rate", "entry_short_rate",
	"entry_divergence", "current_divergence", "cumulative_funding_usd",
	"total_fees_usd", "realized_pnl_usd", "status", "exit_reason", "opened_at",
	"last_check_at", "closed_at", "metadata",
}

// addOpenRow appends an OPEN position row with NULLs in every nullable column.
func addOpenRow(rows *sqlmock.Rows, id string, openedAt time.Time) *sqlmock.Rows {
	return rows.AddRow(
		id, "BTC", "lighter", "aster", "1000", "0.02", 3,
		"49999.5", "50000.5", "0.0000000008", "0.0000000028",
		"0.000000002", nil, "0", "0", nil, "OPEN", nil, openedAt,
		nil, nil, []byte(`{"entry_attempts":2}`))
}

func TestPostgresCreateInsertsRow(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO positions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Create(context.Background(), samplePosition("7b0e9a2e-1111-4222-8333-444455556666", time.Now().UTC()))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetMapsRow(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	openedAt := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	rows := addOpenRow(sqlmock.NewRows(positionCols), "pos-1", openedAt)
	mock.ExpectQuery("FROM positions WHERE id").
		WithArgs("pos-1").
		WillReturnRows(rows)

	pos, err := s.Get(context.Background(), "pos-1")
	require.NoError(t, err)

	assert.Equal(t, "pos-1", pos.ID)
	assert.Equal(t, types.PosOpen, pos.Status)
	assert.True(t, pos.SizeUSD.Equal(dec("1000")), "size %s", pos.SizeUSD)
	assert.True(t, pos.Qty.Equal(dec("0.02")), "qty %s", pos.Qty)
	assert.Equal(t, 3, pos.Leverage)
	assert.True(t, pos.EntryDivergence.Equal(dec("0.000000002")))
	assert.True(t, pos.CurrentDivergence.IsZero(), "NULL current_divergence maps to zero")
	assert.True(t, pos.RealizedPnlUSD.IsZero(), "NULL realized_pnl maps to zero")
	assert.Equal(t, types.ExitReason(""), pos.ExitReason)
	assert.Nil(t, pos.LastCheckAt)
	assert.Nil(t, pos.ClosedAt)
	assert.True(t, openedAt.Equal(pos.OpenedAt))
	assert.Equal(t, float64(2), pos.Metadata["entry_attempts"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetNotFound(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM positions WHERE id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateNotFound(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE positions SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Update(context.Background(), samplePosition("missing", time.Now().UTC()))
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClosePositionUpdates(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE positions").
		WithArgs("CLOSED", "FUNDING_FLIP", sqlmock.AnyArg(), sqlmock.AnyArg(), "pos-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.ClosePosition(context.Background(), "pos-1", types.ExitFundingFlip, dec("12.5"))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClosePositionNotFound(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE positions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.ClosePosition(context.Background(), "missing", types.ExitTimeLimit, dec("0"))
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListOpenScansRows(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(positionCols)
	addOpenRow(rows, "pos-1", base)
	addOpenRow(rows, "pos-2", base.Add(time.Hour))
	mock.ExpectQuery("FROM positions\\s+WHERE status IN").
		WithArgs("OPENING", "OPEN", "CLOSING").
		WillReturnRows(rows)

	open, err := s.ListOpen(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "pos-1", open[0].ID)
	assert.Equal(t, "pos-2", open[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecordFundingInserts(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO funding_payments").
		WillReturnResult(sqlmock.NewResult(0, 1))

	inserted, err := s.RecordFunding(context.Background(), types.FundingPayment{
		ID: "f-1", PositionID: "pos-1", Venue: "lighter", Symbol: "BTC",
		AmountUSD: dec("0.42"), PaidAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecordFundingDuplicateIsBenign(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO funding_payments").
		WillReturnError(&pq.Error{Code: "23505"})

	inserted, err := s.RecordFunding(context.Background(), types.FundingPayment{
		ID: "f-1", PositionID: "pos-1", Venue: "lighter", Symbol: "BTC",
		AmountUSD: dec("0.42"), PaidAt: time.Now().UTC(),
	})
	require.NoError(t, err, "unique violation must read as already-recorded")
	assert.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecordFundingOtherErrorSurfaces(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO funding_payments").
		WillReturnError(&pq.Error{Code: "23503"}) // foreign key violation

	_, err := s.RecordFunding(context.Background(), types.FundingPayment{
		ID: "f-1", PositionID: "missing", Venue: "lighter", Symbol: "BTC",
		AmountUSD: dec("0.42"), PaidAt: time.Now().UTC(),
	})
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListFundingScans(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	paidAt := time.Date(2026, 8, 20, 16, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "position_id", "venue", "symbol", "amount_usd", "paid_at"}).
		AddRow("f-1", "pos-1", "lighter", "BTC", "0.42", paidAt).
		AddRow("f-2", "pos-1", "aster", "BTC", "-0.11", paidAt.Add(time.Hour))
	mock.ExpectQuery("FROM funding_payments").
		WithArgs("pos-1").
		WillReturnRows(rows)

	payments, err := s.ListFunding(context.Background(), "pos-1")
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.True(t, payments[0].AmountUSD.Equal(dec("0.42")))
	assert.True(t, payments[1].AmountUSD.Equal(dec("-0.11")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveStateUpserts(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO strategy_state").
		WithArgs("session", []byte(`{"entries":1}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.SaveState(context.Background(), "session", map[string]int{"entries": 1})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLoadState(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT state_data FROM strategy_state").
		WithArgs("session").
		WillReturnRows(sqlmock.NewRows([]string{"state_data"}).AddRow([]byte(`{"entries":4}`)))

	var out map[string]int
	require.NoError(t, s.LoadState(context.Background(), "session", &out))
	assert.Equal(t, 4, out["entries"])

	mock.ExpectQuery("SELECT state_data FROM strategy_state").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	err := s.LoadState(context.Background(), "missing", &out)
	assert.True(t, errors.Is(err, ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}
