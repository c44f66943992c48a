package database

import (
	"context"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/paaavkata/crypto-wager/services/wager-engine/pkg/models"
	"github.com/paaavkata/crypto-wager/shared/pkg/database"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var betColumns = []string{
	"id", "user_id", "ticker", "direction", "open_price",
	"opened_at", "resolve_at", "status", "resolution_price",
}

func newTestRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewRepository(database.Wrap(sqlDB, logger), logger), mock
}

func TestFindBets_DueOpenBets(t *testing.T) {
	repo, mock := newTestRepository(t)
	cutoff := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	openedAt := cutoff.Add(-90 * time.Second)

	mock.ExpectQuery(regexp.QuoteMeta("FROM bets WHERE status = ANY($1) AND resolve_at <= $2 ORDER BY resolve_at, id")).
		WithArgs(sqlmock.AnyArg(), cutoff).
		WillReturnRows(sqlmock.NewRows(betColumns).
			AddRow(1, 10, "BTCUSDT", "long", "1000.00000000", openedAt, cutoff, "open", nil).
			AddRow(2, 11, "ETHUSDT", "short", "2000.5", openedAt, cutoff, "open", nil))

	bets, err := repo.FindBets(context.Background(), BetQuery{
		Statuses:     []models.BetStatus{models.BetStatusOpen},
		ResolveAtMax: cutoff,
	})
	require.NoError(t, err)
	require.Len(t, bets, 2)

	assert.Equal(t, int64(1), bets[0].ID)
	assert.Equal(t, models.DirectionLong, bets[0].Direction)
	assert.Equal(t, 1000.0, bets[0].OpenPrice)
	assert.Equal(t, models.BetStatusOpen, bets[0].Status)
	assert.Nil(t, bets[0].ResolutionPrice)
	assert.Equal(t, 2000.5, bets[1].OpenPrice)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindBets_ByUser(t *testing.T) {
	repo, mock := newTestRepository(t)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM bets WHERE user_id = $1 ORDER BY resolve_at, id")).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows(betColumns).
			AddRow(3, 10, "SOLUSDT", "long", "100", now, now, "won", "110.25"))

	bets, err := repo.FindBets(context.Background(), BetQuery{UserID: 10})
	require.NoError(t, err)
	require.Len(t, bets, 1)
	require.NotNil(t, bets[0].ResolutionPrice)
	assert.Equal(t, 110.25, *bets[0].ResolutionPrice)
	assert.Equal(t, models.BetStatusWon, bets[0].Status)
}

func TestUpdateBetStatusInTx(t *testing.T) {
	repo, mock := newTestRepository(t)
	update := regexp.QuoteMeta("UPDATE bets SET status = $1, resolution_price = $2 WHERE id = $3 AND status = $4")

	mock.ExpectBegin()
	mock.ExpectExec(update).
		WithArgs("won", "1100", int64(7), "open").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(update).
		WithArgs("lost", "1100", int64(7), "open").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx, err := repo.db.Begin()
	require.NoError(t, err)

	ok, err := repo.UpdateBetStatusInTx(context.Background(), tx, 7, models.BetStatusOpen, models.BetStatusWon, 1100)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.UpdateBetStatusInTx(context.Background(), tx, 7, models.BetStatusOpen, models.BetStatusLost, 1100)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateUserStatsInTx(t *testing.T) {
	repo, mock := newTestRepository(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET score = score + $1 - $2, bets_won = bets_won + $1, bets_lost = bets_lost + $2")).
		WithArgs(0, 1, int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := repo.db.Begin()
	require.NoError(t, err)

	ok, err := repo.UpdateUserStatsInTx(context.Background(), tx, 10, 0, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBet(t *testing.T) {
	repo, mock := newTestRepository(t)
	openedAt := time.Date(2024, 1, 1, 12, 0, 30, 0, time.UTC)
	resolveAt := time.Date(2024, 1, 1, 12, 2, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO bets")).
		WithArgs(int64(10), "BTCUSDT", "long", "1000.5", openedAt, resolveAt, "open").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	id, err := repo.CreateBet(context.Background(), models.Bet{
		UserID:    10,
		Ticker:    "BTCUSDT",
		Direction: models.DirectionLong,
		OpenPrice: 1000.5,
		OpenedAt:  openedAt,
		ResolveAt: resolveAt,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestCreateBet_OpenBetExists(t *testing.T) {
	repo, mock := newTestRepository(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO bets")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	_, err := repo.CreateBet(context.Background(), models.Bet{UserID: 10, Ticker: "BTCUSDT", Direction: models.DirectionShort, OpenPrice: 1})
	assert.ErrorIs(t, err, ErrOpenBetExists)
}

func TestGetUser_NotFound(t *testing.T) {
	repo, mock := newTestRepository(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users u")).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "score", "bets_won", "bets_lost", "count"}))

	_, err := repo.GetUser(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetBet_NotFound(t *testing.T) {
	repo, mock := newTestRepository(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1")).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(betColumns))

	_, err := repo.GetBet(context.Background(), 5)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAcquireSession(t *testing.T) {
	repo, mock := newTestRepository(t)

	mock.ExpectBegin()
	mock.ExpectCommit()

	session, err := repo.AcquireSession(context.Background())
	require.NoError(t, err)

	tx, err := session.BeginTx(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, session.Release())
	assert.NoError(t, mock.ExpectationsWereMet())
}
