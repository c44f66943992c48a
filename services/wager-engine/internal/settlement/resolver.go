package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/database"
	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/metrics"
	"github.com/paaavkata/crypto-wager/services/wager-engine/pkg/models"
	"github.com/paaavkata/crypto-wager/shared/pkg/utils"
	"github.com/sirupsen/logrus"
)

var ErrUserNotFound = errors.New("bet owner not found")

// BetStore is the persistence used by resolution.
type BetStore interface {
	AcquireSession(ctx context.Context) (database.Session, error)
	UpdateBetStatusInTx(ctx context.Context, tx database.Transaction, id int64, from, to models.BetStatus, price float64) (bool, error)
	UpdateUserStatsInTx(ctx context.Context, tx database.Transaction, userID int64, won, lost int) (bool, error)
}

type Result string

const (
	ResultWon             Result = "won"
	ResultLost            Result = "lost"
	ResultAlreadyResolved Result = "already_resolved"
)

type GroupReport struct {
	Resolved        int
	AlreadyResolved int
	Failed          int
	Skipped         int
}

type Resolver struct {
	store   BetStore
	metrics *metrics.Metrics
	logger  *logrus.Logger
}

func NewResolver(store BetStore, m *metrics.Metrics, logger *logrus.Logger) *Resolver {
	return &Resolver{
		store:   store,
		metrics: m,
		logger:  logger,
	}
}

// Outcome decides a bet against the settlement price. An unchanged price
// loses in both directions.
func Outcome(bet models.Bet, price float64) models.BetStatus {
	var moved models.BetDirection
	switch utils.Sign(price - bet.OpenPrice) {
	case 1:
		moved = models.DirectionLong
	case -1:
		moved = models.DirectionShort
	}

	if bet.Direction == moved {
		return models.BetStatusWon
	}
	return models.BetStatusLost
}

// Resolve settles a single bet on its own pooled connection.
func (r *Resolver) Resolve(ctx context.Context, bet models.Bet, price float64) (Result, error) {
	session, err := r.store.AcquireSession(ctx)
	if err != nil {
		return "", err
	}
	defer session.Release()

	return r.ResolveBet(ctx, session, bet, price)
}

// ResolveGroup settles bets sharing one settlement price on a single pooled
// connection. Each bet succeeds or fails on its own.
func (r *Resolver) ResolveGroup(ctx context.Context, bets []models.Bet, price float64) GroupReport {
	var report GroupReport

	session, err := r.store.AcquireSession(ctx)
	if err != nil {
		r.logger.WithError(err).WithField("bets", len(bets)).Error("Failed to acquire connection for bet group")
		r.metrics.SettlementFails.WithLabelValues("resolve").Add(float64(len(bets)))
		report.Failed = len(bets)
		return report
	}
	defer func() {
		if err := session.Release(); err != nil {
			r.logger.WithError(err).Warn("Failed to release connection")
		}
	}()

	for _, bet := range bets {
		result, err := r.ResolveBet(ctx, session, bet, price)
		switch {
		case err != nil:
			report.Failed++
		case result == ResultAlreadyResolved:
			report.AlreadyResolved++
		default:
			report.Resolved++
		}
	}
	return report
}

// ResolveBet transitions one open bet to won or lost and applies the owner's
// statistics in the same transaction. A bet that is no longer open is left
// untouched and reported as ResultAlreadyResolved.
func (r *Resolver) ResolveBet(ctx context.Context, session database.Session, bet models.Bet, price float64) (Result, error) {
	status := Outcome(bet, price)
	logger := r.logger.WithFields(logrus.Fields{
		"bet_id":  bet.ID,
		"user_id": bet.UserID,
		"ticker":  bet.Ticker,
		"price":   price,
	})

	result, err := r.resolveInTx(ctx, session, bet, status, price)
	if err != nil {
		logger.WithError(err).Error("Failed to resolve bet")
		r.metrics.SettlementFails.WithLabelValues("resolve").Inc()
		return "", err
	}

	r.metrics.BetsResolved.WithLabelValues(string(result)).Inc()
	if result == ResultAlreadyResolved {
		logger.Info("Bet already resolved")
	} else {
		logger.WithField("status", status).Info("Resolved bet")
	}
	return result, nil
}

func (r *Resolver) resolveInTx(ctx context.Context, session database.Session, bet models.Bet, status models.BetStatus, price float64) (Result, error) {
	tx, err := session.BeginTx(ctx)
	if err != nil {
		return "", err
	}

	updated, err := r.store.UpdateBetStatusInTx(ctx, tx, bet.ID, models.BetStatusOpen, status, price)
	if err != nil {
		tx.Rollback()
		return "", err
	}
	if !updated {
		tx.Rollback()
		return ResultAlreadyResolved, nil
	}

	won, lost := 0, 1
	if status == models.BetStatusWon {
		won, lost = 1, 0
	}
	found, err := r.store.UpdateUserStatsInTx(ctx, tx, bet.UserID, won, lost)
	if err != nil {
		tx.Rollback()
		return "", err
	}
	if !found {
		tx.Rollback()
		return "", fmt.Errorf("user %d: %w", bet.UserID, ErrUserNotFound)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit resolution of bet %d: %w", bet.ID, err)
	}
	return Result(status), nil
}
