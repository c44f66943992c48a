package bets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/database"
	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/metrics"
	"github.com/paaavkata/crypto-wager/services/wager-engine/pkg/models"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnsupportedTicker = errors.New("unsupported ticker")
	ErrInvalidDirection  = errors.New("invalid bet direction")
)

type Store interface {
	CreateBet(ctx context.Context, bet models.Bet) (int64, error)
	GetBet(ctx context.Context, id int64) (*models.Bet, error)
	FindBets(ctx context.Context, q database.BetQuery) ([]models.Bet, error)
	CreateUser(ctx context.Context) (*models.User, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
}

type PriceSource interface {
	GetPrice(ctx context.Context, ticker string) (models.Candle, error)
}

type Service struct {
	store   Store
	prices  PriceSource
	tickers []models.TickerInfo
	metrics *metrics.Metrics
	logger  *logrus.Logger
	now     func() time.Time
}

func NewService(store Store, prices PriceSource, tickers []models.TickerInfo, m *metrics.Metrics, logger *logrus.Logger) *Service {
	return &Service{
		store:   store,
		prices:  prices,
		tickers: tickers,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// NextMinute rounds t up to a whole minute.
func NextMinute(t time.Time) time.Time {
	truncated := t.Truncate(time.Minute)
	if truncated.Equal(t) {
		return t
	}
	return truncated.Add(time.Minute)
}

// ResolveTime is when a bet placed at t settles.
func ResolveTime(t time.Time) time.Time {
	return NextMinute(t).Add(time.Minute)
}

func (s *Service) Info() models.BetInfo {
	now := s.now()
	return models.BetInfo{
		Tickers:     s.tickers,
		BetDeadline: NextMinute(now),
		ResolveAt:   ResolveTime(now),
	}
}

func (s *Service) Supported(ticker string) bool {
	for _, t := range s.tickers {
		if strings.EqualFold(t.Ticker, ticker) {
			return true
		}
	}
	return false
}

// PlaceBet opens a bet at the current price. It fails without creating
// anything when no price is available.
func (s *Service) PlaceBet(ctx context.Context, userID int64, ticker, direction string) (*models.Bet, error) {
	ticker = strings.ToUpper(ticker)
	if !s.Supported(ticker) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTicker, ticker)
	}
	dir, err := models.ParseBetDirection(direction)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDirection, err)
	}

	candle, err := s.prices.GetPrice(ctx, ticker)
	if err != nil {
		return nil, fmt.Errorf("failed to get open price for %s: %w", ticker, err)
	}

	now := s.now()
	bet := models.Bet{
		UserID:    userID,
		Ticker:    ticker,
		Direction: dir,
		OpenPrice: candle.Close,
		OpenedAt:  now,
		ResolveAt: ResolveTime(now),
		Status:    models.BetStatusOpen,
	}

	id, err := s.store.CreateBet(ctx, bet)
	if err != nil {
		return nil, err
	}
	s.metrics.BetsPlaced.WithLabelValues(ticker, string(dir)).Inc()

	created, err := s.store.GetBet(ctx, id)
	if err != nil {
		s.logger.WithError(err).WithField("bet_id", id).Warn("Failed to reload created bet")
		bet.ID = id
		return &bet, nil
	}
	return created, nil
}

func (s *Service) OpenBets(ctx context.Context, userID int64) ([]models.Bet, error) {
	bets, err := s.store.FindBets(ctx, database.BetQuery{
		UserID:   userID,
		Statuses: []models.BetStatus{models.BetStatusOpen},
	})
	if err != nil {
		return nil, err
	}
	if bets == nil {
		bets = []models.Bet{}
	}
	return bets, nil
}

func (s *Service) CreateUser(ctx context.Context) (*models.User, error) {
	return s.store.CreateUser(ctx)
}

func (s *Service) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return s.store.GetUser(ctx, id)
}
