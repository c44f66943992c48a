package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/paaavkata/crypto-wager/services/wager-engine/pkg/models"
	"github.com/paaavkata/crypto-wager/shared/pkg/database"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrOpenBetExists  = errors.New("an open bet already exists for this ticker")
	uniqueViolation   = pq.ErrorCode("23505")
	foreignKeyMissing = pq.ErrorCode("23503")
)

// Transaction is the subset of *sql.Tx used by the InTx methods.
type Transaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	Commit() error
	Rollback() error
}

// Session pins one pooled connection so that a series of transactions
// does not compete for the pool.
type Session interface {
	BeginTx(ctx context.Context) (Transaction, error)
	Release() error
}

type connSession struct {
	conn *sql.Conn
}

func (s *connSession) BeginTx(ctx context.Context) (Transaction, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

func (s *connSession) Release() error {
	return s.conn.Close()
}

// BetQuery filters FindBets. Zero fields are ignored.
type BetQuery struct {
	UserID       int64
	Statuses     []models.BetStatus
	ResolveAtMax time.Time
}

type Repository struct {
	db     *database.DB
	logger *logrus.Logger
}

func NewRepository(db *database.DB, logger *logrus.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func (r *Repository) AcquireSession(ctx context.Context) (Session, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return &connSession{conn: conn}, nil
}

func (r *Repository) FindBets(ctx context.Context, q BetQuery) ([]models.Bet, error) {
	query := `
        SELECT id, user_id, ticker, direction, open_price, opened_at, resolve_at, status, resolution_price
        FROM bets`

	var conditions []string
	var args []interface{}

	if q.UserID != 0 {
		args = append(args, q.UserID)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if !q.ResolveAtMax.IsZero() {
		args = append(args, q.ResolveAtMax)
		conditions = append(conditions, fmt.Sprintf("resolve_at <= $%d", len(args)))
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY resolve_at, id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bets: %w", err)
	}
	defer rows.Close()

	var bets []models.Bet
	for rows.Next() {
		bet, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		bets = append(bets, bet)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bets: %w", err)
	}

	return bets, nil
}

func (r *Repository) GetBet(ctx context.Context, id int64) (*models.Bet, error) {
	query := `
        SELECT id, user_id, ticker, direction, open_price, opened_at, resolve_at, status, resolution_price
        FROM bets
        WHERE id = $1`

	bet, err := scanBet(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &bet, nil
}

// CreateBet inserts an open bet. A second open bet for the same user and
// ticker fails with ErrOpenBetExists.
func (r *Repository) CreateBet(ctx context.Context, bet models.Bet) (int64, error) {
	query := `
        INSERT INTO bets (user_id, ticker, direction, open_price, opened_at, resolve_at, status)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING id`

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		bet.UserID, bet.Ticker, string(bet.Direction),
		database.NewDecimal(bet.OpenPrice),
		bet.OpenedAt, bet.ResolveAt, string(models.BetStatusOpen),
	).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code {
			case uniqueViolation:
				return 0, ErrOpenBetExists
			case foreignKeyMissing:
				return 0, ErrNotFound
			}
		}
		return 0, fmt.Errorf("failed to create bet: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"bet_id":    id,
		"user_id":   bet.UserID,
		"ticker":    bet.Ticker,
		"direction": bet.Direction,
	}).Info("Bet created")
	return id, nil
}

// UpdateBetStatusInTx moves a bet from one status to another. It reports
// false when the bet was not in the expected status.
func (r *Repository) UpdateBetStatusInTx(ctx context.Context, tx Transaction, id int64, from, to models.BetStatus, price float64) (bool, error) {
	query := `UPDATE bets SET status = $1, resolution_price = $2 WHERE id = $3 AND status = $4`

	result, err := tx.ExecContext(ctx, query,
		string(to), database.NewDecimal(price), id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to update bet %d: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected > 0, nil
}

// UpdateUserStatsInTx applies won/lost deltas. It reports false when the user
// does not exist.
func (r *Repository) UpdateUserStatsInTx(ctx context.Context, tx Transaction, userID int64, won, lost int) (bool, error) {
	query := `
        UPDATE users
        SET score = score + $1 - $2, bets_won = bets_won + $1, bets_lost = bets_lost + $2
        WHERE id = $3`

	result, err := tx.ExecContext(ctx, query, won, lost, userID)
	if err != nil {
		return false, fmt.Errorf("failed to update stats for user %d: %w", userID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected > 0, nil
}

func (r *Repository) CreateUser(ctx context.Context) (*models.User, error) {
	query := `INSERT INTO users DEFAULT VALUES RETURNING id, created_at, score, bets_won, bets_lost`

	var user models.User
	if err := r.db.QueryRowContext(ctx, query).Scan(
		&user.ID, &user.CreatedAt, &user.Score, &user.BetsWon, &user.BetsLost,
	); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	r.logger.WithField("user_id", user.ID).Info("User created")
	return &user, nil
}

func (r *Repository) GetUser(ctx context.Context, id int64) (*models.User, error) {
	query := `
        SELECT u.id, u.created_at, u.score, u.bets_won, u.bets_lost,
               (SELECT COUNT(*) FROM bets b WHERE b.user_id = u.id AND b.status = 'open')
        FROM users u
        WHERE u.id = $1`

	var user models.User
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID, &user.CreatedAt, &user.Score, &user.BetsWon, &user.BetsLost, &user.OpenBets,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBet(row rowScanner) (models.Bet, error) {
	var (
		bet             models.Bet
		direction       string
		status          string
		openPrice       database.Decimal
		resolutionPrice database.NullDecimal
	)

	err := row.Scan(
		&bet.ID, &bet.UserID, &bet.Ticker, &direction, &openPrice,
		&bet.OpenedAt, &bet.ResolveAt, &status, &resolutionPrice,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bet, err
		}
		return bet, fmt.Errorf("failed to scan bet: %w", err)
	}

	bet.Direction = models.BetDirection(direction)
	bet.Status = models.BetStatus(status)
	bet.OpenPrice = openPrice.Float64()
	bet.ResolutionPrice = resolutionPrice.Ptr()
	return bet, nil
}
