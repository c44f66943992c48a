package settlement

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"sort"
	"sync"

	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/database"
	"github.com/paaavkata/crypto-wager/services/wager-engine/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// memStore is an in-memory BetStore and BetFinder. Bet updates are applied
// immediately under a lock, like a row lock, and undone on rollback.
type memStore struct {
	mu        sync.Mutex
	bets      map[int64]*models.Bet
	users     map[int64]*models.User
	findCalls int
	findErr   error
}

func newMemStore() *memStore {
	return &memStore{
		bets:  make(map[int64]*models.Bet),
		users: make(map[int64]*models.User),
	}
}

func (m *memStore) addUser(id int64) {
	m.users[id] = &models.User{ID: id}
}

func (m *memStore) addBet(bet models.Bet) {
	bet.Status = models.BetStatusOpen
	m.bets[bet.ID] = &bet
}

func (m *memStore) bet(id int64) models.Bet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.bets[id]
}

func (m *memStore) user(id int64) models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.users[id]
}

func (m *memStore) FindBets(ctx context.Context, q database.BetQuery) ([]models.Bet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findCalls++
	if m.findErr != nil {
		return nil, m.findErr
	}

	var out []models.Bet
	for _, b := range m.bets {
		if b.Status != models.BetStatusOpen || b.ResolveAt.After(q.ResolveAtMax) {
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) AcquireSession(ctx context.Context) (database.Session, error) {
	return &memSession{store: m}, nil
}

func (m *memStore) UpdateBetStatusInTx(ctx context.Context, tx database.Transaction, id int64, from, to models.BetStatus, price float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bets[id]
	if !ok || b.Status != from {
		return false, nil
	}
	prev := *b
	b.Status = to
	b.ResolutionPrice = &price
	tx.(*memTx).undo = append(tx.(*memTx).undo, func() { *b = prev })
	return true, nil
}

func (m *memStore) UpdateUserStatsInTx(ctx context.Context, tx database.Transaction, userID int64, won, lost int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return false, nil
	}
	prev := *u
	u.BetsWon += int64(won)
	u.BetsLost += int64(lost)
	u.Score += int64(won - lost)
	tx.(*memTx).undo = append(tx.(*memTx).undo, func() { *u = prev })
	return true, nil
}

type memSession struct {
	store *memStore
}

func (s *memSession) BeginTx(ctx context.Context) (database.Transaction, error) {
	return &memTx{store: s.store}, nil
}

func (s *memSession) Release() error {
	return nil
}

type memTx struct {
	store *memStore
	undo  []func()
}

func (t *memTx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return nil, errors.New("memTx: raw statements are not supported")
}

func (t *memTx) Commit() error {
	t.undo = nil
	return nil
}

func (t *memTx) Rollback() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	return nil
}

// MockStore is a mock type for BetStore
type MockStore struct {
	mock.Mock
}

func (m *MockStore) AcquireSession(ctx context.Context) (database.Session, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(database.Session), args.Error(1)
}

func (m *MockStore) UpdateBetStatusInTx(ctx context.Context, tx database.Transaction, id int64, from, to models.BetStatus, price float64) (bool, error) {
	args := m.Called(ctx, tx, id, from, to, price)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) UpdateUserStatsInTx(ctx context.Context, tx database.Transaction, userID int64, won, lost int) (bool, error) {
	args := m.Called(ctx, tx, userID, won, lost)
	return args.Bool(0), args.Error(1)
}

// MockSession is a mock type for database.Session
type MockSession struct {
	mock.Mock
}

func (m *MockSession) BeginTx(ctx context.Context) (database.Transaction, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(database.Transaction), args.Error(1)
}

func (m *MockSession) Release() error {
	return m.Called().Error(0)
}

// MockTransaction is a mock type for database.Transaction
type MockTransaction struct {
	mock.Mock
}

func (m *MockTransaction) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	called := m.Called(ctx, query)
	return nil, called.Error(1)
}

func (m *MockTransaction) Commit() error {
	return m.Called().Error(0)
}

func (m *MockTransaction) Rollback() error {
	return m.Called().Error(0)
}
