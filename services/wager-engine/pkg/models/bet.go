package models

import (
	"fmt"
	"strings"
	"time"
)

type BetDirection string

const (
	DirectionLong  BetDirection = "long"
	DirectionShort BetDirection = "short"
)

func ParseBetDirection(s string) (BetDirection, error) {
	switch BetDirection(strings.ToLower(s)) {
	case DirectionLong:
		return DirectionLong, nil
	case DirectionShort:
		return DirectionShort, nil
	}
	return "", fmt.Errorf("unknown bet direction %q", s)
}

type BetStatus string

const (
	BetStatusOpen BetStatus = "open"
	BetStatusWon  BetStatus = "won"
	BetStatusLost BetStatus = "lost"
)

type Bet struct {
	ID              int64        `json:"id" db:"id"`
	UserID          int64        `json:"userId" db:"user_id"`
	Ticker          string       `json:"ticker" db:"ticker"`
	Direction       BetDirection `json:"direction" db:"direction"`
	OpenPrice       float64      `json:"openPrice" db:"open_price"`
	OpenedAt        time.Time    `json:"openedAt" db:"opened_at"`
	ResolveAt       time.Time    `json:"resolveAt" db:"resolve_at"`
	Status          BetStatus    `json:"status" db:"status"`
	ResolutionPrice *float64     `json:"resolutionPrice" db:"resolution_price"`
}

type User struct {
	ID        int64     `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	Score     int64     `json:"score" db:"score"`
	BetsWon   int64     `json:"betsWon" db:"bets_won"`
	BetsLost  int64     `json:"betsLost" db:"bets_lost"`
	OpenBets  int       `json:"betsOpen"`
}

type TickerInfo struct {
	Ticker      string `json:"ticker" yaml:"ticker"`
	DisplayName string `json:"displayName" yaml:"display_name"`
}

type BetInfo struct {
	Tickers     []TickerInfo `json:"tickers"`
	BetDeadline time.Time    `json:"betDeadline"`
	ResolveAt   time.Time    `json:"resolveAt"`
}
