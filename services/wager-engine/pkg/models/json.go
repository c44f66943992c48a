package models

import (
	"encoding/json"
	"time"
)

// Timestamps go over the wire as epoch milliseconds.

func (b Bet) MarshalJSON() ([]byte, error) {
	type Alias Bet
	return json.Marshal(struct {
		Alias
		OpenedAt  int64 `json:"openedAt"`
		ResolveAt int64 `json:"resolveAt"`
	}{
		Alias:     Alias(b),
		OpenedAt:  b.OpenedAt.UnixMilli(),
		ResolveAt: b.ResolveAt.UnixMilli(),
	})
}

func (b *Bet) UnmarshalJSON(data []byte) error {
	type Alias Bet
	aux := struct {
		*Alias
		OpenedAt  int64 `json:"openedAt"`
		ResolveAt int64 `json:"resolveAt"`
	}{Alias: (*Alias)(b)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	b.OpenedAt = time.UnixMilli(aux.OpenedAt)
	b.ResolveAt = time.UnixMilli(aux.ResolveAt)
	return nil
}

func (u User) MarshalJSON() ([]byte, error) {
	type Alias User
	return json.Marshal(struct {
		Alias
		CreatedAt int64 `json:"createdAt"`
	}{
		Alias:     Alias(u),
		CreatedAt: u.CreatedAt.UnixMilli(),
	})
}

func (u *User) UnmarshalJSON(data []byte) error {
	type Alias User
	aux := struct {
		*Alias
		CreatedAt int64 `json:"createdAt"`
	}{Alias: (*Alias)(u)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	u.CreatedAt = time.UnixMilli(aux.CreatedAt)
	return nil
}

func (i BetInfo) MarshalJSON() ([]byte, error) {
	type Alias BetInfo
	return json.Marshal(struct {
		Alias
		BetDeadline int64 `json:"betDeadline"`
		ResolveAt   int64 `json:"resolveAt"`
	}{
		Alias:       Alias(i),
		BetDeadline: i.BetDeadline.UnixMilli(),
		ResolveAt:   i.ResolveAt.UnixMilli(),
	})
}

func (i *BetInfo) UnmarshalJSON(data []byte) error {
	type Alias BetInfo
	aux := struct {
		*Alias
		BetDeadline int64 `json:"betDeadline"`
		ResolveAt   int64 `json:"resolveAt"`
	}{Alias: (*Alias)(i)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	i.BetDeadline = time.UnixMilli(aux.BetDeadline)
	i.ResolveAt = time.UnixMilli(aux.ResolveAt)
	return nil
}
