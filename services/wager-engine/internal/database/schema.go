package database

// Migrations is the ordered schema history. Never edit an applied entry,
// append a new one instead.
var Migrations = []string{
	`CREATE TABLE users (
		id         BIGSERIAL PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		score      BIGINT NOT NULL DEFAULT 0,
		bets_won   BIGINT NOT NULL DEFAULT 0,
		bets_lost  BIGINT NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE bets (
		id               BIGSERIAL PRIMARY KEY,
		user_id          BIGINT NOT NULL REFERENCES users (id),
		ticker           VARCHAR(20) NOT NULL,
		direction        VARCHAR(5) NOT NULL CHECK (direction IN ('long', 'short')),
		open_price       NUMERIC(20, 8) NOT NULL,
		opened_at        TIMESTAMPTZ NOT NULL,
		resolve_at       TIMESTAMPTZ NOT NULL,
		status           VARCHAR(5) NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'won', 'lost')),
		resolution_price NUMERIC(20, 8)
	)`,

	`CREATE UNIQUE INDEX bets_one_open_per_ticker ON bets (user_id, ticker) WHERE status = 'open'`,

	`CREATE INDEX bets_user_status ON bets (user_id, status)`,

	`CREATE INDEX bets_status_resolve_at ON bets (status, resolve_at)`,
}
