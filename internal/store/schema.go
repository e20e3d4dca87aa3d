package store

import (
	"strconv"
	"strings"
)

// dialect captures the few places where SQLite and PostgreSQL differ.
type dialect struct {
	name      string
	schema    []string
	forUpdate string
	// minBalance filters miners by pending_balance in SQL. Empty where the
	// column is text and the comparison has to happen on decimals in Go.
	minBalance string
}

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS miners (
			miner_id        TEXT PRIMARY KEY,
			username        TEXT NOT NULL,
			payout_address  TEXT NOT NULL DEFAULT '',
			algorithm       TEXT NOT NULL DEFAULT '',
			total_shares    INTEGER NOT NULL DEFAULT 0,
			accepted        INTEGER NOT NULL DEFAULT 0,
			rejected        INTEGER NOT NULL DEFAULT 0,
			pending_balance TEXT NOT NULL DEFAULT '0',
			is_active       BOOLEAN NOT NULL DEFAULT FALSE,
			created_at      TIMESTAMP NOT NULL,
			updated_at      TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS shares (
			share_id     INTEGER PRIMARY KEY AUTOINCREMENT,
			miner_id     TEXT NOT NULL,
			job_id       TEXT NOT NULL,
			nonce        TEXT NOT NULL,
			extra_nonce2 TEXT NOT NULL,
			difficulty   REAL NOT NULL,
			is_valid     BOOLEAN NOT NULL,
			is_block     BOOLEAN NOT NULL,
			submitted_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_shares_valid ON shares (is_valid, share_id)`,
		`CREATE TRIGGER IF NOT EXISTS shares_no_update BEFORE UPDATE ON shares
		BEGIN
			SELECT RAISE(ABORT, 'shares are append-only');
		END`,
		`CREATE TRIGGER IF NOT EXISTS shares_no_delete BEFORE DELETE ON shares
		BEGIN
			SELECT RAISE(ABORT, 'shares are append-only');
		END`,
		`CREATE TABLE IF NOT EXISTS blocks (
			block_hash TEXT PRIMARY KEY,
			height     INTEGER NOT NULL,
			miner_id   TEXT NOT NULL,
			job_id     TEXT NOT NULL,
			share_id   INTEGER NOT NULL DEFAULT 0,
			reward     TEXT NOT NULL,
			block_data TEXT NOT NULL DEFAULT '',
			confirmed  BOOLEAN NOT NULL DEFAULT FALSE,
			rewarded   BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS payouts (
			payout_id  INTEGER PRIMARY KEY AUTOINCREMENT,
			miner_id   TEXT NOT NULL,
			block_hash TEXT NOT NULL DEFAULT '',
			amount     TEXT NOT NULL,
			address    TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL,
			tx_hash    TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payouts_miner_status ON payouts (miner_id, status)`,
	},
}

var postgresDialect = dialect{
	name:       "postgres",
	forUpdate:  " FOR UPDATE",
	minBalance: " AND pending_balance >= ?",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS miners (
			miner_id        TEXT PRIMARY KEY,
			username        TEXT NOT NULL,
			payout_address  TEXT NOT NULL DEFAULT '',
			algorithm       TEXT NOT NULL DEFAULT '',
			total_shares    BIGINT NOT NULL DEFAULT 0,
			accepted        BIGINT NOT NULL DEFAULT 0,
			rejected        BIGINT NOT NULL DEFAULT 0,
			pending_balance NUMERIC(32, 8) NOT NULL DEFAULT 0 CHECK (pending_balance >= 0),
			is_active       BOOLEAN NOT NULL DEFAULT FALSE,
			created_at      TIMESTAMPTZ NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS shares (
			share_id     BIGSERIAL PRIMARY KEY,
			miner_id     TEXT NOT NULL,
			job_id       TEXT NOT NULL,
			nonce        TEXT NOT NULL,
			extra_nonce2 TEXT NOT NULL,
			difficulty   DOUBLE PRECISION NOT NULL,
			is_valid     BOOLEAN NOT NULL,
			is_block     BOOLEAN NOT NULL,
			submitted_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_shares_valid ON shares (is_valid, share_id)`,
		`CREATE OR REPLACE FUNCTION shares_append_only() RETURNS trigger AS $$
		BEGIN
			RAISE EXCEPTION 'shares are append-only';
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS shares_append_only ON shares`,
		`CREATE TRIGGER shares_append_only BEFORE UPDATE OR DELETE ON shares
		FOR EACH ROW EXECUTE FUNCTION shares_append_only()`,
		`CREATE TABLE IF NOT EXISTS blocks (
			block_hash TEXT PRIMARY KEY,
			height     BIGINT NOT NULL,
			miner_id   TEXT NOT NULL,
			job_id     TEXT NOT NULL,
			share_id   BIGINT NOT NULL DEFAULT 0,
			reward     NUMERIC(32, 8) NOT NULL,
			block_data TEXT NOT NULL DEFAULT '',
			confirmed  BOOLEAN NOT NULL DEFAULT FALSE,
			rewarded   BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS payouts (
			payout_id  BIGSERIAL PRIMARY KEY,
			miner_id   TEXT NOT NULL,
			block_hash TEXT NOT NULL DEFAULT '',
			amount     NUMERIC(32, 8) NOT NULL,
			address    TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL,
			tx_hash    TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payouts_miner_status ON payouts (miner_id, status)`,
	},
}

// rebind rewrites ? placeholders into the dialect's native form.
func (d dialect) rebind(query string) string {
	if d.name != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
