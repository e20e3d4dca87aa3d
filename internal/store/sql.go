package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"math"
	"strings"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	// Pure-Go SQLite driver for database/sql
	_ "modernc.org/sqlite"

	"github.com/bardlex/pplnspool/pkg/errors"
)

// Config holds store connection configuration
type Config struct {
	Driver       string // "sqlite" or "postgres"
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// SQLStore implements Store on database/sql for SQLite and PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

var _ Store = (*SQLStore)(nil)

// Open connects, applies the schema and returns a ready store.
//
// SQLite runs in WAL mode with a busy timeout behind a single pooled
// connection, which serializes all writers without ad hoc retry loops.
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	var (
		d   dialect
		dsn = cfg.DSN
	)

	switch cfg.Driver {
	case "sqlite":
		d = sqliteDialect
		if !strings.Contains(dsn, "_pragma=") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
		}
	case "postgres":
		d = postgresDialect
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, errors.PersistenceError(err, "open")
	}

	if cfg.Driver == "sqlite" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		db.SetConnMaxLifetime(cfg.MaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.PersistenceError(err, "ping")
	}

	s := &SQLStore{db: db, dialect: d, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.PersistenceError(err, "migrate")
		}
	}
	return nil
}

// Ping checks database connectivity
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) q(query string) string {
	return s.dialect.rebind(query)
}

// withTx runs fn in a transaction, rolling back on any error.
func (s *SQLStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.PersistenceError(err, op)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		var se *errors.ServiceError
		if stderrors.As(err, &se) || isSentinel(err) {
			return err
		}
		return errors.PersistenceError(err, op)
	}

	if err := tx.Commit(); err != nil {
		return errors.PersistenceError(err, op)
	}
	return nil
}

func isSentinel(err error) bool {
	return stderrors.Is(err, ErrNotFound) || stderrors.Is(err, ErrDuplicate) || stderrors.Is(err, ErrAlreadyRewarded)
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

// UpsertMiner creates the miner row or refreshes its identity fields and marks it active.
// Counters and balance are never touched here.
func (s *SQLStore) UpsertMiner(ctx context.Context, m *Miner) error {
	query := `
		INSERT INTO miners (miner_id, username, payout_address, algorithm, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (miner_id) DO UPDATE SET
			username = excluded.username,
			payout_address = excluded.payout_address,
			algorithm = excluded.algorithm,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`

	now := s.now()
	if _, err := s.db.ExecContext(ctx, s.q(query),
		m.ID, m.Username, m.PayoutAddress, m.Algorithm, m.IsActive, now, now,
	); err != nil {
		return errors.PersistenceError(err, "upsert_miner").WithContext("miner_id", m.ID)
	}
	return nil
}

// SetMinerActive flips the miner's is_active flag
func (s *SQLStore) SetMinerActive(ctx context.Context, minerID string, active bool) error {
	query := `UPDATE miners SET is_active = ?, updated_at = ? WHERE miner_id = ?`
	if _, err := s.db.ExecContext(ctx, s.q(query), active, s.now(), minerID); err != nil {
		return errors.PersistenceError(err, "set_miner_active").WithContext("miner_id", minerID)
	}
	return nil
}

const minerColumns = `miner_id, username, payout_address, algorithm, total_shares, accepted, rejected,
		pending_balance, is_active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMiner(row rowScanner) (*Miner, error) {
	m := &Miner{}
	err := row.Scan(&m.ID, &m.Username, &m.PayoutAddress, &m.Algorithm, &m.TotalShares,
		&m.Accepted, &m.Rejected, &m.PendingBalance, &m.IsActive, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetMiner retrieves a miner by id
func (s *SQLStore) GetMiner(ctx context.Context, minerID string) (*Miner, error) {
	query := `SELECT ` + minerColumns + ` FROM miners WHERE miner_id = ?`

	m, err := scanMiner(s.db.QueryRowContext(ctx, s.q(query), minerID))
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.PersistenceError(err, "get_miner").WithContext("miner_id", minerID)
	}
	return m, nil
}

// InsertShare appends a share and bumps the owning miner's counters in one transaction.
func (s *SQLStore) InsertShare(ctx context.Context, sh *Share) (int64, error) {
	if sh.SubmittedAt.IsZero() {
		sh.SubmittedAt = s.now()
	}

	accepted, rejected := 0, 1
	if sh.IsValid {
		accepted, rejected = 1, 0
	}

	err := s.withTx(ctx, "insert_share", func(tx *sql.Tx) error {
		insert := `
			INSERT INTO shares (miner_id, job_id, nonce, extra_nonce2, difficulty, is_valid, is_block, submitted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING share_id`

		if err := tx.QueryRowContext(ctx, s.q(insert),
			sh.MinerID, sh.JobID, sh.Nonce, sh.ExtraNonce2, sh.Difficulty, sh.IsValid, sh.IsBlock, sh.SubmittedAt,
		).Scan(&sh.ID); err != nil {
			return err
		}

		counters := `
			UPDATE miners SET total_shares = total_shares + 1, accepted = accepted + ?, rejected = rejected + ?, updated_at = ?
			WHERE miner_id = ?`
		_, err := tx.ExecContext(ctx, s.q(counters), accepted, rejected, sh.SubmittedAt, sh.MinerID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return sh.ID, nil
}

// RecentValidShares returns the PPLNS window: the newest valid shares by
// share_id, up to and including throughID. Shares are append-only, so the
// window ending at a given share never changes.
func (s *SQLStore) RecentValidShares(ctx context.Context, throughID int64, limit int) ([]Share, error) {
	if throughID <= 0 {
		throughID = math.MaxInt64
	}

	query := `
		SELECT share_id, miner_id, job_id, nonce, extra_nonce2, difficulty, is_valid, is_block, submitted_at
		FROM shares
		WHERE is_valid = ? AND share_id <= ?
		ORDER BY share_id DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, s.q(query), true, throughID, limit)
	if err != nil {
		return nil, errors.PersistenceError(err, "recent_valid_shares")
	}
	defer rows.Close()

	var shares []Share
	for rows.Next() {
		var sh Share
		if err := rows.Scan(&sh.ID, &sh.MinerID, &sh.JobID, &sh.Nonce, &sh.ExtraNonce2,
			&sh.Difficulty, &sh.IsValid, &sh.IsBlock, &sh.SubmittedAt); err != nil {
			return nil, errors.PersistenceError(err, "recent_valid_shares")
		}
		shares = append(shares, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.PersistenceError(err, "recent_valid_shares")
	}
	return shares, nil
}

// CountShares returns the total number of ledger rows
func (s *SQLStore) CountShares(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM shares`).Scan(&n); err != nil {
		return 0, errors.PersistenceError(err, "count_shares")
	}
	return n, nil
}

// InsertBlock records a block solution; a second insert of the same hash returns ErrDuplicate.
func (s *SQLStore) InsertBlock(ctx context.Context, b *Block) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}

	query := `
		INSERT INTO blocks (block_hash, height, miner_id, job_id, share_id, reward, block_data, confirmed, rewarded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, s.q(query),
		b.Hash, b.Height, b.MinerID, b.JobID, b.ShareID, b.Reward, b.Data, b.Confirmed, b.Rewarded, b.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return errors.PersistenceError(err, "insert_block").WithContext("block_hash", b.Hash)
	}
	return nil
}

const blockColumns = `block_hash, height, miner_id, job_id, share_id, reward, block_data, confirmed, rewarded, created_at`

func scanBlock(row rowScanner) (*Block, error) {
	b := &Block{}
	if err := row.Scan(&b.Hash, &b.Height, &b.MinerID, &b.JobID, &b.ShareID, &b.Reward, &b.Data,
		&b.Confirmed, &b.Rewarded, &b.CreatedAt); err != nil {
		return nil, err
	}
	return b, nil
}

// GetBlock retrieves a block by hash
func (s *SQLStore) GetBlock(ctx context.Context, hash string) (*Block, error) {
	query := `SELECT ` + blockColumns + ` FROM blocks WHERE block_hash = ?`

	b, err := scanBlock(s.db.QueryRowContext(ctx, s.q(query), hash))
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.PersistenceError(err, "get_block").WithContext("block_hash", hash)
	}
	return b, nil
}

// ConfirmBlock marks a block accepted by the node
func (s *SQLStore) ConfirmBlock(ctx context.Context, hash string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE blocks SET confirmed = ? WHERE block_hash = ?`), true, hash)
	if err != nil {
		return errors.PersistenceError(err, "confirm_block").WithContext("block_hash", hash)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// UnrewardedBlocks lists blocks still awaiting confirmation or distribution
func (s *SQLStore) UnrewardedBlocks(ctx context.Context, since time.Time) ([]Block, error) {
	query := `SELECT ` + blockColumns + ` FROM blocks WHERE rewarded = ? AND created_at >= ? ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, s.q(query), false, since.UTC())
	if err != nil {
		return nil, errors.PersistenceError(err, "unrewarded_blocks")
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, errors.PersistenceError(err, "unrewarded_blocks")
		}
		blocks = append(blocks, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.PersistenceError(err, "unrewarded_blocks")
	}
	return blocks, nil
}

// DistributeReward credits allocations for a block exactly once.
func (s *SQLStore) DistributeReward(ctx context.Context, blockHash string, allocations []Allocation) error {
	return s.withTx(ctx, "distribute_reward", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`UPDATE blocks SET rewarded = ? WHERE block_hash = ? AND rewarded = ?`),
			true, blockHash, false)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM blocks WHERE block_hash = ?`), blockHash).Scan(&exists)
			if stderrors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			return ErrAlreadyRewarded
		}

		now := s.now()
		for _, a := range allocations {
			if !a.Amount.IsPositive() {
				continue
			}

			balance, address, err := s.lockBalance(ctx, tx, a.MinerID, now)
			if err != nil {
				return err
			}

			if _, err := tx.ExecContext(ctx, s.q(`UPDATE miners SET pending_balance = ?, updated_at = ? WHERE miner_id = ?`),
				balance.Add(a.Amount), now, a.MinerID); err != nil {
				return err
			}

			insert := `
				INSERT INTO payouts (miner_id, block_hash, amount, address, status, tx_hash, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, '', ?, ?)`
			if _, err := tx.ExecContext(ctx, s.q(insert),
				a.MinerID, blockHash, a.Amount, address, string(PayoutPending), now, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// lockBalance reads (and on PostgreSQL row-locks) a miner's balance, creating
// an inactive miner row when the allocation names an unknown miner.
func (s *SQLStore) lockBalance(ctx context.Context, tx *sql.Tx, minerID string, now time.Time) (decimal.Decimal, string, error) {
	var (
		balance decimal.Decimal
		address string
	)

	query := `SELECT pending_balance, payout_address FROM miners WHERE miner_id = ?` + s.dialect.forUpdate
	err := tx.QueryRowContext(ctx, s.q(query), minerID).Scan(&balance, &address)
	if stderrors.Is(err, sql.ErrNoRows) {
		insert := `
			INSERT INTO miners (miner_id, username, payout_address, algorithm, is_active, created_at, updated_at)
			VALUES (?, ?, '', '', ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, s.q(insert), minerID, minerID, false, now, now); err != nil {
			return decimal.Zero, "", err
		}
		return decimal.Zero, "", nil
	}
	if err != nil {
		return decimal.Zero, "", err
	}
	return balance, address, nil
}

func (d dialect) payableQuery() string {
	return `SELECT ` + minerColumns + ` FROM miners WHERE payout_address <> ''` + d.minBalance + ` ORDER BY miner_id`
}

// PayableMiners returns miners eligible for a payout run
func (s *SQLStore) PayableMiners(ctx context.Context, min decimal.Decimal) ([]Miner, error) {
	var args []any
	if s.dialect.minBalance != "" {
		args = append(args, min)
	}

	rows, err := s.db.QueryContext(ctx, s.q(s.dialect.payableQuery()), args...)
	if err != nil {
		return nil, errors.PersistenceError(err, "payable_miners")
	}
	defer rows.Close()

	var miners []Miner
	for rows.Next() {
		m, err := scanMiner(rows)
		if err != nil {
			return nil, errors.PersistenceError(err, "payable_miners")
		}
		// SQLite stores balances as text, so they are compared here.
		if m.PendingBalance.GreaterThanOrEqual(min) {
			miners = append(miners, *m)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.PersistenceError(err, "payable_miners")
	}
	return miners, nil
}

const payoutColumns = `payout_id, miner_id, block_hash, amount, address, status, tx_hash, created_at, updated_at`

func (s *SQLStore) queryPayouts(ctx context.Context, q queryer, op, query string, args ...any) ([]Payout, error) {
	rows, err := q.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, errors.PersistenceError(err, op)
	}
	defer rows.Close()

	var payouts []Payout
	for rows.Next() {
		var (
			p      Payout
			status string
		)
		if err := rows.Scan(&p.ID, &p.MinerID, &p.BlockHash, &p.Amount, &p.Address, &status,
			&p.TxHash, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, errors.PersistenceError(err, op)
		}
		p.Status = PayoutStatus(status)
		payouts = append(payouts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.PersistenceError(err, op)
	}
	return payouts, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// PendingPayouts returns the miner's unsettled payout rows in creation order
func (s *SQLStore) PendingPayouts(ctx context.Context, minerID string) ([]Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE miner_id = ? AND status = ? ORDER BY payout_id`
	return s.queryPayouts(ctx, s.db, "pending_payouts", query, minerID, string(PayoutPending))
}

// Payouts returns every payout row of a miner in creation order
func (s *SQLStore) Payouts(ctx context.Context, minerID string) ([]Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE miner_id = ? ORDER BY payout_id`
	return s.queryPayouts(ctx, s.db, "payouts", query, minerID)
}

// pendingTotal sums the listed rows that are still pending and belong to the miner.
func (s *SQLStore) pendingTotal(ctx context.Context, tx *sql.Tx, minerID string, ids []int64) (decimal.Decimal, []int64, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE miner_id = ? AND status = ? ORDER BY payout_id`
	rows, err := s.queryPayouts(ctx, tx, "pending_total", query, minerID, string(PayoutPending))
	if err != nil {
		return decimal.Zero, nil, err
	}

	wanted := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	total := decimal.Zero
	var matched []int64
	for _, p := range rows {
		if _, ok := wanted[p.ID]; ok {
			total = total.Add(p.Amount)
			matched = append(matched, p.ID)
		}
	}
	return total, matched, nil
}

// CompletePayouts marks rows completed and debits the miner's balance by their total.
func (s *SQLStore) CompletePayouts(ctx context.Context, minerID string, ids []int64, txHash string) (decimal.Decimal, error) {
	var settled decimal.Decimal

	err := s.withTx(ctx, "complete_payouts", func(tx *sql.Tx) error {
		now := s.now()

		total, matched, err := s.pendingTotal(ctx, tx, minerID, ids)
		if err != nil {
			return err
		}
		if len(matched) == 0 {
			return ErrNotFound
		}

		balance, _, err := s.lockBalance(ctx, tx, minerID, now)
		if err != nil {
			return err
		}
		remaining := balance.Sub(total)
		if remaining.IsNegative() {
			return errors.New(errors.ErrorTypePersistence, "complete_payouts", "payout exceeds pending balance").
				WithContext("miner_id", minerID).
				WithContext("balance", balance.String()).
				WithContext("amount", total.String())
		}

		for _, id := range matched {
			if _, err := tx.ExecContext(ctx, s.q(`UPDATE payouts SET status = ?, tx_hash = ?, updated_at = ? WHERE payout_id = ?`),
				string(PayoutCompleted), txHash, now, id); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, s.q(`UPDATE miners SET pending_balance = ?, updated_at = ? WHERE miner_id = ?`),
			remaining, now, minerID); err != nil {
			return err
		}

		settled = total
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return settled, nil
}

// FailPayouts marks rows failed and carries their total forward as one new pending row.
// The miner's balance is left untouched so the amount is retried next cycle.
func (s *SQLStore) FailPayouts(ctx context.Context, minerID string, ids []int64) (*Payout, error) {
	var carry *Payout

	err := s.withTx(ctx, "fail_payouts", func(tx *sql.Tx) error {
		now := s.now()

		total, matched, err := s.pendingTotal(ctx, tx, minerID, ids)
		if err != nil {
			return err
		}
		if len(matched) == 0 {
			return ErrNotFound
		}

		for _, id := range matched {
			if _, err := tx.ExecContext(ctx, s.q(`UPDATE payouts SET status = ?, updated_at = ? WHERE payout_id = ?`),
				string(PayoutFailed), now, id); err != nil {
				return err
			}
		}

		_, address, err := s.lockBalance(ctx, tx, minerID, now)
		if err != nil {
			return err
		}

		p := &Payout{
			MinerID:   minerID,
			Amount:    total,
			Address:   address,
			Status:    PayoutPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		insert := `
			INSERT INTO payouts (miner_id, block_hash, amount, address, status, tx_hash, created_at, updated_at)
			VALUES (?, '', ?, ?, ?, '', ?, ?)
			RETURNING payout_id`
		if err := tx.QueryRowContext(ctx, s.q(insert),
			minerID, total, address, string(PayoutPending), now, now).Scan(&p.ID); err != nil {
			return err
		}

		carry = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return carry, nil
}
