package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/solver-vault/internal/journal"
)

var ErrInvalidConfig = errors.New("journal/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("journal/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, r journal.Record) (journal.Record, bool, error) {
	if s == nil || s.pool == nil {
		return journal.Record{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := journal.Validate(r); err != nil {
		return journal.Record{}, false, err
	}
	if r.ChainID > math.MaxInt64 {
		return journal.Record{}, false, fmt.Errorf("%w: chain id too large", journal.ErrInvalidRecord)
	}
	submittedAt := r.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = time.Now()
	}
	submittedAt = submittedAt.UTC()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO vault_deposits (
			tx_hash,
			chain_id,
			account,
			token,
			symbol,
			amount,
			assets,
			state,
			submitted_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
		ON CONFLICT (tx_hash) DO NOTHING
	`, r.TxHash[:], int64(r.ChainID), r.Account[:], r.Token[:], r.Symbol, r.Amount, r.Assets.String(), int16(journal.StateSubmitted), submittedAt)
	if err != nil {
		return journal.Record{}, false, fmt.Errorf("journal/postgres: insert: %w", err)
	}
	if tag.RowsAffected() == 1 {
		r.State = journal.StateSubmitted
		r.BlockNumber, r.FailReason = 0, ""
		r.Assets = new(big.Int).Set(r.Assets)
		r.SubmittedAt, r.UpdatedAt = submittedAt, submittedAt
		return r, true, nil
	}

	existing, err := s.Get(ctx, r.TxHash)
	if err != nil {
		return journal.Record{}, false, err
	}
	if !journal.SameDeposit(existing, r) {
		return journal.Record{}, false, journal.ErrDepositMismatch
	}
	return existing, false, nil
}

const selectColumns = `
	tx_hash,
	chain_id,
	account,
	token,
	symbol,
	amount,
	assets,
	state,
	block_number,
	fail_reason,
	submitted_at,
	updated_at
`

func (s *Store) Get(ctx context.Context, txHash common.Hash) (journal.Record, error) {
	if s == nil || s.pool == nil {
		return journal.Record{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM vault_deposits WHERE tx_hash = $1`, txHash[:])
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return journal.Record{}, journal.ErrNotFound
		}
		return journal.Record{}, fmt.Errorf("journal/postgres: get: %w", err)
	}
	return r, nil
}

func (s *Store) ListByAccount(ctx context.Context, account common.Address, limit int) ([]journal.Record, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM vault_deposits
		WHERE account = $1
		ORDER BY submitted_at DESC, tx_hash ASC
		LIMIT $2
	`, account[:], limit)
	if err != nil {
		return nil, fmt.Errorf("journal/postgres: list by account: %w", err)
	}
	defer rows.Close()

	out := make([]journal.Record, 0, limit)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("journal/postgres: scan list row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal/postgres: list by account rows: %w", err)
	}
	return out, nil
}

func (s *Store) MarkConfirmed(ctx context.Context, txHash common.Hash, blockNumber uint64) error {
	if blockNumber > math.MaxInt64 {
		return fmt.Errorf("%w: block number too large", journal.ErrInvalidRecord)
	}
	return s.transition(ctx, txHash, journal.StateConfirmed, `
		UPDATE vault_deposits
		SET state = $2, block_number = $3, updated_at = now()
		WHERE tx_hash = $1 AND state = $4
	`, int64(blockNumber))
}

func (s *Store) MarkFailed(ctx context.Context, txHash common.Hash, reason string) error {
	return s.transition(ctx, txHash, journal.StateFailed, `
		UPDATE vault_deposits
		SET state = $2, fail_reason = $3, updated_at = now()
		WHERE tx_hash = $1 AND state = $4
	`, reason)
}

// transition applies update, which moves a submitted row to state to. When no
// row moved the current state decides between a no-op and an error.
func (s *Store) transition(ctx context.Context, txHash common.Hash, to journal.State, update string, arg any) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	tag, err := s.pool.Exec(ctx, update, txHash[:], int16(to), arg, int16(journal.StateSubmitted))
	if err != nil {
		return fmt.Errorf("journal/postgres: mark %s: %w", to, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	cur, err := s.Get(ctx, txHash)
	if err != nil {
		return err
	}
	return journal.CheckTransition(cur.State, to)
}

func scanRecord(row pgx.Row) (journal.Record, error) {
	var (
		txHashRaw   []byte
		chainID     int64
		accountRaw  []byte
		tokenRaw    []byte
		symbol      string
		amount      string
		assetsRaw   string
		state       int16
		blockNumber *int64
		failReason  string
		submittedAt time.Time
		updatedAt   time.Time
	)
	if err := row.Scan(
		&txHashRaw,
		&chainID,
		&accountRaw,
		&tokenRaw,
		&symbol,
		&amount,
		&assetsRaw,
		&state,
		&blockNumber,
		&failReason,
		&submittedAt,
		&updatedAt,
	); err != nil {
		return journal.Record{}, err
	}

	if len(txHashRaw) != common.HashLength {
		return journal.Record{}, fmt.Errorf("journal/postgres: expected 32-byte tx hash, got %d", len(txHashRaw))
	}
	if len(accountRaw) != common.AddressLength || len(tokenRaw) != common.AddressLength {
		return journal.Record{}, fmt.Errorf("journal/postgres: expected 20-byte addresses")
	}
	if chainID <= 0 {
		return journal.Record{}, fmt.Errorf("journal/postgres: invalid chain id %d in db", chainID)
	}
	assets, ok := new(big.Int).SetString(assetsRaw, 10)
	if !ok {
		return journal.Record{}, fmt.Errorf("journal/postgres: invalid assets %q in db", assetsRaw)
	}

	r := journal.Record{
		TxHash:      common.BytesToHash(txHashRaw),
		ChainID:     uint64(chainID),
		Account:     common.BytesToAddress(accountRaw),
		Token:       common.BytesToAddress(tokenRaw),
		Symbol:      symbol,
		Amount:      amount,
		Assets:      assets,
		State:       journal.State(state),
		FailReason:  failReason,
		SubmittedAt: submittedAt.UTC(),
		UpdatedAt:   updatedAt.UTC(),
	}
	if blockNumber != nil && *blockNumber >= 0 {
		r.BlockNumber = uint64(*blockNumber)
	}
	return r, nil
}

var _ journal.Store = (*Store)(nil)
