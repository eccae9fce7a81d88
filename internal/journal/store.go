package journal

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound          = errors.New("journal: not found")
	ErrInvalidRecord     = errors.New("journal: invalid record")
	ErrDepositMismatch   = errors.New("journal: deposit mismatch")
	ErrInvalidTransition = errors.New("journal: invalid transition")
)

type Store interface {
	// Insert records a submitted deposit. Re-inserting the same deposit is a
	// no-op reported with created=false.
	Insert(ctx context.Context, r Record) (Record, bool, error)
	Get(ctx context.Context, txHash common.Hash) (Record, error)
	ListByAccount(ctx context.Context, account common.Address, limit int) ([]Record, error)

	MarkConfirmed(ctx context.Context, txHash common.Hash, blockNumber uint64) error
	MarkFailed(ctx context.Context, txHash common.Hash, reason string) error
}

// Validate checks the fields Insert requires.
func Validate(r Record) error {
	if r.TxHash == (common.Hash{}) {
		return fmt.Errorf("%w: missing tx hash", ErrInvalidRecord)
	}
	if r.ChainID == 0 {
		return fmt.Errorf("%w: missing chain id", ErrInvalidRecord)
	}
	if r.Account == (common.Address{}) {
		return fmt.Errorf("%w: missing account", ErrInvalidRecord)
	}
	if r.Assets == nil || r.Assets.Sign() <= 0 {
		return fmt.Errorf("%w: assets must be > 0", ErrInvalidRecord)
	}
	return nil
}

// CheckTransition reports whether a record in state from may move to to.
// Repeating a terminal transition is allowed.
func CheckTransition(from, to State) error {
	switch {
	case from == to && to.Terminal():
		return nil
	case from == StateSubmitted && to.Terminal():
		return nil
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
}
