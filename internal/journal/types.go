// Package journal records deposits submitted from the dashboard and tracks
// them to a terminal state.
package journal

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type State uint8

const (
	StateUnknown State = iota
	StateSubmitted
	StateConfirmed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSubmitted:
		return "submitted"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func (s State) Terminal() bool { return s == StateConfirmed || s == StateFailed }

type Record struct {
	TxHash  common.Hash
	ChainID uint64
	Account common.Address

	Token  common.Address
	Symbol string
	// Amount is the decimal string the user entered; Assets is its base-unit value.
	Amount string
	Assets *big.Int

	State       State
	BlockNumber uint64
	FailReason  string

	SubmittedAt time.Time
	UpdatedAt   time.Time
}

// SameDeposit reports whether a and b describe the same submitted deposit.
func SameDeposit(a, b Record) bool {
	if a.TxHash != b.TxHash || a.ChainID != b.ChainID || a.Account != b.Account || a.Token != b.Token {
		return false
	}
	if a.Assets == nil || b.Assets == nil {
		return a.Assets == b.Assets
	}
	return a.Assets.Cmp(b.Assets) == 0
}

func (r Record) clone() Record {
	if r.Assets != nil {
		r.Assets = new(big.Int).Set(r.Assets)
	}
	return r
}
