package activity

import (
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/solver-vault/internal/depositform"
	"github.com/juno-intents/solver-vault/internal/journal"
)

const (
	EventVersion = "vault.deposits.v1"
	DefaultTopic = EventVersion
)

// Event is the queue payload for a deposit reaching a terminal state.
type Event struct {
	Version     string `json:"version"`
	TxHash      string `json:"txHash"`
	ChainID     uint64 `json:"chainId"`
	Account     string `json:"account"`
	Token       string `json:"token"`
	Symbol      string `json:"symbol"`
	Amount      string `json:"amount"`
	Assets      string `json:"assets"`
	State       string `json:"state"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	Reason      string `json:"reason,omitempty"`
	SubmittedAt string `json:"submittedAt"`
}

func BuildEvent(d depositform.Deposit, state journal.State, blockNumber uint64, reason string) Event {
	e := Event{
		Version:     EventVersion,
		TxHash:      d.TxHash.Hex(),
		ChainID:     d.ChainID,
		Account:     d.Account.Hex(),
		Token:       d.Token.Address.Hex(),
		Symbol:      d.Token.Symbol,
		Amount:      d.Amount,
		Assets:      "0",
		State:       state.String(),
		BlockNumber: blockNumber,
		Reason:      reason,
		SubmittedAt: d.SubmittedAt.UTC().Format(time.RFC3339Nano),
	}
	if d.Assets != nil {
		e.Assets = d.Assets.String()
	}
	return e
}

// ReceiptKey is the archive key of a deposit receipt.
func ReceiptKey(chainID uint64, txHash common.Hash) string {
	return "receipts/" + strconv.FormatUint(chainID, 10) + "/" + txHash.Hex() + ".json"
}
