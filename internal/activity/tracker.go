// Package activity fans deposit lifecycle hooks out to the journal, the event
// queue and the receipt archive.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/juno-intents/solver-vault/internal/blobstore"
	"github.com/juno-intents/solver-vault/internal/depositform"
	"github.com/juno-intents/solver-vault/internal/journal"
	"github.com/juno-intents/solver-vault/internal/queue"
)

const defaultSinkTimeout = 10 * time.Second

type Config struct {
	// Each sink is optional.
	Journal  journal.Store
	Producer queue.Producer
	Receipts blobstore.Store

	Topic   string
	Timeout time.Duration
	Log     *slog.Logger
}

// Tracker implements depositform.Tracker. Sink failures are logged and never
// reach the form.
type Tracker struct {
	cfg Config
}

func New(cfg Config) *Tracker {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSinkTimeout
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Tracker{cfg: cfg}
}

func (t *Tracker) DepositSubmitted(ctx context.Context, d depositform.Deposit) {
	if t.cfg.Journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	if _, _, err := t.cfg.Journal.Insert(ctx, journal.Record{
		TxHash:      d.TxHash,
		ChainID:     d.ChainID,
		Account:     d.Account,
		Token:       d.Token.Address,
		Symbol:      d.Token.Symbol,
		Amount:      d.Amount,
		Assets:      d.Assets,
		SubmittedAt: d.SubmittedAt,
	}); err != nil {
		t.cfg.Log.Error("journal insert failed", "txHash", d.TxHash, "err", err)
	}
}

func (t *Tracker) DepositConfirmed(ctx context.Context, d depositform.Deposit, receipt *types.Receipt) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	var block uint64
	if receipt != nil && receipt.BlockNumber != nil && receipt.BlockNumber.IsUint64() {
		block = receipt.BlockNumber.Uint64()
	}

	if t.cfg.Journal != nil {
		if err := t.cfg.Journal.MarkConfirmed(ctx, d.TxHash, block); err != nil {
			t.cfg.Log.Error("journal confirm failed", "txHash", d.TxHash, "err", err)
		}
	}
	if t.cfg.Receipts != nil && receipt != nil {
		t.archive(ctx, d, receipt)
	}
	t.publish(ctx, BuildEvent(d, journal.StateConfirmed, block, ""))
}

func (t *Tracker) DepositFailed(ctx context.Context, d depositform.Deposit, cause error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	if t.cfg.Journal != nil {
		if err := t.cfg.Journal.MarkFailed(ctx, d.TxHash, reason); err != nil {
			t.cfg.Log.Error("journal mark failed errored", "txHash", d.TxHash, "err", err)
		}
	}
	t.publish(ctx, BuildEvent(d, journal.StateFailed, 0, reason))
}

func (t *Tracker) archive(ctx context.Context, d depositform.Deposit, receipt *types.Receipt) {
	key := ReceiptKey(d.ChainID, d.TxHash)
	b, err := json.Marshal(receipt)
	if err != nil {
		t.cfg.Log.Error("marshal receipt failed", "txHash", d.TxHash, "err", err)
		return
	}
	if err := t.cfg.Receipts.Put(ctx, key, b, "application/json"); err != nil {
		if errors.Is(err, blobstore.ErrExists) {
			t.cfg.Log.Debug("receipt already archived", "key", key)
			return
		}
		t.cfg.Log.Error("archive receipt failed", "key", key, "err", err)
		return
	}
	t.cfg.Log.Debug("receipt archived", "key", key)
}

func (t *Tracker) publish(ctx context.Context, e Event) {
	if t.cfg.Producer == nil {
		return
	}
	b, err := json.Marshal(e)
	if err != nil {
		t.cfg.Log.Error("marshal deposit event failed", "txHash", e.TxHash, "err", err)
		return
	}
	if err := t.cfg.Producer.Publish(ctx, t.cfg.Topic, []byte(e.TxHash), b); err != nil {
		t.cfg.Log.Error("publish deposit event failed", "txHash", e.TxHash, "topic", t.cfg.Topic, "err", err)
	}
}

// Close closes the producer.
func (t *Tracker) Close() error {
	if t.cfg.Producer == nil {
		return nil
	}
	if err := t.cfg.Producer.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

var _ depositform.Tracker = (*Tracker)(nil)
