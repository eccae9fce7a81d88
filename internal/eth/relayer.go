package eth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrInvalidRelayerConfig = errors.New("eth: invalid relayer config")
	ErrInvalidPendingTx     = errors.New("eth: invalid pending tx")
)

type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type RelayerConfig struct {
	ChainID            *big.Int
	GasLimitMultiplier float64
	MinTipCap          *big.Int

	ReceiptPollInterval time.Duration

	// Replacement is disabled when MaxReplacements is 0.
	ReplaceAfter           time.Duration
	MaxReplacements        int
	ReplacementBumpPercent int
	MinReplacementTipBump  *big.Int
	MinReplacementFeeBump  *big.Int

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRelayerConfig returns 20% gas headroom and a 2s receipt poll with
// replacement disabled.
func DefaultRelayerConfig(chainID *big.Int) RelayerConfig {
	return RelayerConfig{
		ChainID:             chainID,
		GasLimitMultiplier:  1.2,
		MinTipCap:           big.NewInt(0),
		ReceiptPollInterval: 2 * time.Second,
	}
}

func (c RelayerConfig) validate() error {
	switch {
	case c.ChainID == nil || c.ChainID.Sign() <= 0:
		return fmt.Errorf("%w: chain id must be > 0", ErrInvalidRelayerConfig)
	case c.GasLimitMultiplier <= 0:
		return fmt.Errorf("%w: gas limit multiplier must be > 0", ErrInvalidRelayerConfig)
	case c.MinTipCap == nil || c.MinTipCap.Sign() < 0:
		return fmt.Errorf("%w: min tip cap must be >= 0", ErrInvalidRelayerConfig)
	case c.ReceiptPollInterval <= 0:
		return fmt.Errorf("%w: receipt poll interval must be > 0", ErrInvalidRelayerConfig)
	case c.MaxReplacements < 0:
		return fmt.Errorf("%w: max replacements must be >= 0", ErrInvalidRelayerConfig)
	}
	if c.MaxReplacements == 0 {
		return nil
	}
	if c.ReplaceAfter <= 0 || c.ReplacementBumpPercent <= 0 ||
		c.MinReplacementTipBump == nil || c.MinReplacementTipBump.Sign() < 0 ||
		c.MinReplacementFeeBump == nil || c.MinReplacementFeeBump.Sign() < 0 {
		return fmt.Errorf("%w: replacements need a bump policy", ErrInvalidRelayerConfig)
	}
	return nil
}

// Relayer sends transactions from one account.
type Relayer struct {
	backend Backend
	signer  Signer
	cfg     RelayerConfig
	nonces  *nonceCursor
}

type TxRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64 // optional; 0 => estimate
}

type SendResult struct {
	From         common.Address
	Nonce        uint64
	TxHash       common.Hash
	Receipt      *types.Receipt
	Replacements int
}

// PendingTx is the handle of a broadcast transaction. It carries what WaitMined
// needs to re-sign fee-bumped replacements under the same nonce.
type PendingTx struct {
	From   common.Address
	Nonce  uint64
	TxHash common.Hash

	req    TxRequest
	gas    uint64
	tipCap *big.Int
	feeCap *big.Int
	sentAt time.Time
}

func NewRelayer(backend Backend, signer Signer, cfg RelayerConfig) (*Relayer, error) {
	if backend == nil || signer == nil {
		return nil, fmt.Errorf("%w: nil backend or signer", ErrInvalidRelayerConfig)
	}
	from := signer.Address()
	if from == (common.Address{}) {
		return nil, fmt.Errorf("%w: signer has zero address", ErrInvalidRelayerConfig)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Relayer{
		backend: backend,
		signer:  signer,
		cfg:     cfg,
		nonces:  &nonceCursor{backend: backend, addr: from},
	}, nil
}

// Send signs and broadcasts req and returns without waiting for inclusion.
func (r *Relayer) Send(ctx context.Context, req TxRequest) (PendingTx, error) {
	from := r.signer.Address()
	if req.Value == nil {
		req.Value = new(big.Int)
	}

	gas := req.GasLimit
	if gas == 0 {
		est, err := r.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &req.To, Value: req.Value, Data: req.Data})
		if err != nil {
			return PendingTx{}, fmt.Errorf("eth: estimate gas: %w", err)
		}
		gas = applyGasMultiplier(est, r.cfg.GasLimitMultiplier)
	}

	tipCap, feeCap, err := r.quoteFees(ctx)
	if err != nil {
		return PendingTx{}, err
	}
	nonce, err := r.nonces.reserve(ctx)
	if err != nil {
		return PendingTx{}, fmt.Errorf("eth: pending nonce: %w", err)
	}

	p := PendingTx{From: from, Nonce: nonce, req: req, gas: gas, tipCap: tipCap, feeCap: feeCap}
	if err := r.broadcast(ctx, &p); err != nil {
		return PendingTx{}, err
	}
	return p, nil
}

// WaitMined polls for the receipt of p, or of any replacement broadcast while
// waiting, until one is found or ctx is done.
func (r *Relayer) WaitMined(ctx context.Context, p PendingTx) (SendResult, error) {
	if p.TxHash == (common.Hash{}) || p.From != r.signer.Address() {
		return SendResult{}, ErrInvalidPendingTx
	}

	sent := []common.Hash{p.TxHash}
	for {
		for _, h := range sent {
			receipt, err := r.backend.TransactionReceipt(ctx, h)
			if err == nil {
				return SendResult{From: p.From, Nonce: p.Nonce, TxHash: h, Receipt: receipt, Replacements: len(sent) - 1}, nil
			}
			if !errors.Is(err, ethereum.NotFound) {
				return SendResult{}, err
			}
		}

		if r.shouldReplace(len(sent)-1, p.sentAt) {
			tipCap, feeCap, err := Bump1559Fees(p.tipCap, p.feeCap, r.cfg.ReplacementBumpPercent, r.cfg.MinReplacementTipBump, r.cfg.MinReplacementFeeBump)
			if err != nil {
				return SendResult{}, err
			}
			p.tipCap, p.feeCap = tipCap, feeCap
			if err := r.broadcast(ctx, &p); err != nil {
				return SendResult{}, err
			}
			sent = append(sent, p.TxHash)
			continue
		}

		if err := r.cfg.Sleep(ctx, r.cfg.ReceiptPollInterval); err != nil {
			return SendResult{}, err
		}
	}
}

func (r *Relayer) shouldReplace(done int, lastSentAt time.Time) bool {
	return done < r.cfg.MaxReplacements && r.cfg.Now().Sub(lastSentAt) >= r.cfg.ReplaceAfter
}

func (r *Relayer) quoteFees(ctx context.Context) (tipCap, feeCap *big.Int, err error) {
	tip, err := r.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("eth: suggest tip: %w", err)
	}
	head, err := r.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("eth: latest header: %w", err)
	}
	if head.BaseFee == nil || head.BaseFee.Sign() < 0 {
		return nil, nil, errors.New("eth: latest header has no base fee")
	}
	return Calc1559Fees(head.BaseFee, tip, r.cfg.MinTipCap)
}

// broadcast signs p at its current fees, sends it, and records the hash and
// send time on p.
func (r *Relayer) broadcast(ctx context.Context, p *PendingTx) error {
	to := p.req.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   r.cfg.ChainID,
		Nonce:     p.Nonce,
		GasTipCap: p.tipCap,
		GasFeeCap: p.feeCap,
		Gas:       p.gas,
		To:        &to,
		Value:     p.req.Value,
		Data:      p.req.Data,
	})
	signed, err := r.signer.SignTx(tx, r.cfg.ChainID)
	if err != nil {
		return err
	}
	if err := r.backend.SendTransaction(ctx, signed); err != nil {
		return err
	}
	p.TxHash = signed.Hash()
	p.sentAt = r.cfg.Now()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func applyGasMultiplier(est uint64, mult float64) uint64 {
	if mult <= 1 {
		return est
	}
	out := uint64(math.Ceil(float64(est) * mult))
	if out < est {
		return est
	}
	return out
}
