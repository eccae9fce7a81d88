// Package vault talks to the Solver Vault contract through the wallet session:
// payable native deposits and the balance reads behind the dashboard.
package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/juno-intents/solver-vault/internal/eth"
	"github.com/juno-intents/solver-vault/internal/vaultabi"
	"github.com/juno-intents/solver-vault/internal/wallet"
)

var (
	ErrInvalidConfig = errors.New("vault: invalid config")
	ErrReverted      = errors.New("vault: transaction reverted")
)

// Connector yields the live wallet connection. Acquire pins the connection
// until the returned Conn is released.
type Connector interface {
	Conn() (wallet.Conn, error)
	Acquire() (wallet.Conn, error)
}

const (
	DefaultReplaceAfter           = 90 * time.Second
	DefaultReplacementBumpPercent = 15
)

// DefaultMinReplacementBump is 1 gwei.
var DefaultMinReplacementBump = big.NewInt(1_000_000_000)

type Config struct {
	Address common.Address

	// ReceiptPollInterval overrides the relayer default when > 0.
	ReceiptPollInterval time.Duration

	// A deposit still unmined after ReplaceAfter is re-broadcast under the
	// same nonce with fees raised by ReplacementBumpPercent, at most
	// MaxReplacements times. 0 disables replacement.
	MaxReplacements        int
	ReplaceAfter           time.Duration
	ReplacementBumpPercent int
	MinReplacementTipBump  *big.Int
	MinReplacementFeeBump  *big.Int
}

type Client struct {
	wallet Connector
	cfg    Config

	mu      sync.Mutex
	relayer *eth.Relayer
	key     relayerKey
}

// relayerKey identifies the connection a cached relayer was built for.
type relayerKey struct {
	chainID uint64
	from    common.Address
	backend eth.Backend
}

// Pending is a broadcast deposit awaiting inclusion. It holds the wallet
// connection it was sent through until WaitConfirmed returns or Release is
// called.
type Pending struct {
	ChainID uint64
	TxHash  common.Hash
	From    common.Address

	relayer *eth.Relayer
	tx      eth.PendingTx
	conn    wallet.Conn
}

// Release lets go of the connection held by p without waiting.
func (p Pending) Release() { p.conn.Release() }

func New(w Connector, cfg Config) (*Client, error) {
	if w == nil {
		return nil, fmt.Errorf("%w: nil wallet", ErrInvalidConfig)
	}
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing vault address", ErrInvalidConfig)
	}
	if cfg.ReceiptPollInterval < 0 {
		return nil, fmt.Errorf("%w: negative receipt poll interval", ErrInvalidConfig)
	}
	switch {
	case cfg.MaxReplacements < 0:
		return nil, fmt.Errorf("%w: negative max replacements", ErrInvalidConfig)
	case cfg.ReplaceAfter < 0 || cfg.ReplacementBumpPercent < 0:
		return nil, fmt.Errorf("%w: negative replacement policy", ErrInvalidConfig)
	case (cfg.MinReplacementTipBump != nil && cfg.MinReplacementTipBump.Sign() < 0) ||
		(cfg.MinReplacementFeeBump != nil && cfg.MinReplacementFeeBump.Sign() < 0):
		return nil, fmt.Errorf("%w: negative replacement bump", ErrInvalidConfig)
	}
	if cfg.MaxReplacements > 0 {
		if cfg.ReplaceAfter == 0 {
			cfg.ReplaceAfter = DefaultReplaceAfter
		}
		if cfg.ReplacementBumpPercent == 0 {
			cfg.ReplacementBumpPercent = DefaultReplacementBumpPercent
		}
		if cfg.MinReplacementTipBump == nil {
			cfg.MinReplacementTipBump = DefaultMinReplacementBump
		}
		if cfg.MinReplacementFeeBump == nil {
			cfg.MinReplacementFeeBump = DefaultMinReplacementBump
		}
	}
	return &Client{wallet: w, cfg: cfg}, nil
}

func (c *Client) Address() common.Address { return c.cfg.Address }

// DepositNative sends depositNative(assets, receiver) with assets attached as
// value and returns once the transaction is broadcast.
func (c *Client) DepositNative(ctx context.Context, assets *big.Int, receiver common.Address) (Pending, error) {
	data, err := vaultabi.PackDepositNative(assets, receiver)
	if err != nil {
		return Pending{}, err
	}
	conn, err := c.wallet.Acquire()
	if err != nil {
		return Pending{}, err
	}
	r, err := c.relayerFor(conn)
	if err != nil {
		conn.Release()
		return Pending{}, err
	}

	tx, err := r.Send(ctx, eth.TxRequest{
		To:    c.cfg.Address,
		Data:  data,
		Value: new(big.Int).Set(assets),
	})
	if err != nil {
		conn.Release()
		return Pending{}, fmt.Errorf("vault: send depositNative: %w", err)
	}
	return Pending{
		ChainID: conn.ChainID,
		TxHash:  tx.TxHash,
		From:    tx.From,
		relayer: r,
		tx:      tx,
		conn:    conn,
	}, nil
}

// relayerFor returns the relayer for conn, building a new one when the chain,
// account or client differs from the cached one. Reusing it keeps the nonce
// cursor across deposits.
func (c *Client) relayerFor(conn wallet.Conn) (*eth.Relayer, error) {
	key := relayerKey{chainID: conn.ChainID, from: conn.Signer.Address(), backend: conn.Client}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.relayer != nil && c.key == key {
		return c.relayer, nil
	}

	rcfg := eth.DefaultRelayerConfig(new(big.Int).SetUint64(conn.ChainID))
	if c.cfg.ReceiptPollInterval > 0 {
		rcfg.ReceiptPollInterval = c.cfg.ReceiptPollInterval
	}
	rcfg.MaxReplacements = c.cfg.MaxReplacements
	rcfg.ReplaceAfter = c.cfg.ReplaceAfter
	rcfg.ReplacementBumpPercent = c.cfg.ReplacementBumpPercent
	rcfg.MinReplacementTipBump = c.cfg.MinReplacementTipBump
	rcfg.MinReplacementFeeBump = c.cfg.MinReplacementFeeBump

	r, err := eth.NewRelayer(conn.Client, conn.Signer, rcfg)
	if err != nil {
		return nil, err
	}
	c.relayer, c.key = r, key
	return r, nil
}

// WaitConfirmed blocks until p is mined. A failed receipt is ErrReverted and is
// returned alongside the receipt.
func (c *Client) WaitConfirmed(ctx context.Context, p Pending) (*types.Receipt, error) {
	defer p.Release()
	if p.relayer == nil {
		return nil, eth.ErrInvalidPendingTx
	}
	res, err := p.relayer.WaitMined(ctx, p.tx)
	if err != nil {
		return nil, fmt.Errorf("vault: wait %s: %w", p.TxHash, err)
	}
	if res.Receipt == nil || res.Receipt.Status != types.ReceiptStatusSuccessful {
		return res.Receipt, fmt.Errorf("%w: %s", ErrReverted, res.TxHash)
	}
	return res.Receipt, nil
}

func (c *Client) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	data, err := vaultabi.PackBalanceOf(account)
	if err != nil {
		return nil, err
	}
	return c.callUint256(ctx, vaultabi.MethodBalanceOf, data)
}

func (c *Client) TotalAssets(ctx context.Context) (*big.Int, error) {
	data, err := vaultabi.PackTotalAssets()
	if err != nil {
		return nil, err
	}
	return c.callUint256(ctx, vaultabi.MethodTotalAssets, data)
}

func (c *Client) callUint256(ctx context.Context, method string, data []byte) (*big.Int, error) {
	conn, err := c.wallet.Conn()
	if err != nil {
		return nil, err
	}
	to := c.cfg.Address
	out, err := conn.Client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: call %s: %w", method, err)
	}
	return vaultabi.UnpackUint256(method, out)
}
