// Package balance renders the connected account's vault share balance and
// the vault's total assets.
package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/solver-vault/internal/units"
	"github.com/juno-intents/solver-vault/internal/wallet"
	"github.com/patrickmn/go-cache"
)

const (
	// Decimals of both the share token and the underlying asset.
	Decimals = 18
	// Places shown for both values.
	Places = 4

	DefaultStaleTime = 4 * time.Second
)

var ErrInvalidConfig = errors.New("balance: invalid config")

var zero = units.FormatFixed(nil, Decimals, Places)

type WalletState interface {
	State() wallet.State
}

type VaultReader interface {
	Address() common.Address
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	TotalAssets(ctx context.Context) (*big.Int, error)
}

type Snapshot struct {
	Connected bool

	// UserBalance is the account's share balance (mETH).
	UserBalance string
	// TotalAssets is the vault's underlying asset total (ETH).
	TotalAssets string
}

type Config struct {
	// StaleTime is how long a successful read is reused. 0 uses DefaultStaleTime.
	StaleTime time.Duration
	Log       *slog.Logger
}

type Display struct {
	wallet WalletState
	vault  VaultReader
	log    *slog.Logger
	cache  *cache.Cache

	mu          sync.Mutex
	userBalance string
	totalAssets string
}

func New(w WalletState, v VaultReader, cfg Config) (*Display, error) {
	if w == nil || v == nil {
		return nil, fmt.Errorf("%w: nil wallet or vault", ErrInvalidConfig)
	}
	if cfg.StaleTime < 0 {
		return nil, fmt.Errorf("%w: negative stale time", ErrInvalidConfig)
	}
	if cfg.StaleTime == 0 {
		cfg.StaleTime = DefaultStaleTime
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Display{
		wallet:      w,
		vault:       v,
		log:         cfg.Log,
		cache:       cache.New(cfg.StaleTime, time.Minute),
		userBalance: zero,
		totalAssets: zero,
	}, nil
}

// Refresh reads both values. While disconnected nothing is queried and both
// values render as zero. A failed read keeps that field's previous value.
func (d *Display) Refresh(ctx context.Context) Snapshot {
	st := d.wallet.State()

	d.mu.Lock()
	defer d.mu.Unlock()

	if !st.Connected {
		d.userBalance, d.totalAssets = zero, zero
		return Snapshot{UserBalance: zero, TotalAssets: zero}
	}

	vaultAddr := d.vault.Address()
	if raw, err := d.read(ctx, queryKey(st.ChainID, vaultAddr, "balanceOf", st.Address), func(ctx context.Context) (*big.Int, error) {
		return d.vault.BalanceOf(ctx, st.Address)
	}); err != nil {
		d.log.Debug("balanceOf read failed", "account", st.Address, "chainID", st.ChainID, "err", err)
	} else {
		d.userBalance = units.FormatFixed(raw, Decimals, Places)
	}

	if raw, err := d.read(ctx, queryKey(st.ChainID, vaultAddr, "totalAssets", common.Address{}), d.vault.TotalAssets); err != nil {
		d.log.Debug("totalAssets read failed", "chainID", st.ChainID, "err", err)
	} else {
		d.totalAssets = units.FormatFixed(raw, Decimals, Places)
	}

	return Snapshot{Connected: true, UserBalance: d.userBalance, TotalAssets: d.totalAssets}
}

func (d *Display) read(ctx context.Context, key string, fetch func(context.Context) (*big.Int, error)) (*big.Int, error) {
	if x, ok := d.cache.Get(key); ok {
		if v, ok := x.(*big.Int); ok {
			return v, nil
		}
		d.cache.Delete(key)
	}
	v, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("balance: empty result for %s", key)
	}
	d.cache.SetDefault(key, v)
	return v, nil
}

func queryKey(chainID uint64, vaultAddr common.Address, fn string, account common.Address) string {
	return fmt.Sprintf("%d/%s/%s/%s", chainID, vaultAddr.Hex(), fn, account.Hex())
}
