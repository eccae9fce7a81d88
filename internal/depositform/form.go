// Package depositform holds the deposit form: chain and token selection, the
// amount input, and the submit/confirm status machine.
package depositform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/juno-intents/solver-vault/internal/units"
	"github.com/juno-intents/solver-vault/internal/vault"
	"github.com/juno-intents/solver-vault/internal/vaultconfig"
	"github.com/juno-intents/solver-vault/internal/wallet"
)

// Status is the deposit form's submit state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// User-facing messages.
const (
	MsgConnectWallet = "Please connect your wallet"
	MsgInvalidAmount = "Please enter a valid amount"
	MsgERC20         = "ERC20 token deposits not implemented yet"
	MsgTxFailed      = "Transaction failed. Please try again."
)

func MsgSwitchChain(name string) string { return "Please switch to " + name }

const DefaultConfirmTimeout = 10 * time.Minute

var (
	ErrInvalidConfig = errors.New("depositform: invalid config")
	ErrUnknownChain  = errors.New("depositform: unknown chain")
	ErrUnknownToken  = errors.New("depositform: unknown token")
)

type Wallet interface {
	State() wallet.State
	SwitchChain(ctx context.Context, chainID uint64) error
}

type Depositor interface {
	DepositNative(ctx context.Context, assets *big.Int, receiver common.Address) (vault.Pending, error)
	WaitConfirmed(ctx context.Context, p vault.Pending) (*types.Receipt, error)
}

// Deposit describes one broadcast deposit.
type Deposit struct {
	TxHash      common.Hash
	ChainID     uint64
	Account     common.Address
	Token       vaultconfig.Token
	Amount      string
	Assets      *big.Int
	SubmittedAt time.Time
}

// Tracker observes deposits. Implementations must not block for long.
type Tracker interface {
	DepositSubmitted(ctx context.Context, d Deposit)
	DepositConfirmed(ctx context.Context, d Deposit, receipt *types.Receipt)
	DepositFailed(ctx context.Context, d Deposit, err error)
}

// State is a snapshot of the form: the selections, the amount input and the
// last submit outcome.
type State struct {
	ChainID uint64
	Token   common.Address
	Amount  string
	Status  Status
	Error   string
	TxHash  common.Hash
}

// Config wires the form to the wallet session and the vault contract.
type Config struct {
	Wallet Wallet
	Vault  Depositor

	// Tracker is optional.
	Tracker Tracker

	ConfirmTimeout time.Duration
	Now            func() time.Time
	Log            *slog.Logger
}

type Form struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	st     State
	closed bool
}

func New(cfg Config) (*Form, error) {
	if cfg.Wallet == nil || cfg.Vault == nil {
		return nil, fmt.Errorf("%w: nil wallet or vault", ErrInvalidConfig)
	}
	if cfg.ConfirmTimeout < 0 {
		return nil, fmt.Errorf("%w: negative confirm timeout", ErrInvalidConfig)
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Form{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		st: State{
			ChainID: vaultconfig.DefaultChainID,
			Token:   vaultconfig.DefaultToken().Address,
			Status:  StatusIdle,
		},
	}, nil
}

func (f *Form) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st
}

// SetAmount stores v when it is a well-formed partial decimal and reports
// whether it was accepted.
func (f *Form) SetAmount(v string) bool {
	if !units.IsAmountInput(v) {
		return false
	}
	f.mu.Lock()
	f.st.Amount = v
	f.mu.Unlock()
	return true
}

// SelectChain records the deposit chain and asks the wallet to follow. A
// failed switch is logged and otherwise ignored.
func (f *Form) SelectChain(ctx context.Context, chainID uint64) error {
	if _, ok := vaultconfig.ChainByID(chainID); !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	f.mu.Lock()
	f.st.ChainID = chainID
	f.mu.Unlock()

	if err := f.cfg.Wallet.SwitchChain(ctx, chainID); err != nil {
		f.cfg.Log.Warn("wallet chain switch failed", "chainID", chainID, "err", err)
	}
	return nil
}

func (f *Form) SelectToken(addr common.Address) error {
	if _, ok := vaultconfig.TokenByAddress(addr); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, addr)
	}
	f.mu.Lock()
	f.st.Token = addr
	f.mu.Unlock()
	return nil
}

// Submit validates the form and, for the native token, broadcasts the deposit.
// It returns once the transaction is broadcast; confirmation is tracked in the
// background. Submitting while a deposit is loading is a no-op.
func (f *Form) Submit(ctx context.Context) State {
	ws := f.cfg.Wallet.State()

	f.mu.Lock()
	if f.st.Status == StatusLoading || f.closed {
		st := f.st
		f.mu.Unlock()
		return st
	}

	if !ws.Connected {
		return f.failLocked(MsgConnectWallet)
	}
	chain, _ := vaultconfig.ChainByID(f.st.ChainID)
	if ws.ChainID != chain.ID {
		return f.failLocked(MsgSwitchChain(chain.Name))
	}
	if !units.IsPositive(f.st.Amount) {
		return f.failLocked(MsgInvalidAmount)
	}
	token, _ := vaultconfig.TokenByAddress(f.st.Token)
	if !token.IsNative {
		return f.failLocked(MsgERC20)
	}
	assets, err := units.ParseUnits(f.st.Amount, token.Decimals)
	if err != nil {
		return f.failLocked(MsgInvalidAmount)
	}

	d := Deposit{
		ChainID: chain.ID,
		Account: ws.Address,
		Token:   token,
		Amount:  f.st.Amount,
		Assets:  assets,
	}
	f.st.Status, f.st.Error, f.st.TxHash = StatusLoading, "", common.Hash{}
	f.mu.Unlock()

	p, err := f.cfg.Vault.DepositNative(ctx, assets, ws.Address)
	if err != nil {
		f.cfg.Log.Error("deposit submission failed", "chainID", d.ChainID, "account", d.Account, "amount", d.Amount, "err", err)
		f.mu.Lock()
		return f.failLocked(MsgTxFailed)
	}
	d.TxHash = p.TxHash
	d.SubmittedAt = f.cfg.Now()
	f.cfg.Log.Info("deposit submitted", "txHash", p.TxHash, "chainID", d.ChainID, "account", d.Account, "amount", d.Amount)

	f.mu.Lock()
	f.st.TxHash = p.TxHash
	st := f.st
	if f.closed {
		f.mu.Unlock()
		p.Release()
		return st
	}
	f.wg.Add(1)
	f.mu.Unlock()

	if f.cfg.Tracker != nil {
		f.cfg.Tracker.DepositSubmitted(context.WithoutCancel(ctx), d)
	}
	go f.awaitConfirmation(p, d)
	return st
}

func (f *Form) awaitConfirmation(p vault.Pending, d Deposit) {
	defer f.wg.Done()

	ctx, cancel := context.WithTimeout(f.ctx, f.cfg.ConfirmTimeout)
	defer cancel()

	receipt, err := f.cfg.Vault.WaitConfirmed(ctx, p)
	if err != nil && f.ctx.Err() != nil {
		f.cfg.Log.Info("stopped waiting for deposit", "txHash", d.TxHash)
		return
	}

	// Tracker hooks run unbounded by the form lifetime.
	hookCtx := context.WithoutCancel(ctx)
	if err != nil {
		f.cfg.Log.Error("deposit failed", "txHash", d.TxHash, "err", err)
		f.mu.Lock()
		if f.st.TxHash == d.TxHash {
			f.st.Status, f.st.Error = StatusError, MsgTxFailed
		}
		f.mu.Unlock()
		if f.cfg.Tracker != nil {
			f.cfg.Tracker.DepositFailed(hookCtx, d, err)
		}
		return
	}

	f.cfg.Log.Info("deposit confirmed", "txHash", d.TxHash, "minedTxHash", receipt.TxHash, "block", receipt.BlockNumber)
	f.mu.Lock()
	if f.st.TxHash == d.TxHash {
		f.st.Status, f.st.Error, f.st.Amount = StatusSuccess, "", ""
	}
	f.mu.Unlock()
	if f.cfg.Tracker != nil {
		f.cfg.Tracker.DepositConfirmed(hookCtx, d, receipt)
	}
}

// failLocked must be called with f.mu held; it releases it.
func (f *Form) failLocked(msg string) State {
	f.st.Status, f.st.Error = StatusError, msg
	st := f.st
	f.mu.Unlock()
	return st
}

// Close stops any pending confirmation wait and waits for it to exit.
func (f *Form) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.cancel()
	f.wg.Wait()
}
