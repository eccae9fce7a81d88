// Package wallet keeps the dashboard's wallet session: which account is
// connected, which network it is on, and the RPC client for that network.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/juno-intents/solver-vault/internal/eth"
	"github.com/juno-intents/solver-vault/internal/secrets"
	"github.com/juno-intents/solver-vault/internal/vaultconfig"
)

var (
	ErrInvalidConfig    = errors.New("wallet: invalid config")
	ErrNotConnected     = errors.New("wallet: not connected")
	ErrUnsupportedChain = errors.New("wallet: unsupported chain")
	ErrChainMismatch    = errors.New("wallet: rpc chain id mismatch")
	ErrSessionChanged   = errors.New("wallet: session changed during switch")
)

// Client is the subset of ethclient.Client the session hands out.
type Client interface {
	eth.Backend
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

type Dialer func(ctx context.Context, rpcURL string) (Client, error)

func DialEthclient(ctx context.Context, rpcURL string) (Client, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type URLResolver interface {
	RPCURL(chainID uint64) (string, error)
}

type Config struct {
	Resolver URLResolver
	Dial     Dialer

	// Secrets and KeyName locate the hex private key of the account.
	Secrets secrets.Provider
	KeyName string

	// InitialChainID defaults to the first wallet network.
	InitialChainID uint64

	Log *slog.Logger
}

type State struct {
	Connected bool
	Address   common.Address
	ChainID   uint64
}

// Conn is a live connection to the current network.
type Conn struct {
	Client  Client
	Signer  eth.Signer
	ChainID uint64

	release func()
}

// Release unpins a Conn returned by Acquire. It is safe to call more than once
// and on a Conn returned by Conn.
func (c Conn) Release() {
	if c.release != nil {
		c.release()
	}
}

// lease tracks holders of a client. A retired client is closed once the last
// holder releases it.
type lease struct {
	client  Client
	refs    int
	retired bool
}

type Session struct {
	cfg Config

	mu      sync.Mutex
	chainID uint64
	client  *lease
	signer  *eth.LocalSigner
	gen     uint64
}

func NewSession(cfg Config) (*Session, error) {
	if cfg.Resolver == nil || cfg.Secrets == nil {
		return nil, fmt.Errorf("%w: missing resolver or secrets provider", ErrInvalidConfig)
	}
	if cfg.KeyName == "" {
		return nil, fmt.Errorf("%w: missing key name", ErrInvalidConfig)
	}
	if cfg.Dial == nil {
		cfg.Dial = DialEthclient
	}
	if cfg.InitialChainID == 0 {
		cfg.InitialChainID = vaultconfig.WalletNetworks()[0].ID
	}
	if _, ok := vaultconfig.NetworkByID(cfg.InitialChainID); !ok {
		return nil, fmt.Errorf("%w: initial chain %d", ErrUnsupportedChain, cfg.InitialChainID)
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Session{cfg: cfg, chainID: cfg.InitialChainID}, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{ChainID: s.chainID}
	if s.signer != nil {
		st.Connected = true
		st.Address = s.signer.Address()
	}
	return st
}

// Conn returns the live connection or ErrNotConnected.
func (s *Session) Conn() (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.signer == nil || s.client == nil {
		return Conn{}, ErrNotConnected
	}
	return Conn{Client: s.client.client, Signer: s.signer, ChainID: s.chainID}, nil
}

// Acquire is Conn but keeps the client open across Disconnect and SwitchChain
// until the returned Conn is released.
func (s *Session) Acquire() (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.signer == nil || s.client == nil {
		return Conn{}, ErrNotConnected
	}
	l := s.client
	l.refs++
	var once sync.Once
	return Conn{
		Client:  l.client,
		Signer:  s.signer,
		ChainID: s.chainID,
		release: func() { once.Do(func() { s.unpin(l) }) },
	}, nil
}

func (s *Session) unpin(l *lease) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.retired && l.refs == 0 {
		l.client.Close()
	}
}

// retire must be called with s.mu held.
func (s *Session) retire(l *lease) {
	if l == nil || l.retired {
		return
	}
	l.retired = true
	if l.refs == 0 {
		l.client.Close()
	}
}

// Connect loads the account key and dials the current network. Connecting an
// already connected session is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.signer != nil {
		s.mu.Unlock()
		return nil
	}
	chainID, gen := s.chainID, s.gen
	s.mu.Unlock()

	keyHex, err := s.cfg.Secrets.Get(ctx, s.cfg.KeyName)
	if err != nil {
		return fmt.Errorf("wallet: load key: %w", err)
	}
	signer, err := eth.NewLocalSignerFromHex(keyHex)
	if err != nil {
		return fmt.Errorf("wallet: %w", err)
	}
	client, err := s.dial(ctx, chainID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		client.Close()
		return ErrSessionChanged
	}
	s.client, s.signer = &lease{client: client}, signer
	s.gen++
	s.cfg.Log.Info("wallet connected", "address", signer.Address(), "chainID", chainID)
	return nil
}

// Disconnect drops the account and closes the client once no acquired Conn
// holds it. The session stays on its current network.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.retire(s.client)
	if s.signer != nil {
		s.cfg.Log.Info("wallet disconnected", "address", s.signer.Address())
	}
	s.client, s.signer = nil, nil
	s.gen++
}

// SwitchChain moves the session to chainID. When connected the new network is
// dialed before the old client is closed; on any failure the session is left
// as it was.
func (s *Session) SwitchChain(ctx context.Context, chainID uint64) error {
	if _, ok := vaultconfig.NetworkByID(chainID); !ok {
		return fmt.Errorf("%w: %d", ErrUnsupportedChain, chainID)
	}

	s.mu.Lock()
	if s.chainID == chainID {
		s.mu.Unlock()
		return nil
	}
	if s.signer == nil {
		s.chainID = chainID
		s.gen++
		s.mu.Unlock()
		return nil
	}
	gen := s.gen
	s.mu.Unlock()

	client, err := s.dial(ctx, chainID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		client.Close()
		return ErrSessionChanged
	}
	s.retire(s.client)
	s.client, s.chainID = &lease{client: client}, chainID
	s.gen++
	s.cfg.Log.Info("wallet switched chain", "chainID", chainID)
	return nil
}

func (s *Session) dial(ctx context.Context, chainID uint64) (Client, error) {
	rpcURL, err := s.cfg.Resolver.RPCURL(chainID)
	if err != nil {
		return nil, fmt.Errorf("wallet: resolve rpc: %w", err)
	}
	client, err := s.cfg.Dial(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("wallet: dial chain %d: %w", chainID, err)
	}
	got, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("wallet: query chain id: %w", err)
	}
	if !got.IsUint64() || got.Uint64() != chainID {
		client.Close()
		return nil, fmt.Errorf("%w: got %s want %d", ErrChainMismatch, got, chainID)
	}
	return client, nil
}
