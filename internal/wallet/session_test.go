package wallet

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const testKeyHex = "4f3edf983ac636a65a842ce7c78d9aa706d3b113b37c2b1b4c1c5f5d8f5e2d3a"

type fakeClient struct {
	chainID *big.Int

	mu     sync.Mutex
	closed bool
}

func (c *fakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 0, nil }
func (c *fakeClient) SuggestGasTipCap(context.Context) (*big.Int, error)           { return big.NewInt(1), nil }
func (c *fakeClient) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(1)}, nil
}
func (c *fakeClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) { return 21000, nil }
func (c *fakeClient) SendTransaction(context.Context, *types.Transaction) error    { return nil }
func (c *fakeClient) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}
func (c *fakeClient) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}
func (c *fakeClient) ChainID(context.Context) (*big.Int, error) { return c.chainID, nil }
func (c *fakeClient) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeNet maps RPC URLs to the chain id the endpoint reports.
type fakeNet struct {
	mu      sync.Mutex
	chainOf map[string]int64
	failURL map[string]error
	dialed  []*fakeClient
}

func (n *fakeNet) dial(_ context.Context, rpcURL string) (Client, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.failURL[rpcURL]; err != nil {
		return nil, err
	}
	c := &fakeClient{chainID: big.NewInt(n.chainOf[rpcURL])}
	n.dialed = append(n.dialed, c)
	return c, nil
}

type mapResolver map[uint64]string

func (m mapResolver) RPCURL(chainID uint64) (string, error) {
	u, ok := m[chainID]
	if !ok {
		return "", errors.New("no rpc")
	}
	return u, nil
}

type stubSecrets struct {
	val string
	err error
}

func (s stubSecrets) Get(context.Context, string) (string, error) { return s.val, s.err }

func newTestSession(t *testing.T, net *fakeNet) *Session {
	t.Helper()
	s, err := NewSession(Config{
		Resolver: mapResolver{1: "rpc-1", 84532: "rpc-base", 11155420: "rpc-op"},
		Dial:     net.dial,
		Secrets:  stubSecrets{val: testKeyHex},
		KeyName:  "SOLVER_VAULT_KEY",
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func defaultNet() *fakeNet {
	return &fakeNet{chainOf: map[string]int64{"rpc-1": 1, "rpc-base": 84532, "rpc-op": 11155420}}
}

func testAddress(t *testing.T) common.Address {
	t.Helper()
	key, err := crypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}
	return crypto.PubkeyToAddress(key.PublicKey)
}

func TestSession_StartsDisconnectedOnFirstNetwork(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, defaultNet())
	st := s.State()
	if st.Connected || st.ChainID != 1 || st.Address != (common.Address{}) {
		t.Fatalf("initial state: %+v", st)
	}
	if _, err := s.Conn(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Conn: got %v want %v", err, ErrNotConnected)
	}
}

func TestSession_ConnectAndDisconnect(t *testing.T) {
	t.Parallel()

	net := defaultNet()
	s := newTestSession(t, net)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	st := s.State()
	if !st.Connected || st.Address != testAddress(t) {
		t.Fatalf("state after connect: %+v", st)
	}
	conn, err := s.Conn()
	if err != nil {
		t.Fatalf("Conn: %v", err)
	}
	if conn.ChainID != 1 || conn.Signer.Address() != st.Address {
		t.Fatalf("conn: %+v", conn)
	}

	// Idempotent.
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if len(net.dialed) != 1 {
		t.Fatalf("dials: got %d want 1", len(net.dialed))
	}

	s.Disconnect()
	if s.State().Connected {
		t.Fatalf("still connected after Disconnect")
	}
	if !net.dialed[0].isClosed() {
		t.Fatalf("client not closed on Disconnect")
	}
	if got := s.State().ChainID; got != 1 {
		t.Fatalf("chain after disconnect: got %d want 1", got)
	}
}

func TestSession_ConnectFailures(t *testing.T) {
	t.Parallel()

	t.Run("secret", func(t *testing.T) {
		t.Parallel()
		s := newTestSession(t, defaultNet())
		s.cfg.Secrets = stubSecrets{err: errors.New("boom")}
		if err := s.Connect(context.Background()); err == nil {
			t.Fatalf("expected error")
		}
		if s.State().Connected {
			t.Fatalf("connected after failure")
		}
	})
	t.Run("bad key", func(t *testing.T) {
		t.Parallel()
		s := newTestSession(t, defaultNet())
		s.cfg.Secrets = stubSecrets{val: "nothex"}
		if err := s.Connect(context.Background()); err == nil {
			t.Fatalf("expected error")
		}
	})
	t.Run("chain mismatch", func(t *testing.T) {
		t.Parallel()
		net := defaultNet()
		net.chainOf["rpc-1"] = 5
		s := newTestSession(t, net)
		if err := s.Connect(context.Background()); !errors.Is(err, ErrChainMismatch) {
			t.Fatalf("got %v want %v", err, ErrChainMismatch)
		}
		if !net.dialed[0].isClosed() {
			t.Fatalf("mismatched client not closed")
		}
	})
}

func TestSession_SwitchChain(t *testing.T) {
	t.Parallel()

	net := defaultNet()
	s := newTestSession(t, net)

	if err := s.SwitchChain(context.Background(), 84532); err != nil {
		t.Fatalf("SwitchChain disconnected: %v", err)
	}
	if len(net.dialed) != 0 {
		t.Fatalf("dialed while disconnected")
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := s.State().ChainID; got != 84532 {
		t.Fatalf("chain: got %d want 84532", got)
	}

	if err := s.SwitchChain(context.Background(), 11155420); err != nil {
		t.Fatalf("SwitchChain connected: %v", err)
	}
	conn, err := s.Conn()
	if err != nil {
		t.Fatalf("Conn: %v", err)
	}
	if conn.ChainID != 11155420 || conn.Client != net.dialed[1] {
		t.Fatalf("conn after switch: chain %d", conn.ChainID)
	}
	if !net.dialed[0].isClosed() {
		t.Fatalf("old client not closed")
	}
}

func TestSession_AcquiredClientOutlivesSwitchAndDisconnect(t *testing.T) {
	t.Parallel()

	net := defaultNet()
	s := newTestSession(t, net)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	held, err := s.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := s.SwitchChain(context.Background(), 84532); err != nil {
		t.Fatalf("SwitchChain: %v", err)
	}
	if net.dialed[0].isClosed() {
		t.Fatalf("acquired client closed by switch")
	}
	held.Release()
	held.Release()
	if !net.dialed[0].isClosed() {
		t.Fatalf("retired client not closed on release")
	}

	held, err = s.Acquire()
	if err != nil {
		t.Fatalf("Acquire after switch: %v", err)
	}
	if held.ChainID != 84532 || held.Client != net.dialed[1] {
		t.Fatalf("acquired conn: chain %d", held.ChainID)
	}
	s.Disconnect()
	if net.dialed[1].isClosed() {
		t.Fatalf("acquired client closed by disconnect")
	}
	held.Release()
	if !net.dialed[1].isClosed() {
		t.Fatalf("client not closed after disconnect and release")
	}
	if _, err := s.Acquire(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Acquire disconnected: got %v want %v", err, ErrNotConnected)
	}
}

func TestSession_SwitchChainFailureKeepsSession(t *testing.T) {
	t.Parallel()

	net := defaultNet()
	net.failURL = map[string]error{"rpc-op": errors.New("unreachable")}
	s := newTestSession(t, net)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := s.SwitchChain(context.Background(), 11155420); err == nil {
		t.Fatalf("expected dial error")
	}
	if err := s.SwitchChain(context.Background(), 10); !errors.Is(err, ErrUnsupportedChain) {
		t.Fatalf("unknown chain: got %v want %v", err, ErrUnsupportedChain)
	}
	st := s.State()
	if !st.Connected || st.ChainID != 1 {
		t.Fatalf("state after failed switch: %+v", st)
	}
	if net.dialed[0].isClosed() {
		t.Fatalf("live client closed by failed switch")
	}
}

func TestNewSession_Validation(t *testing.T) {
	t.Parallel()

	base := Config{Resolver: mapResolver{}, Secrets: stubSecrets{}, KeyName: "k"}
	if _, err := NewSession(base); err != nil {
		t.Fatalf("valid config: %v", err)
	}

	cases := []struct {
		name string
		mod  func(*Config)
	}{
		{"no resolver", func(c *Config) { c.Resolver = nil }},
		{"no secrets", func(c *Config) { c.Secrets = nil }},
		{"no key name", func(c *Config) { c.KeyName = "" }},
		{"unknown initial chain", func(c *Config) { c.InitialChainID = 10 }},
	}
	for _, tc := range cases {
		cfg := base
		tc.mod(&cfg)
		if _, err := NewSession(cfg); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}
