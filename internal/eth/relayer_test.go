package eth

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

type fakeBackend struct {
	mu sync.Mutex

	pendingNonce uint64
	nonceCalls   int

	suggestTip *big.Int
	baseFee    *big.Int
	gasEst     uint64

	sent []*types.Transaction

	receipts map[common.Hash]*types.Receipt

	sendHook func(tx *types.Transaction) error
}

func (b *fakeBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonceCalls++
	return b.pendingNonce, nil
}

func (b *fakeBackend) SuggestGasTipCap(_ context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.suggestTip), nil
}

func (b *fakeBackend) HeaderByNumber(_ context.Context, _ *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &types.Header{BaseFee: new(big.Int).Set(b.baseFee)}, nil
}

func (b *fakeBackend) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gasEst, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	if b.sendHook != nil {
		return b.sendHook(tx)
	}
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.receipts == nil {
		b.receipts = make(map[common.Hash]*types.Receipt)
	}
	if r, ok := b.receipts[h]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func newTestSigner(t *testing.T) *LocalSigner {
	t.Helper()
	s, err := NewLocalSignerFromHex(testKeyHex)
	if err != nil {
		t.Fatalf("NewLocalSignerFromHex: %v", err)
	}
	return s
}

func TestRelayer_SendReturnsHandleBeforeInclusion(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{
		pendingNonce: 4,
		suggestTip:   big.NewInt(2),
		baseFee:      big.NewInt(100),
		gasEst:       50_000,
	}
	r, err := NewRelayer(backend, newTestSigner(t), DefaultRelayerConfig(big.NewInt(84532)))
	if err != nil {
		t.Fatalf("NewRelayer: %v", err)
	}

	vault := common.HexToAddress("0x1F2EE6aB0188961465779909a2f51F286dA3cDf7")
	value := big.NewInt(1_500_000_000_000_000_000)
	p, err := r.Send(context.Background(), TxRequest{To: vault, Data: []byte{0xde, 0xad}, Value: value})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.sent) != 1 {
		t.Fatalf("sent txs: got %d want 1", len(backend.sent))
	}
	tx := backend.sent[0]
	if p.TxHash != tx.Hash() || p.Nonce != 4 {
		t.Fatalf("handle mismatch: hash=%s nonce=%d", p.TxHash, p.Nonce)
	}
	if tx.Value().Cmp(value) != 0 {
		t.Fatalf("value: got %s want %s", tx.Value(), value)
	}
	// 50k * 1.2 gas headroom.
	if tx.Gas() != 60_000 {
		t.Fatalf("gas: got %d want 60000", tx.Gas())
	}
	if *tx.To() != vault {
		t.Fatalf("to: got %s want %s", tx.To(), vault)
	}
}

func TestRelayer_WaitMinedPollsUntilReceipt(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)}
	backend := &fakeBackend{
		suggestTip: big.NewInt(1),
		baseFee:    big.NewInt(10),
		gasEst:     30_000,
		receipts:   make(map[common.Hash]*types.Receipt),
	}

	cfg := DefaultRelayerConfig(big.NewInt(84532))
	polls := 0
	cfg.Now = clock.Now
	cfg.Sleep = func(ctx context.Context, d time.Duration) error {
		polls++
		if polls == 3 {
			backend.mu.Lock()
			h := backend.sent[0].Hash()
			backend.receipts[h] = &types.Receipt{TxHash: h, Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(9)}
			backend.mu.Unlock()
		}
		return clock.Sleep(ctx, d)
	}
	r, err := NewRelayer(backend, newTestSigner(t), cfg)
	if err != nil {
		t.Fatalf("NewRelayer: %v", err)
	}

	p, err := r.Send(context.Background(), TxRequest{To: common.HexToAddress("0x01")})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	res, err := r.WaitMined(context.Background(), p)
	if err != nil {
		t.Fatalf("WaitMined: %v", err)
	}
	if res.Receipt == nil || res.Receipt.BlockNumber.Int64() != 9 {
		t.Fatalf("unexpected receipt: %+v", res.Receipt)
	}
	if polls != 3 {
		t.Fatalf("polls: got %d want 3", polls)
	}
	if res.Replacements != 0 {
		t.Fatalf("replacements: got %d want 0", res.Replacements)
	}
}

func TestRelayer_WaitMinedStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{suggestTip: big.NewInt(1), baseFee: big.NewInt(1), gasEst: 21_000}
	r, err := NewRelayer(backend, newTestSigner(t), DefaultRelayerConfig(big.NewInt(1)))
	if err != nil {
		t.Fatalf("NewRelayer: %v", err)
	}
	p, err := r.Send(context.Background(), TxRequest{To: common.HexToAddress("0x01")})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.WaitMined(ctx, p); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRelayer_WaitMinedRejectsZeroHandle(t *testing.T) {
	t.Parallel()

	r, err := NewRelayer(&fakeBackend{}, newTestSigner(t), DefaultRelayerConfig(big.NewInt(1)))
	if err != nil {
		t.Fatalf("NewRelayer: %v", err)
	}
	if _, err := r.WaitMined(context.Background(), PendingTx{}); !errors.Is(err, ErrInvalidPendingTx) {
		t.Fatalf("expected ErrInvalidPendingTx, got %v", err)
	}
}

func TestRelayer_ReplacesStuckTxByBumpingFees(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)}
	backend := &fakeBackend{
		suggestTip: big.NewInt(2),
		baseFee:    big.NewInt(100),
		gasEst:     50_000,
		receipts:   make(map[common.Hash]*types.Receipt),
	}
	// Mine the replacement only.
	backend.sendHook = func(tx *types.Transaction) error {
		if len(backend.sent) == 2 {
			backend.receipts[tx.Hash()] = &types.Receipt{TxHash: tx.Hash(), Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1)}
		}
		return nil
	}

	r, err := NewRelayer(backend, newTestSigner(t), RelayerConfig{
		ChainID:                big.NewInt(84532),
		GasLimitMultiplier:     1.2,
		MinTipCap:              big.NewInt(1),
		ReplaceAfter:           10 * time.Second,
		ReceiptPollInterval:    5 * time.Second,
		MaxReplacements:        1,
		ReplacementBumpPercent: 10,
		MinReplacementTipBump:  big.NewInt(1),
		MinReplacementFeeBump:  big.NewInt(1),
		Now:                    clock.Now,
		Sleep:                  clock.Sleep,
	})
	if err != nil {
		t.Fatalf("NewRelayer: %v", err)
	}

	p, err := r.Send(context.Background(), TxRequest{To: common.HexToAddress("0x01"), Value: big.NewInt(0)})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	res, err := r.WaitMined(context.Background(), p)
	if err != nil {
		t.Fatalf("WaitMined: %v", err)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.sent) != 2 {
		t.Fatalf("sent txs: got %d want 2", len(backend.sent))
	}
	tx0, tx1 := backend.sent[0], backend.sent[1]
	if tx0.Nonce() != tx1.Nonce() {
		t.Fatalf("nonce mismatch: %d %d", tx0.Nonce(), tx1.Nonce())
	}
	if tx1.GasTipCap().Cmp(tx0.GasTipCap()) <= 0 || tx1.GasFeeCap().Cmp(tx0.GasFeeCap()) <= 0 {
		t.Fatalf("fees not bumped: tip %s->%s fee %s->%s", tx0.GasTipCap(), tx1.GasTipCap(), tx0.GasFeeCap(), tx1.GasFeeCap())
	}
	if res.TxHash != tx1.Hash() || res.Replacements != 1 {
		t.Fatalf("result: hash=%s replacements=%d", res.TxHash, res.Replacements)
	}
}

func TestNewRelayer_Validation(t *testing.T) {
	t.Parallel()

	s := newTestSigner(t)
	if _, err := NewRelayer(nil, s, DefaultRelayerConfig(big.NewInt(1))); !errors.Is(err, ErrInvalidRelayerConfig) {
		t.Fatalf("nil backend: got %v", err)
	}
	if _, err := NewRelayer(&fakeBackend{}, s, DefaultRelayerConfig(nil)); !errors.Is(err, ErrInvalidRelayerConfig) {
		t.Fatalf("nil chain id: got %v", err)
	}
	if _, err := NewRelayer(&fakeBackend{}, nil, DefaultRelayerConfig(big.NewInt(1))); !errors.Is(err, ErrInvalidRelayerConfig) {
		t.Fatalf("nil signer: got %v", err)
	}
	cfg := DefaultRelayerConfig(big.NewInt(1))
	cfg.MaxReplacements = 1
	if _, err := NewRelayer(&fakeBackend{}, s, cfg); !errors.Is(err, ErrInvalidRelayerConfig) {
		t.Fatalf("replacements without bump policy: got %v", err)
	}
}

func TestRelayer_WaitMinedRejectsForeignHandle(t *testing.T) {
	t.Parallel()

	r, err := NewRelayer(&fakeBackend{}, newTestSigner(t), DefaultRelayerConfig(big.NewInt(1)))
	if err != nil {
		t.Fatalf("NewRelayer: %v", err)
	}
	p := PendingTx{From: common.HexToAddress("0x02"), TxHash: common.HexToHash("0x03")}
	if _, err := r.WaitMined(context.Background(), p); !errors.Is(err, ErrInvalidPendingTx) {
		t.Fatalf("expected ErrInvalidPendingTx, got %v", err)
	}
}
