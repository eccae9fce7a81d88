package balance

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/solver-vault/internal/wallet"
)

type stubWallet struct {
	mu sync.Mutex
	st wallet.State
}

func (w *stubWallet) State() wallet.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.st
}

func (w *stubWallet) set(st wallet.State) {
	w.mu.Lock()
	w.st = st
	w.mu.Unlock()
}

type fakeVault struct {
	mu         sync.Mutex
	balance    *big.Int
	total      *big.Int
	balanceErr error
	totalErr   error
	calls      int
}

func (v *fakeVault) Address() common.Address {
	return common.HexToAddress("0x1F2EE6aB0188961465779909a2f51F286dA3cDf7")
}

func (v *fakeVault) BalanceOf(context.Context, common.Address) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	return v.balance, v.balanceErr
}

func (v *fakeVault) TotalAssets(context.Context) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	return v.total, v.totalErr
}

func eth(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic(s)
	}
	return v
}

var connected = wallet.State{Connected: true, Address: common.HexToAddress("0x00000000000000000000000000000000000000aa"), ChainID: 84532}

func newTestDisplay(t *testing.T, w WalletState, v VaultReader, stale time.Duration) *Display {
	t.Helper()
	d, err := New(w, v, Config{StaleTime: stale})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestRefresh_DisconnectedIssuesNoQueries(t *testing.T) {
	t.Parallel()

	v := &fakeVault{balance: big.NewInt(1), total: big.NewInt(1)}
	d := newTestDisplay(t, &stubWallet{}, v, time.Minute)

	snap := d.Refresh(context.Background())
	if snap.Connected || snap.UserBalance != "0.0000" || snap.TotalAssets != "0.0000" {
		t.Fatalf("snapshot: %+v", snap)
	}
	if v.calls != 0 {
		t.Fatalf("calls: got %d want 0", v.calls)
	}
}

func TestRefresh_FormatsFourPlaces(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  *big.Int
		want string
	}{
		{eth("1500000000000000000"), "1.5000"},
		{eth("0"), "0.0000"},
		{eth("123456789000000000"), "0.1235"},
		{eth("2000000000000000000000"), "2000.0000"},
	}
	for _, tc := range cases {
		v := &fakeVault{balance: tc.raw, total: tc.raw}
		d := newTestDisplay(t, &stubWallet{st: connected}, v, time.Minute)
		snap := d.Refresh(context.Background())
		if snap.UserBalance != tc.want || snap.TotalAssets != tc.want {
			t.Fatalf("raw %s: got %q/%q want %q", tc.raw, snap.UserBalance, snap.TotalAssets, tc.want)
		}
	}
}

func TestRefresh_FailedReadKeepsLastValue(t *testing.T) {
	t.Parallel()

	v := &fakeVault{balance: eth("1000000000000000000"), total: eth("5000000000000000000")}
	// Stale time of 1ns makes every refresh re-query.
	d := newTestDisplay(t, &stubWallet{st: connected}, v, time.Nanosecond)

	if snap := d.Refresh(context.Background()); snap.UserBalance != "1.0000" || snap.TotalAssets != "5.0000" {
		t.Fatalf("first refresh: %+v", snap)
	}

	v.mu.Lock()
	v.balanceErr = errors.New("rpc down")
	v.total = eth("6000000000000000000")
	v.mu.Unlock()
	time.Sleep(time.Millisecond)

	snap := d.Refresh(context.Background())
	if snap.UserBalance != "1.0000" {
		t.Fatalf("balance after failure: got %q want 1.0000", snap.UserBalance)
	}
	if snap.TotalAssets != "6.0000" {
		t.Fatalf("total after independent success: got %q want 6.0000", snap.TotalAssets)
	}
}

func TestRefresh_UsesQueryCache(t *testing.T) {
	t.Parallel()

	v := &fakeVault{balance: big.NewInt(1), total: big.NewInt(2)}
	d := newTestDisplay(t, &stubWallet{st: connected}, v, time.Hour)

	d.Refresh(context.Background())
	d.Refresh(context.Background())
	if v.calls != 2 {
		t.Fatalf("calls: got %d want 2", v.calls)
	}
}

func TestRefresh_DisconnectResetsToZero(t *testing.T) {
	t.Parallel()

	w := &stubWallet{st: connected}
	v := &fakeVault{balance: eth("1000000000000000000"), total: eth("1000000000000000000")}
	d := newTestDisplay(t, w, v, time.Hour)

	d.Refresh(context.Background())
	w.set(wallet.State{})
	snap := d.Refresh(context.Background())
	if snap.UserBalance != "0.0000" || snap.TotalAssets != "0.0000" {
		t.Fatalf("after disconnect: %+v", snap)
	}
}
