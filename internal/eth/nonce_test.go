package eth

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

type scriptedNoncer struct {
	nonces []uint64
	err    error
	calls  int
}

func (s *scriptedNoncer) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	if s.err != nil {
		return 0, s.err
	}
	n := s.nonces[s.calls]
	if s.calls < len(s.nonces)-1 {
		s.calls++
	}
	return n, nil
}

func TestNonceCursor_NeverReusesLocallyReservedNonce(t *testing.T) {
	t.Parallel()

	// The node lags behind our own broadcasts: it reports 5 twice.
	c := &nonceCursor{backend: &scriptedNoncer{nonces: []uint64{5, 5, 9}}}

	want := []uint64{5, 6, 9}
	for i, w := range want {
		got, err := c.reserve(context.Background())
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if got != w {
			t.Fatalf("reserve %d: got %d want %d", i, got, w)
		}
	}
}

func TestNonceCursor_PropagatesBackendError(t *testing.T) {
	t.Parallel()

	boom := errors.New("rpc down")
	c := &nonceCursor{backend: &scriptedNoncer{err: boom}}
	if _, err := c.reserve(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected backend error, got %v", err)
	}
}
