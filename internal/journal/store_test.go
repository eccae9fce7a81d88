package journal

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func testRecord(b byte) Record {
	return Record{
		TxHash:  common.BytesToHash([]byte{b}),
		ChainID: 84532,
		Account: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Symbol:  "ETH",
		Amount:  "1.5",
		Assets:  big.NewInt(1_500_000_000_000_000_000),
	}
}

func TestMemoryStore_Insert_DedupesAndRejectsMismatch(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	r := testRecord(1)

	got, created, err := s.Insert(context.Background(), r)
	if err != nil {
		t.Fatalf("Insert #1: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true")
	}
	if got.State != StateSubmitted || got.SubmittedAt.IsZero() {
		t.Fatalf("inserted: %+v", got)
	}

	_, created, err = s.Insert(context.Background(), r)
	if err != nil {
		t.Fatalf("Insert #2: %v", err)
	}
	if created {
		t.Fatalf("expected created=false")
	}

	r2 := r
	r2.Assets = big.NewInt(2)
	if _, _, err := s.Insert(context.Background(), r2); !errors.Is(err, ErrDepositMismatch) {
		t.Fatalf("mismatch: got %v want %v", err, ErrDepositMismatch)
	}
}

func TestMemoryStore_Insert_Validates(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	for name, mod := range map[string]func(*Record){
		"tx hash": func(r *Record) { r.TxHash = common.Hash{} },
		"chain":   func(r *Record) { r.ChainID = 0 },
		"account": func(r *Record) { r.Account = common.Address{} },
		"assets":  func(r *Record) { r.Assets = big.NewInt(0) },
	} {
		r := testRecord(1)
		mod(&r)
		if _, _, err := s.Insert(context.Background(), r); !errors.Is(err, ErrInvalidRecord) {
			t.Fatalf("%s: got %v want %v", name, err, ErrInvalidRecord)
		}
	}
}

func TestMemoryStore_StateMachine(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	r := testRecord(1)
	if _, _, err := s.Insert(ctx, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := s.MarkConfirmed(ctx, r.TxHash, 42); err != nil {
		t.Fatalf("MarkConfirmed: %v", err)
	}
	if err := s.MarkConfirmed(ctx, r.TxHash, 42); err != nil {
		t.Fatalf("MarkConfirmed repeat: %v", err)
	}
	if err := s.MarkFailed(ctx, r.TxHash, "late"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("confirmed -> failed: got %v want %v", err, ErrInvalidTransition)
	}
	got, err := s.Get(ctx, r.TxHash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != StateConfirmed || got.BlockNumber != 42 || got.FailReason != "" {
		t.Fatalf("record: %+v", got)
	}

	r2 := testRecord(2)
	if _, _, err := s.Insert(ctx, r2); err != nil {
		t.Fatalf("Insert r2: %v", err)
	}
	if err := s.MarkFailed(ctx, r2.TxHash, "reverted"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	got, _ = s.Get(ctx, r2.TxHash)
	if got.State != StateFailed || got.FailReason != "reverted" {
		t.Fatalf("failed record: %+v", got)
	}

	if err := s.MarkConfirmed(ctx, common.HexToHash("0xff"), 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing: got %v want %v", err, ErrNotFound)
	}
}

func TestMemoryStore_ListByAccount_NewestFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	for b := byte(1); b <= 3; b++ {
		if _, _, err := s.Insert(ctx, testRecord(b)); err != nil {
			t.Fatalf("Insert %d: %v", b, err)
		}
	}
	other := testRecord(4)
	other.Account = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	if _, _, err := s.Insert(ctx, other); err != nil {
		t.Fatalf("Insert other: %v", err)
	}

	got, err := s.ListByAccount(ctx, testRecord(1).Account, 2)
	if err != nil {
		t.Fatalf("ListByAccount: %v", err)
	}
	if len(got) != 2 || got[0].TxHash != testRecord(3).TxHash || got[1].TxHash != testRecord(2).TxHash {
		t.Fatalf("list: %+v", got)
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	r := testRecord(1)
	if _, _, err := s.Insert(ctx, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, _ := s.Get(ctx, r.TxHash)
	got.Assets.SetInt64(0)

	again, _ := s.Get(ctx, r.TxHash)
	if again.Assets.Sign() == 0 {
		t.Fatalf("stored assets mutated through Get result")
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	for s, want := range map[State]string{
		StateSubmitted: "submitted",
		StateConfirmed: "confirmed",
		StateFailed:    "failed",
		State(9):       "unknown(9)",
	} {
		if got := s.String(); got != want {
			t.Fatalf("%d: got %q want %q", s, got, want)
		}
	}
}
