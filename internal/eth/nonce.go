package eth

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type PendingNoncer interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// nonceCursor hands out nonces for one account. Every reservation re-reads the
// node's pending nonce, so transactions sent with the same key from another
// wallet are picked up, but the cursor never moves backwards: a nonce handed
// out for a broadcast the node has not indexed yet is not handed out again.
type nonceCursor struct {
	backend PendingNoncer
	addr    common.Address

	mu   sync.Mutex
	next uint64
}

func (c *nonceCursor) reserve(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.backend.PendingNonceAt(ctx, c.addr)
	if err != nil {
		return 0, err
	}
	if n < c.next {
		n = c.next
	}
	c.next = n + 1
	return n, nil
}
