package evm

import (
	"CoverLedger/internal/errs"

	"github.com/ethereum/go-ethereum/common"
)

// NonceTracker enforces strict per-sender nonces: each sender's next call
// must carry exactly the next nonce. A nonce is consumed only when the
// transaction carrying it commits, so a reverted call can be resent as is.
// Not thread-safe; the adapter guards it.
type NonceTracker struct {
	next map[common.Address]uint64
}

func NewNonceTracker() *NonceTracker {
	return &NonceTracker{next: make(map[common.Address]uint64)}
}

// Validate checks nonce against the sender's expected next nonce.
func (n *NonceTracker) Validate(sender common.Address, nonce uint64) error {
	expected := n.next[sender]

	if nonce < expected {
		return errs.StateConflict("nonce_too_low",
			"nonce too low: address %s, tx: %d state: %d", sender.Hex(), nonce, expected)
	}
	if nonce > expected {
		return errs.StateConflict("nonce_too_high",
			"nonce too high: address %s, tx: %d state: %d", sender.Hex(), nonce, expected)
	}
	return nil
}

// Consume advances the sender past nonce.
func (n *NonceTracker) Consume(sender common.Address, nonce uint64) {
	if nonce+1 > n.next[sender] {
		n.next[sender] = nonce + 1
	}
}

// Expected returns the sender's next nonce
func (n *NonceTracker) Expected(sender common.Address) uint64 {
	return n.next[sender]
}

// All returns a copy of every sender's next nonce (snapshots)
func (n *NonceTracker) All() map[common.Address]uint64 {
	out := make(map[common.Address]uint64, len(n.next))
	for k, v := range n.next {
		out[k] = v
	}
	return out
}

// Restore initializes next nonces (used during recovery)
func (n *NonceTracker) Restore(next map[common.Address]uint64) {
	n.next = make(map[common.Address]uint64, len(next))
	for k, v := range next {
		n.next[k] = v
	}
}
