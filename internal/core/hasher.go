package core

import (
	"CoverLedger/internal/chain"
	"CoverLedger/internal/state"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
)

// GenesisHash seeds a deployment's hash chain. The chain name is part of the
// seed, so an EVM log can never verify against a Solana engine.
func GenesisHash(c chain.Chain) [32]byte {
	return sha256.Sum256([]byte("CoverLedger:" + string(c) + ":genesis:v1"))
}

// StateHasher links every applied command to its predecessor:
//
//	state_hash[N] = SHA-256(state_hash[N-1] || LE64(N) || digest[N])
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher(c chain.Chain) *StateHasher {
	return &StateHasher{prevHash: GenesisHash(c)}
}

// ComputeHash chains digest onto the tip and makes the result the new tip.
func (h *StateHasher) ComputeHash(sequence int64, digest []byte) [32]byte {
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], uint64(sequence))

	hasher := sha256.New()
	hasher.Write(h.prevHash[:])
	hasher.Write(seq[:])
	hasher.Write(digest)

	copy(h.prevHash[:], hasher.Sum(nil))
	return h.prevHash
}

func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash moves the tip to a snapshot's hash.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

// stateDigest is the canonical encoding of what one command changed. Every
// field is a little-endian int64 or a length-prefixed string, written in a
// fixed order, so two engines that applied the same command agree byte for byte.
type stateDigest struct {
	buf bytes.Buffer
}

func (d *stateDigest) putInt(v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	d.buf.Write(b[:])
}

func (d *stateDigest) putString(s string) {
	d.putInt(int64(len(s)))
	d.buf.WriteString(s)
}

func (d *stateDigest) putFlag(v bool) {
	if v {
		d.buf.WriteByte(1)
	} else {
		d.buf.WriteByte(0)
	}
}

// balance records a ledger account the batch posted to.
func (d *stateDigest) balance(path string, amount int64) {
	d.putString(path)
	d.putInt(amount)
}

// pool records the whole singleton. Config-derived fields are left out.
func (d *stateDigest) pool(ps state.PoolState) {
	for _, v := range []int64{
		ps.TotalValueLocked, ps.TotalShares, ps.TotalCoverageOutstanding,
		ps.ActiveCoverages, ps.ClaimCount, ps.PaidClaims, ps.TotalPaidOut,
		ps.ProtocolFees, ps.DiscountTokenCollected,
	} {
		d.putInt(v)
	}
	d.putFlag(ps.Paused)
}

// coverage records the fields a command can move after creation.
func (d *stateDigest) coverage(cov *state.Coverage) {
	d.putString(cov.ID)
	d.putInt(int64(cov.Status))
	d.putInt(cov.TotalClaimed)
	d.putInt(cov.Version)
}

func (d *stateDigest) claim(c *state.Claim) {
	d.putString(c.ID)
	d.putInt(int64(c.Status))
	d.putInt(c.Version)
}

// position records a provider's shares; zero once the position closed.
func (d *stateDigest) position(provider string, shares int64) {
	d.putString(provider)
	d.putInt(shares)
}

func (d *stateDigest) Bytes() []byte {
	return d.buf.Bytes()
}
