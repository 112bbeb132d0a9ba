package chain

import (
	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	"fmt"
	"strings"
	"time"
)

// Chain names a deployment. Deployments share no state.
type Chain string

const (
	ChainEVM    Chain = "evm"
	ChainSolana Chain = "solana"
)

func ParseChain(s string) (Chain, error) {
	switch Chain(strings.ToLower(strings.TrimSpace(s))) {
	case ChainEVM:
		return ChainEVM, nil
	case ChainSolana:
		return ChainSolana, nil
	}
	return "", fmt.Errorf("unknown chain %q", s)
}

// Role is a capability gate checked by the adapter's native access control.
type Role int32

const (
	RoleAdmin Role = iota
	RoleOracle
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleOracle:
		return "oracle"
	default:
		return "unknown"
	}
}

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin":
		return RoleAdmin, nil
	case "oracle":
		return RoleOracle, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// IDKind selects the record family an id is derived for.
type IDKind int32

const (
	IDCoverage IDKind = iota
	IDClaim
)

func (k IDKind) String() string {
	switch k {
	case IDCoverage:
		return "coverage"
	case IDClaim:
		return "claim"
	default:
		return "unknown"
	}
}

// Adapter binds the chain-agnostic engine to one ledger's native model:
// account encoding, access control, block time, replay protection, token
// movements and atomic commit.
type Adapter interface {
	Chain() Chain

	// Clock is the chain's block clock. Now is shorthand for Clock().Now().
	Clock() *BlockClock
	Now() time.Time

	// ParseAccount validates an account string and returns its canonical form.
	ParseAccount(s string) (string, error)

	// Authorize fails with an authorization error unless account holds role.
	Authorize(account string, role Role) error
	GrantRole(admin, account string, role Role) error

	// DeriveID returns the chain-native id of the index-th record of kind.
	DeriveID(kind IDKind, owner string, index uint64) (string, error)

	// PrepareCaller fills in the replay protection a fresh call by account needs.
	PrepareCaller(account string) event.Caller

	// Begin opens an atomic unit of work for caller, checking its replay protection.
	Begin(caller event.Caller) (Tx, error)

	// VerifySignature checks a chain-native signature by account over message.
	VerifySignature(account string, message, sig []byte) error

	// Vault is the protocol-owned account holding asset.
	Vault(asset ledger.AssetID) string

	BalanceOf(asset ledger.AssetID, account string) int64
	Mint(asset ledger.AssetID, account string, amount int64) error

	// Approve lets the protocol pull up to amount of asset from owner.
	Approve(asset ledger.AssetID, owner string, amount int64) error

	// Export and Restore move the adapter's ledger state in and out of snapshots.
	Export() ([]byte, error)
	Restore(data []byte) error
}

// Tx stages token movements. Nothing is visible until Commit; Rollback discards.
type Tx interface {
	// TransferFrom moves amount of asset. Pulls from anyone but the vault need
	// an approval; failures are insufficient-funds errors.
	TransferFrom(asset ledger.AssetID, from, to string, amount int64) error
	Commit() error
	Rollback()
}
