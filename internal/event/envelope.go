package event

import (
	"time"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeCreateCoverage
	EventTypeCancelCoverage
	EventTypeExpireCoverage
	EventTypeSubmitClaim
	EventTypeMarkUnderReview
	EventTypeResolveClaim
	EventTypeAddLiquidity
	EventTypeRemoveLiquidity
	EventTypePerformUpkeep
	EventTypeSetPaused
	EventTypeGrantRole
	EventTypeApproveToken
	EventTypeMintToken
)

// EventEnvelope wraps every applied command in the log
type EventEnvelope struct {
	// Per-chain monotonic sequence assigned by the engine
	Sequence int64

	// Stable idempotency key from the caller
	IdempotencyKey string

	EventType EventType

	// Deployment the command ran against ("evm", "solana")
	Chain string

	// Chain block time the command executed at (NOT wall-clock)
	Timestamp time.Time

	// Caller account in the chain's canonical encoding
	Caller string

	// JSON-encoded command
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Caller is the explicit account context of a command: who is calling, and the
// chain-native replay protection that goes with the call.
type Caller struct {
	Account string `json:"account"`

	// EVM-style deployments: the sender's next nonce.
	Nonce uint64 `json:"nonce,omitempty"`

	// Solana-style deployments: a recent blockhash (base58).
	RecentBlockhash string `json:"recent_blockhash,omitempty"`
}

// Event is the interface all command payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// ChainID returns the deployment the command targets
	ChainID() string

	// Origin returns the calling account context
	Origin() Caller
}

// Meta carries the fields shared by every command.
type Meta struct {
	Key   string `json:"idempotency_key"`
	Chain string `json:"chain"`
	From  Caller `json:"caller"`
}

func (m *Meta) IdempotencyKey() string { return m.Key }
func (m *Meta) ChainID() string        { return m.Chain }
func (m *Meta) Origin() Caller         { return m.From }

func (et EventType) String() string {
	switch et {
	case EventTypeCreateCoverage:
		return "CreateCoverage"
	case EventTypeCancelCoverage:
		return "CancelCoverage"
	case EventTypeExpireCoverage:
		return "ExpireCoverage"
	case EventTypeSubmitClaim:
		return "SubmitClaim"
	case EventTypeMarkUnderReview:
		return "MarkUnderReview"
	case EventTypeResolveClaim:
		return "ResolveClaim"
	case EventTypeAddLiquidity:
		return "AddLiquidity"
	case EventTypeRemoveLiquidity:
		return "RemoveLiquidity"
	case EventTypePerformUpkeep:
		return "PerformUpkeep"
	case EventTypeSetPaused:
		return "SetPaused"
	case EventTypeGrantRole:
		return "GrantRole"
	case EventTypeApproveToken:
		return "ApproveToken"
	case EventTypeMintToken:
		return "MintToken"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) EventType {
	for et := EventTypeCreateCoverage; et <= EventTypeMintToken; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
