package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypePremiumPayment JournalType = iota
	JournalTypeProtocolFee
	JournalTypeDiscountPremium
	JournalTypeLiquidityDeposit
	JournalTypeLiquidityWithdrawal
	JournalTypeClaimPayout
	JournalTypePremiumRefund
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypePremiumPayment:
		return "PremiumPayment"
	case JournalTypeProtocolFee:
		return "ProtocolFee"
	case JournalTypeDiscountPremium:
		return "DiscountPremium"
	case JournalTypeLiquidityDeposit:
		return "LiquidityDeposit"
	case JournalTypeLiquidityWithdrawal:
		return "LiquidityWithdrawal"
	case JournalTypeClaimPayout:
		return "ClaimPayout"
	case JournalTypePremiumRefund:
		return "PremiumRefund"
	default:
		return "Unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source command
	Sequence      int64       // Per-chain command sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        int64       // Smallest currency unit (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Block time of the command (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each entry moves one positive amount from credit to debit, so every entry is
// balanced by construction; multi-leg commands (premium + fee) use several
// entries under one batch_id. State-only commands produce an empty batch.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}

// IsEmpty reports whether the batch moved no funds.
func (b *Batch) IsEmpty() bool {
	return b == nil || len(b.Journals) == 0
}
