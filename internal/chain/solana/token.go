package solana

import (
	"CoverLedger/internal/errs"

	sol "github.com/gagliardetto/solana-go"
)

// tokenAccount mirrors the fields of an SPL token account the pool uses.
type tokenAccount struct {
	Amount          uint64        `json:"amount"`
	Delegate        sol.PublicKey `json:"delegate"`
	DelegatedAmount uint64        `json:"delegated_amount"`
}

// mintLedger holds every token account of one mint, keyed by owner.
type mintLedger struct {
	symbol   string
	mint     sol.PublicKey
	accounts map[sol.PublicKey]*tokenAccount
}

func newMintLedger(symbol string, mint sol.PublicKey) *mintLedger {
	return &mintLedger{
		symbol:   symbol,
		mint:     mint,
		accounts: make(map[sol.PublicKey]*tokenAccount),
	}
}

func (m *mintLedger) account(owner sol.PublicKey) tokenAccount {
	if acct, ok := m.accounts[owner]; ok {
		return *acct
	}
	return tokenAccount{}
}

func (m *mintLedger) mutable(owner sol.PublicKey) *tokenAccount {
	acct, ok := m.accounts[owner]
	if !ok {
		acct = &tokenAccount{}
		m.accounts[owner] = acct
	}
	return acct
}

func (m *mintLedger) mintTo(owner sol.PublicKey, amount uint64) error {
	acct := m.mutable(owner)
	if acct.Amount+amount < acct.Amount {
		return errs.Validation("arithmetic_overflow", "%s: mint overflows account", m.symbol)
	}
	acct.Amount += amount
	return nil
}

// approve sets the account delegate, replacing any previous one.
func (m *mintLedger) approve(owner, delegate sol.PublicKey, amount uint64) {
	acct := m.mutable(owner)
	acct.Delegate = delegate
	acct.DelegatedAmount = amount
}

// move applies a validated transfer; viaDelegate spends the delegation.
func (m *mintLedger) move(from, to sol.PublicKey, amount uint64, viaDelegate bool) {
	src := m.mutable(from)
	src.Amount -= amount
	if viaDelegate {
		src.DelegatedAmount -= amount
		if src.DelegatedAmount == 0 {
			src.Delegate = sol.PublicKey{}
		}
	}
	m.mutable(to).Amount += amount
}

func (m *mintLedger) export() map[string]tokenAccount {
	out := make(map[string]tokenAccount, len(m.accounts))
	for owner, acct := range m.accounts {
		out[owner.String()] = *acct
	}
	return out
}

func (m *mintLedger) restore(accts map[string]tokenAccount) error {
	m.accounts = make(map[sol.PublicKey]*tokenAccount, len(accts))
	for owner, acct := range accts {
		pk, err := sol.PublicKeyFromBase58(owner)
		if err != nil {
			return err
		}
		a := acct
		m.accounts[pk] = &a
	}
	return nil
}
