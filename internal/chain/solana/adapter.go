package solana

import (
	"CoverLedger/internal/chain"
	"CoverLedger/internal/errs"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	sol "github.com/gagliardetto/solana-go"
)

const (
	// SlotDuration is the target slot time.
	SlotDuration = 400 * time.Millisecond

	// DefaultBlockhashWindow is how many slots a recent blockhash stays valid.
	DefaultBlockhashWindow = 150
)

// Config for a Solana-style deployment.
type Config struct {
	ProgramID       string
	Admin           string
	Oracles         []string
	BlockhashWindow uint64

	// Genesis anchors slot numbering. Zero means the first clock reading,
	// which only suits tests: slots then restart with the process.
	Genesis time.Time

	// Time source for the Clock sysvar; time.Now when nil.
	Time func() time.Time
}

// Adapter binds the engine to a Solana-style program: base58 keys,
// program-derived addresses, a config account holding the admin and oracle
// authorities, Clock sysvar time, recent-blockhash replay protection and
// SPL-style token accounts with delegate approval.
type Adapter struct {
	mu        sync.RWMutex
	programID sol.PublicKey
	clock     *chain.BlockClock
	genesis   time.Time
	window    uint64
	authority sol.PublicKey // Vault authority PDA, the delegate for premium pulls
	admins    map[sol.PublicKey]bool
	oracles   map[sol.PublicKey]bool
	mints     map[ledger.AssetID]*mintLedger
	vaults    map[ledger.AssetID]sol.PublicKey
}

func New(cfg Config) (*Adapter, error) {
	programID, err := sol.PublicKeyFromBase58(cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("solana program id: %w", err)
	}
	window := cfg.BlockhashWindow
	if window == 0 {
		window = DefaultBlockhashWindow
	}

	clock := chain.NewBlockClock(cfg.Time, time.Second)
	genesis := cfg.Genesis.UTC()
	if cfg.Genesis.IsZero() {
		genesis = clock.Now()
	}
	a := &Adapter{
		programID: programID,
		clock:     clock,
		genesis:   genesis,
		window:    window,
		admins:    make(map[sol.PublicKey]bool),
		oracles:   make(map[sol.PublicKey]bool),
		mints:     make(map[ledger.AssetID]*mintLedger),
		vaults:    make(map[ledger.AssetID]sol.PublicKey),
	}

	a.authority, _, err = sol.FindProgramAddress([][]byte{[]byte("vault_authority")}, programID)
	if err != nil {
		return nil, fmt.Errorf("derive vault authority: %w", err)
	}
	for _, asset := range []ledger.AssetID{ledger.AssetBase, ledger.AssetDiscount} {
		name, _ := ledger.GetAssetName(asset)
		mint, _, err := sol.FindProgramAddress([][]byte{[]byte("mint"), []byte(name)}, programID)
		if err != nil {
			return nil, fmt.Errorf("derive %s mint: %w", name, err)
		}
		vault, _, err := sol.FindProgramAddress([][]byte{[]byte("vault"), mint.Bytes()}, programID)
		if err != nil {
			return nil, fmt.Errorf("derive %s vault: %w", name, err)
		}
		a.mints[asset] = newMintLedger(name, mint)
		a.vaults[asset] = vault
	}

	admin, err := parseKey(cfg.Admin)
	if err != nil {
		return nil, fmt.Errorf("solana admin: %w", err)
	}
	a.admins[admin] = true
	for _, o := range cfg.Oracles {
		pk, err := parseKey(o)
		if err != nil {
			return nil, fmt.Errorf("solana oracle: %w", err)
		}
		a.oracles[pk] = true
	}
	return a, nil
}

func parseKey(s string) (sol.PublicKey, error) {
	pk, err := sol.PublicKeyFromBase58(s)
	if err != nil {
		return sol.PublicKey{}, errs.Validation("invalid_account", "%q is not a base58 public key", s)
	}
	if pk.IsZero() {
		return sol.PublicKey{}, errs.Validation("invalid_account", "zero public key")
	}
	return pk, nil
}

func (a *Adapter) Chain() chain.Chain { return chain.ChainSolana }

func (a *Adapter) Clock() *chain.BlockClock { return a.clock }

// Now returns the Clock sysvar unix_timestamp (whole seconds).
func (a *Adapter) Now() time.Time { return a.clock.Now() }

// Slot derives the current slot from the clock.
func (a *Adapter) Slot() uint64 {
	return a.slotAt(a.clock.Now())
}

func (a *Adapter) slotAt(t time.Time) uint64 {
	if !t.After(a.genesis) {
		return 0
	}
	return uint64(t.Sub(a.genesis) / SlotDuration)
}

func (a *Adapter) ProgramID() sol.PublicKey { return a.programID }

func (a *Adapter) ParseAccount(s string) (string, error) {
	pk, err := parseKey(s)
	if err != nil {
		return "", err
	}
	return pk.String(), nil
}

func (a *Adapter) Authorize(account string, role chain.Role) error {
	pk, err := parseKey(account)
	if err != nil {
		return err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	switch role {
	case chain.RoleAdmin:
		if a.admins[pk] {
			return nil
		}
	case chain.RoleOracle:
		if a.oracles[pk] {
			return nil
		}
	default:
		return errs.Validation("unknown_role", "unknown role %d", role)
	}
	return errs.Authorization("unauthorized", "%s is not a configured %s authority", pk, role)
}

func (a *Adapter) GrantRole(admin, account string, role chain.Role) error {
	if err := a.Authorize(admin, chain.RoleAdmin); err != nil {
		return err
	}
	pk, err := parseKey(account)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	switch role {
	case chain.RoleAdmin:
		a.admins[pk] = true
	case chain.RoleOracle:
		a.oracles[pk] = true
	default:
		return errs.Validation("unknown_role", "unknown role %d", role)
	}
	return nil
}

// DeriveID returns the PDA of the record: seeds [kind, owner, index LE].
func (a *Adapter) DeriveID(kind chain.IDKind, owner string, index uint64) (string, error) {
	pk, err := parseKey(owner)
	if err != nil {
		return "", err
	}
	var idx [8]byte
	binary.LittleEndian.PutUint64(idx[:], index)

	addr, _, err := sol.FindProgramAddress([][]byte{[]byte(kind.String()), pk.Bytes(), idx[:]}, a.programID)
	if err != nil {
		return "", fmt.Errorf("derive %s address: %w", kind, err)
	}
	return addr.String(), nil
}

// blockhashAt is the deterministic blockhash of a slot.
func (a *Adapter) blockhashAt(slot uint64) sol.Hash {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], slot)
	return sol.Hash(sha256.Sum256(append(a.programID.Bytes(), buf[:]...)))
}

// RecentBlockhash returns the blockhash of the current slot.
func (a *Adapter) RecentBlockhash() sol.Hash {
	return a.blockhashAt(a.Slot())
}

func (a *Adapter) PrepareCaller(account string) event.Caller {
	caller := event.Caller{Account: account}
	if pk, err := parseKey(account); err == nil {
		caller.Account = pk.String()
	}
	caller.RecentBlockhash = a.RecentBlockhash().String()
	return caller
}

// Begin accepts the call if its blockhash is one of the last window slots'.
// A logged call replayed under a pinned clock was already accepted once and
// only needs a well-formed blockhash.
func (a *Adapter) Begin(caller event.Caller) (chain.Tx, error) {
	payer, err := parseKey(caller.Account)
	if err != nil {
		return nil, err
	}
	if caller.RecentBlockhash == "" {
		return nil, errs.Validation("missing_blockhash", "transaction has no recent blockhash")
	}
	hash, err := sol.HashFromBase58(caller.RecentBlockhash)
	if err != nil {
		return nil, errs.Validation("invalid_blockhash", "recent blockhash: %v", err)
	}
	if a.clock.Pinned() {
		return &solTx{adapter: a, payer: payer}, nil
	}

	current := a.Slot()
	for i := uint64(0); i <= a.window && i <= current; i++ {
		if a.blockhashAt(current-i) == hash {
			return &solTx{adapter: a, payer: payer}, nil
		}
	}
	return nil, errs.StateConflict("blockhash_not_found", "Blockhash not found")
}

// VerifySignature checks an ed25519 signature by the account's key.
func (a *Adapter) VerifySignature(account string, message, sig []byte) error {
	pk, err := parseKey(account)
	if err != nil {
		return err
	}
	if len(sig) != len(sol.Signature{}) {
		return errs.Authorization("bad_signature", "signature must be %d bytes, got %d", len(sol.Signature{}), len(sig))
	}
	var s sol.Signature
	copy(s[:], sig)
	if !s.Verify(pk, message) {
		return errs.Authorization("bad_signature", "signature verification failed for %s", pk)
	}
	return nil
}

// Vault is the program-owned token account of asset's mint.
func (a *Adapter) Vault(asset ledger.AssetID) string {
	return a.vaults[asset].String()
}

func (a *Adapter) BalanceOf(asset ledger.AssetID, account string) int64 {
	pk, err := sol.PublicKeyFromBase58(account)
	if err != nil {
		return 0
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.mints[asset]
	if !ok {
		return 0
	}
	return clampInt64(m.account(pk).Amount)
}

func (a *Adapter) Mint(asset ledger.AssetID, account string, amount int64) error {
	pk, err := sol.PublicKeyFromBase58(account)
	if err != nil {
		return errs.Validation("invalid_account", "%q is not a base58 public key", account)
	}
	if amount <= 0 {
		return errs.Validation("invalid_amount", "mint amount must be positive, got %d", amount)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.mints[asset]
	if !ok {
		return errs.Validation("unknown_asset", "unknown asset %d", asset)
	}
	return m.mintTo(pk, uint64(amount))
}

// Approve delegates amount of owner's token account to the vault authority.
func (a *Adapter) Approve(asset ledger.AssetID, owner string, amount int64) error {
	pk, err := parseKey(owner)
	if err != nil {
		return err
	}
	if amount < 0 {
		return errs.Validation("invalid_amount", "delegated amount must not be negative, got %d", amount)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.mints[asset]
	if !ok {
		return errs.Validation("unknown_asset", "unknown asset %d", asset)
	}
	m.approve(pk, a.authority, uint64(amount))
	return nil
}

func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

// --- Snapshots ---

type adapterState struct {
	GenesisUnix int64                                      `json:"genesis_unix"`
	Admins      []string                                   `json:"admins"`
	Oracles     []string                                   `json:"oracles"`
	Accounts    map[ledger.AssetID]map[string]tokenAccount `json:"accounts"`
}

func (a *Adapter) Export() ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	st := adapterState{
		GenesisUnix: a.genesis.Unix(),
		Accounts:    make(map[ledger.AssetID]map[string]tokenAccount, len(a.mints)),
	}
	for pk := range a.admins {
		st.Admins = append(st.Admins, pk.String())
	}
	for pk := range a.oracles {
		st.Oracles = append(st.Oracles, pk.String())
	}
	for id, m := range a.mints {
		st.Accounts[id] = m.export()
	}
	return json.Marshal(st)
}

func (a *Adapter) Restore(data []byte) error {
	var st adapterState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode solana state: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	admins := make(map[sol.PublicKey]bool, len(st.Admins))
	for _, s := range st.Admins {
		pk, err := sol.PublicKeyFromBase58(s)
		if err != nil {
			return fmt.Errorf("restore admin: %w", err)
		}
		admins[pk] = true
	}
	oracles := make(map[sol.PublicKey]bool, len(st.Oracles))
	for _, s := range st.Oracles {
		pk, err := sol.PublicKeyFromBase58(s)
		if err != nil {
			return fmt.Errorf("restore oracle: %w", err)
		}
		oracles[pk] = true
	}
	for id, accts := range st.Accounts {
		m, ok := a.mints[id]
		if !ok {
			return fmt.Errorf("snapshot has unknown asset %d", id)
		}
		if err := m.restore(accts); err != nil {
			return fmt.Errorf("restore %s accounts: %w", m.symbol, err)
		}
	}
	a.genesis = time.Unix(st.GenesisUnix, 0).UTC()
	a.admins = admins
	a.oracles = oracles
	return nil
}

// --- Transactions ---

type pendingTransfer struct {
	asset       ledger.AssetID
	from        sol.PublicKey
	to          sol.PublicKey
	amount      uint64
	viaDelegate bool
}

// solTx stages token instructions; they land together on Commit.
type solTx struct {
	adapter   *Adapter
	payer     sol.PublicKey
	transfers []pendingTransfer
	done      bool
}

func (tx *solTx) staged(m *mintLedger, asset ledger.AssetID, owner sol.PublicKey) (amount, delegated uint64) {
	acct := m.account(owner)
	amount, delegated = acct.Amount, acct.DelegatedAmount
	for _, t := range tx.transfers {
		if t.asset != asset {
			continue
		}
		if t.from == owner {
			amount -= t.amount
			if t.viaDelegate {
				delegated -= t.amount
			}
		}
		if t.to == owner {
			amount += t.amount
		}
	}
	return amount, delegated
}

func (tx *solTx) TransferFrom(asset ledger.AssetID, from, to string, amount int64) error {
	if tx.done {
		return fmt.Errorf("transaction already finished")
	}
	if amount <= 0 {
		return errs.Validation("invalid_amount", "transfer amount must be positive, got %d", amount)
	}
	fromKey, err := parseKey(from)
	if err != nil {
		return err
	}
	toKey, err := parseKey(to)
	if err != nil {
		return err
	}

	a := tx.adapter
	a.mu.RLock()
	defer a.mu.RUnlock()

	m, ok := a.mints[asset]
	if !ok {
		return errs.Validation("unknown_asset", "unknown asset %d", asset)
	}

	amt := uint64(amount)
	balance, delegated := tx.staged(m, asset, fromKey)
	if balance < amt {
		return errs.InsufficientFunds("transfer_failed",
			"%s: insufficient funds (%d < %d)", m.symbol, balance, amt)
	}

	viaDelegate := fromKey != a.vaults[asset]
	if viaDelegate {
		if m.account(fromKey).Delegate != a.authority {
			return errs.InsufficientFunds("transfer_failed", "%s: owner does not match", m.symbol)
		}
		if delegated < amt {
			return errs.InsufficientFunds("transfer_failed",
				"%s: insufficient delegated amount (%d < %d)", m.symbol, delegated, amt)
		}
	}

	tx.transfers = append(tx.transfers, pendingTransfer{
		asset:       asset,
		from:        fromKey,
		to:          toKey,
		amount:      amt,
		viaDelegate: viaDelegate,
	})
	return nil
}

func (tx *solTx) Commit() error {
	if tx.done {
		return fmt.Errorf("transaction already finished")
	}
	a := tx.adapter
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, t := range tx.transfers {
		a.mints[t.asset].move(t.from, t.to, t.amount, t.viaDelegate)
	}
	tx.done = true
	return nil
}

func (tx *solTx) Rollback() {
	tx.done = true
	tx.transfers = nil
}
