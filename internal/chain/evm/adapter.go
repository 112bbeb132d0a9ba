package evm

import (
	"CoverLedger/internal/chain"
	"CoverLedger/internal/errs"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	// DefaultAdminRole is the AccessControl admin role (bytes32(0)).
	DefaultAdminRole = common.Hash{}
	OracleRole       = crypto.Keccak256Hash([]byte("ORACLE_ROLE"))
)

// Config for an EVM-style deployment.
type Config struct {
	ChainID int64
	Admin   string
	Oracles []string

	// Time source for block timestamps; time.Now when nil.
	Time func() time.Time
}

// Adapter binds the engine to an EVM-style ledger: hex addresses,
// AccessControl roles, strict nonces, ERC-20 tokens and whole-second block
// timestamps.
type Adapter struct {
	mu       sync.RWMutex
	chainID  int64
	clock    *chain.BlockClock
	protocol common.Address
	roles    map[common.Hash]map[common.Address]bool
	nonces   *NonceTracker
	tokens   map[ledger.AssetID]*erc20
}

func New(cfg Config) (*Adapter, error) {
	a := &Adapter{
		chainID:  cfg.ChainID,
		clock:    chain.NewBlockClock(cfg.Time, time.Second),
		protocol: protocolAddress(cfg.ChainID),
		roles: map[common.Hash]map[common.Address]bool{
			DefaultAdminRole: {},
			OracleRole:       {},
		},
		nonces: NewNonceTracker(),
		tokens: map[ledger.AssetID]*erc20{
			ledger.AssetBase:     newERC20("BASE"),
			ledger.AssetDiscount: newERC20("DISCOUNT"),
		},
	}

	admin, err := parseAddress(cfg.Admin)
	if err != nil {
		return nil, fmt.Errorf("evm admin: %w", err)
	}
	a.roles[DefaultAdminRole][admin] = true

	for _, o := range cfg.Oracles {
		addr, err := parseAddress(o)
		if err != nil {
			return nil, fmt.Errorf("evm oracle: %w", err)
		}
		a.roles[OracleRole][addr] = true
	}
	return a, nil
}

// protocolAddress is the pool contract's address on a chain id.
func protocolAddress(chainID int64) common.Address {
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], uint64(chainID))
	return common.BytesToAddress(crypto.Keccak256([]byte("coverledger.pool"), id[:])[12:])
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, errs.Validation("invalid_account", "%q is not a hex address", s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, errs.Validation("invalid_account", "zero address")
	}
	return addr, nil
}

func roleHash(role chain.Role) (common.Hash, error) {
	switch role {
	case chain.RoleAdmin:
		return DefaultAdminRole, nil
	case chain.RoleOracle:
		return OracleRole, nil
	}
	return common.Hash{}, errs.Validation("unknown_role", "unknown role %d", role)
}

func (a *Adapter) Chain() chain.Chain { return chain.ChainEVM }

func (a *Adapter) Clock() *chain.BlockClock { return a.clock }

func (a *Adapter) Now() time.Time { return a.clock.Now() }

// ChainID returns the configured chain id.
func (a *Adapter) ChainID() int64 { return a.chainID }

func (a *Adapter) ParseAccount(s string) (string, error) {
	addr, err := parseAddress(s)
	if err != nil {
		return "", err
	}
	return addr.Hex(), nil
}

func (a *Adapter) Authorize(account string, role chain.Role) error {
	addr, err := parseAddress(account)
	if err != nil {
		return err
	}
	h, err := roleHash(role)
	if err != nil {
		return err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.roles[h][addr] {
		return errs.Authorization("missing_role",
			"AccessControl: account %s is missing role %s", addr.Hex(), h.Hex())
	}
	return nil
}

func (a *Adapter) GrantRole(admin, account string, role chain.Role) error {
	if err := a.Authorize(admin, chain.RoleAdmin); err != nil {
		return err
	}
	addr, err := parseAddress(account)
	if err != nil {
		return err
	}
	h, err := roleHash(role)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.roles[h][addr] = true
	return nil
}

// DeriveID returns the incrementing uint256 id used as a mapping key by the
// pool contract. owner does not take part on this chain.
func (a *Adapter) DeriveID(kind chain.IDKind, owner string, index uint64) (string, error) {
	if index == 0 {
		return "", fmt.Errorf("%s ids start at 1", kind)
	}
	return uint256.NewInt(index).Dec(), nil
}

func (a *Adapter) PrepareCaller(account string) event.Caller {
	caller := event.Caller{Account: account}
	addr, err := parseAddress(account)
	if err != nil {
		return caller
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	caller.Account = addr.Hex()
	caller.Nonce = a.nonces.Expected(addr)
	return caller
}

func (a *Adapter) Begin(caller event.Caller) (chain.Tx, error) {
	sender, err := parseAddress(caller.Account)
	if err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.nonces.Validate(sender, caller.Nonce); err != nil {
		return nil, err
	}
	return &evmTx{adapter: a, sender: sender, nonce: caller.Nonce}, nil
}

// VerifySignature recovers the personal_sign (EIP-191) signer of message.
func (a *Adapter) VerifySignature(account string, message, sig []byte) error {
	addr, err := parseAddress(account)
	if err != nil {
		return err
	}
	if len(sig) != crypto.SignatureLength {
		return errs.Authorization("bad_signature", "signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}

	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(message), normalized)
	if err != nil {
		return errs.Authorization("bad_signature", "recover signer: %v", err)
	}
	if signer := crypto.PubkeyToAddress(*pub); signer != addr {
		return errs.Authorization("bad_signature", "signed by %s, not %s", signer.Hex(), addr.Hex())
	}
	return nil
}

// Vault is the pool contract itself for every token.
func (a *Adapter) Vault(asset ledger.AssetID) string {
	return a.protocol.Hex()
}

func (a *Adapter) BalanceOf(asset ledger.AssetID, account string) int64 {
	addr, err := parseAddress(account)
	if err != nil {
		return 0
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	tok, ok := a.tokens[asset]
	if !ok {
		return 0
	}
	return clampInt64(tok.balanceOf(addr))
}

func (a *Adapter) Mint(asset ledger.AssetID, account string, amount int64) error {
	addr, err := parseAddress(account)
	if err != nil {
		return err
	}
	if amount <= 0 {
		return errs.Validation("invalid_amount", "mint amount must be positive, got %d", amount)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	tok, ok := a.tokens[asset]
	if !ok {
		return errs.Validation("unknown_asset", "unknown asset %d", asset)
	}
	tok.mint(addr, uint256.NewInt(uint64(amount)))
	return nil
}

// Approve sets owner's allowance for the pool contract.
func (a *Adapter) Approve(asset ledger.AssetID, owner string, amount int64) error {
	addr, err := parseAddress(owner)
	if err != nil {
		return err
	}
	if amount < 0 {
		return errs.Validation("invalid_amount", "allowance must not be negative, got %d", amount)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	tok, ok := a.tokens[asset]
	if !ok {
		return errs.Validation("unknown_asset", "unknown asset %d", asset)
	}
	tok.approve(addr, a.protocol, uint256.NewInt(uint64(amount)))
	return nil
}

func clampInt64(v *uint256.Int) int64 {
	if !v.IsUint64() || v.Uint64() > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v.Uint64())
}

// --- Snapshots ---

type adapterState struct {
	Roles  map[string][]string           `json:"roles"`
	Nonces map[string]uint64             `json:"nonces"`
	Tokens map[ledger.AssetID]tokenState `json:"tokens"`
}

func (a *Adapter) Export() ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	st := adapterState{
		Roles:  make(map[string][]string, len(a.roles)),
		Nonces: make(map[string]uint64),
		Tokens: make(map[ledger.AssetID]tokenState, len(a.tokens)),
	}
	for h, members := range a.roles {
		list := make([]string, 0, len(members))
		for addr, ok := range members {
			if ok {
				list = append(list, addr.Hex())
			}
		}
		st.Roles[h.Hex()] = list
	}
	for addr, n := range a.nonces.All() {
		st.Nonces[addr.Hex()] = n
	}
	for id, tok := range a.tokens {
		st.Tokens[id] = tok.export()
	}
	return json.Marshal(st)
}

func (a *Adapter) Restore(data []byte) error {
	var st adapterState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode evm state: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	roles := map[common.Hash]map[common.Address]bool{
		DefaultAdminRole: {},
		OracleRole:       {},
	}
	for h, members := range st.Roles {
		hash := common.HexToHash(h)
		if roles[hash] == nil {
			roles[hash] = make(map[common.Address]bool)
		}
		for _, m := range members {
			roles[hash][common.HexToAddress(m)] = true
		}
	}

	nonces := make(map[common.Address]uint64, len(st.Nonces))
	for addr, n := range st.Nonces {
		nonces[common.HexToAddress(addr)] = n
	}

	for id, ts := range st.Tokens {
		tok, ok := a.tokens[id]
		if !ok {
			return fmt.Errorf("snapshot has unknown asset %d", id)
		}
		if err := tok.restore(ts); err != nil {
			return fmt.Errorf("restore %s: %w", tok.symbol, err)
		}
	}
	a.roles = roles
	a.nonces.Restore(nonces)
	return nil
}

// --- Transactions ---

type pendingTransfer struct {
	asset   ledger.AssetID
	from    common.Address
	to      common.Address
	spender common.Address // zero for transfers out of the pool contract
	amount  *uint256.Int
}

// evmTx stages ERC-20 movements and the sender's nonce; Commit applies both.
type evmTx struct {
	adapter   *Adapter
	sender    common.Address
	nonce     uint64
	transfers []pendingTransfer
	done      bool
}

// staged returns the balance and allowance of owner after staged transfers.
func (tx *evmTx) staged(tok *erc20, asset ledger.AssetID, owner common.Address) (*uint256.Int, *uint256.Int) {
	bal := tok.balanceOf(owner)
	allow := tok.allowance(owner, tx.adapter.protocol)
	for _, t := range tx.transfers {
		if t.asset != asset {
			continue
		}
		if t.from == owner {
			bal.Sub(bal, t.amount)
			if t.spender != (common.Address{}) {
				allow.Sub(allow, t.amount)
			}
		}
		if t.to == owner {
			bal.Add(bal, t.amount)
		}
	}
	return bal, allow
}

func (tx *evmTx) TransferFrom(asset ledger.AssetID, from, to string, amount int64) error {
	if tx.done {
		return fmt.Errorf("transaction already finished")
	}
	if amount <= 0 {
		return errs.Validation("invalid_amount", "transfer amount must be positive, got %d", amount)
	}
	fromAddr, err := parseAddress(from)
	if err != nil {
		return err
	}
	toAddr, err := parseAddress(to)
	if err != nil {
		return err
	}

	a := tx.adapter
	a.mu.RLock()
	defer a.mu.RUnlock()

	tok, ok := a.tokens[asset]
	if !ok {
		return errs.Validation("unknown_asset", "unknown asset %d", asset)
	}

	amt := uint256.NewInt(uint64(amount))
	bal, allow := tx.staged(tok, asset, fromAddr)
	if bal.Lt(amt) {
		return errs.InsufficientFunds("transfer_failed",
			"%s: transfer amount exceeds balance (%s < %s)", tok.symbol, bal.Dec(), amt.Dec())
	}

	var spender common.Address
	if fromAddr != a.protocol {
		spender = a.protocol
		if allow.Lt(amt) {
			return errs.InsufficientFunds("transfer_failed",
				"%s: insufficient allowance (%s < %s)", tok.symbol, allow.Dec(), amt.Dec())
		}
	}

	tx.transfers = append(tx.transfers, pendingTransfer{
		asset:   asset,
		from:    fromAddr,
		to:      toAddr,
		spender: spender,
		amount:  amt,
	})
	return nil
}

func (tx *evmTx) Commit() error {
	if tx.done {
		return fmt.Errorf("transaction already finished")
	}
	a := tx.adapter
	a.mu.Lock()
	defer a.mu.Unlock()

	// Another transaction from the same sender may have committed since Begin.
	if err := a.nonces.Validate(tx.sender, tx.nonce); err != nil {
		return err
	}
	for _, t := range tx.transfers {
		a.tokens[t.asset].move(t.from, t.to, t.spender, t.amount)
	}
	a.nonces.Consume(tx.sender, tx.nonce)
	tx.done = true
	return nil
}

func (tx *evmTx) Rollback() {
	tx.done = true
	tx.transfers = nil
}
