package solana_test

import (
	"CoverLedger/internal/chain"
	"CoverLedger/internal/chain/solana"
	"CoverLedger/internal/errs"
	"CoverLedger/internal/ledger"
	"testing"
	"time"

	sol "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known program ids, used here only as valid base58 keys.
const (
	programID = "Stake11111111111111111111111111111111111111"
	admin     = "Vote111111111111111111111111111111111111111"
	oracle    = "SysvarC1ock11111111111111111111111111111111"
	alice     = "SysvarRent111111111111111111111111111111111"
)

func newAdapter(t *testing.T) (*solana.Adapter, *chain.ManualTime) {
	t.Helper()
	mt := chain.NewManualTime(time.Unix(1_700_000_000, 0))
	a, err := solana.New(solana.Config{
		ProgramID: programID,
		Admin:     admin,
		Oracles:   []string{oracle},
		Time:      mt.Now,
	})
	require.NoError(t, err)
	return a, mt
}

func TestParseAccount_Base58(t *testing.T) {
	a, _ := newAdapter(t)

	got, err := a.ParseAccount(alice)
	require.NoError(t, err)
	assert.Equal(t, alice, got)

	_, err = a.ParseAccount("0x00000000000000000000000000000000000000C1")
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	_, err = a.ParseAccount(sol.PublicKey{}.String())
	assert.Equal(t, "invalid_account", errs.CodeOf(err))
}

func TestAuthorize_ConfigAuthorities(t *testing.T) {
	a, _ := newAdapter(t)

	assert.NoError(t, a.Authorize(admin, chain.RoleAdmin))
	assert.NoError(t, a.Authorize(oracle, chain.RoleOracle))

	err := a.Authorize(alice, chain.RoleOracle)
	assert.Equal(t, errs.KindAuthorization, errs.KindOf(err))

	assert.Error(t, a.GrantRole(oracle, alice, chain.RoleOracle), "oracle cannot grant")
	require.NoError(t, a.GrantRole(admin, alice, chain.RoleOracle))
	assert.NoError(t, a.Authorize(alice, chain.RoleOracle))
}

func TestDeriveID_ProgramDerived(t *testing.T) {
	a, _ := newAdapter(t)

	id1, err := a.DeriveID(chain.IDCoverage, alice, 1)
	require.NoError(t, err)
	again, _ := a.DeriveID(chain.IDCoverage, alice, 1)
	assert.Equal(t, id1, again, "derivation must be deterministic")

	id2, _ := a.DeriveID(chain.IDCoverage, alice, 2)
	claim1, _ := a.DeriveID(chain.IDClaim, alice, 1)
	assert.NotEqual(t, id1, id2)
	assert.NotEqual(t, id1, claim1)

	_, err = sol.PublicKeyFromBase58(id1)
	assert.NoError(t, err)
}

func TestBegin_RecentBlockhashWindow(t *testing.T) {
	a, mt := newAdapter(t)
	mt.Advance(10 * time.Second)

	caller := a.PrepareCaller(alice)
	require.NotEmpty(t, caller.RecentBlockhash)

	tx, err := a.Begin(caller)
	require.NoError(t, err)
	tx.Rollback()

	// Still inside the 150 slot window (60s)
	mt.Advance(30 * time.Second)
	_, err = a.Begin(caller)
	assert.NoError(t, err)

	mt.Advance(60 * time.Second)
	_, err = a.Begin(caller)
	assert.Equal(t, "blockhash_not_found", errs.CodeOf(err))

	caller.RecentBlockhash = ""
	_, err = a.Begin(caller)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestBegin_PinnedClockRevalidatesOldBlockhash(t *testing.T) {
	a, mt := newAdapter(t)
	mt.Advance(5 * time.Second)
	recorded := a.Now()
	caller := a.PrepareCaller(alice)

	mt.Advance(time.Hour)
	_, err := a.Begin(caller)
	require.Error(t, err)

	a.Clock().Pin(recorded)
	defer a.Clock().Unpin()
	_, err = a.Begin(caller)
	assert.NoError(t, err)
}

func TestBegin_PinnedClockAfterRestart(t *testing.T) {
	a, mt := newAdapter(t)
	mt.Advance(5 * time.Second)
	recorded := a.Now()
	caller := a.PrepareCaller(alice)

	// Unconfigured genesis restarts slot numbering with the process
	restarted, err := solana.New(solana.Config{
		ProgramID: programID,
		Admin:     admin,
		Time:      chain.NewManualTime(recorded.Add(24 * time.Hour)).Now,
	})
	require.NoError(t, err)
	restarted.Clock().Pin(recorded)
	defer restarted.Clock().Unpin()
	_, err = restarted.Begin(caller)
	assert.NoError(t, err)
}

func TestNew_ConfiguredGenesisSurvivesRestart(t *testing.T) {
	genesis := time.Unix(1_600_000_000, 0)
	start := time.Unix(1_700_000_000, 0)
	open := func(now time.Time) *solana.Adapter {
		a, err := solana.New(solana.Config{
			ProgramID: programID,
			Admin:     admin,
			Genesis:   genesis,
			Time:      chain.NewManualTime(now).Now,
		})
		require.NoError(t, err)
		return a
	}

	first, second := open(start), open(start)
	assert.Equal(t, first.Slot(), second.Slot())
	assert.Equal(t, first.RecentBlockhash(), second.RecentBlockhash())

	// A blockhash handed out before a restart is still live after it
	caller := first.PrepareCaller(alice)
	restarted := open(start.Add(10 * time.Second))
	_, err := restarted.Begin(caller)
	assert.NoError(t, err)
}

func TestTransferFrom_RequiresDelegate(t *testing.T) {
	a, _ := newAdapter(t)
	vault := a.Vault(ledger.AssetBase)
	require.NoError(t, a.Mint(ledger.AssetBase, alice, 1_000))

	tx, err := a.Begin(a.PrepareCaller(alice))
	require.NoError(t, err)
	err = tx.TransferFrom(ledger.AssetBase, alice, vault, 600)
	assert.Equal(t, errs.KindInsufficientFunds, errs.KindOf(err))
	tx.Rollback()

	require.NoError(t, a.Approve(ledger.AssetBase, alice, 700))
	tx, err = a.Begin(a.PrepareCaller(alice))
	require.NoError(t, err)
	require.NoError(t, tx.TransferFrom(ledger.AssetBase, alice, vault, 600))

	// Delegated amount is spent by staged transfers
	err = tx.TransferFrom(ledger.AssetBase, alice, vault, 200)
	assert.Equal(t, "transfer_failed", errs.CodeOf(err))

	assert.Equal(t, int64(1_000), a.BalanceOf(ledger.AssetBase, alice))
	require.NoError(t, tx.Commit())

	assert.Equal(t, int64(400), a.BalanceOf(ledger.AssetBase, alice))
	assert.Equal(t, int64(600), a.BalanceOf(ledger.AssetBase, vault))
}

func TestTransferFrom_VaultPaysOut(t *testing.T) {
	a, _ := newAdapter(t)
	vault := a.Vault(ledger.AssetBase)
	require.NoError(t, a.Mint(ledger.AssetBase, vault, 500))

	tx, err := a.Begin(a.PrepareCaller(oracle))
	require.NoError(t, err)
	require.NoError(t, tx.TransferFrom(ledger.AssetBase, vault, alice, 500))
	require.NoError(t, tx.Commit())

	assert.Equal(t, int64(500), a.BalanceOf(ledger.AssetBase, alice))
	assert.Equal(t, int64(0), a.BalanceOf(ledger.AssetBase, vault))
}

func TestVault_PerMint(t *testing.T) {
	a, _ := newAdapter(t)
	assert.NotEqual(t, a.Vault(ledger.AssetBase), a.Vault(ledger.AssetDiscount))
}

func TestVerifySignature_Ed25519(t *testing.T) {
	a, _ := newAdapter(t)
	wallet := sol.NewWallet()
	signer := wallet.PublicKey().String()

	msg := []byte(`{"coverage_id":"x"}`)
	sig, err := wallet.PrivateKey.Sign(msg)
	require.NoError(t, err)

	assert.NoError(t, a.VerifySignature(signer, msg, sig[:]))
	assert.Error(t, a.VerifySignature(alice, msg, sig[:]))
	assert.Error(t, a.VerifySignature(signer, []byte("tampered"), sig[:]))
	assert.Error(t, a.VerifySignature(signer, msg, sig[:10]))
}

func TestExportRestore(t *testing.T) {
	a, mt := newAdapter(t)
	require.NoError(t, a.Mint(ledger.AssetBase, alice, 1_000))
	require.NoError(t, a.Approve(ledger.AssetBase, alice, 300))
	require.NoError(t, a.GrantRole(admin, alice, chain.RoleOracle))
	mt.Advance(2 * time.Second)
	caller := a.PrepareCaller(alice)

	data, err := a.Export()
	require.NoError(t, err)

	// Restored into an adapter that started later: genesis comes from the snapshot
	mt2 := chain.NewManualTime(mt.Now().Add(-time.Second))
	b, err := solana.New(solana.Config{ProgramID: programID, Admin: admin, Time: mt2.Now})
	require.NoError(t, err)
	require.NoError(t, b.Restore(data))

	assert.Equal(t, int64(1_000), b.BalanceOf(ledger.AssetBase, alice))
	assert.NoError(t, b.Authorize(alice, chain.RoleOracle))
	assert.NoError(t, b.Authorize(oracle, chain.RoleOracle))

	mt2.Set(mt.Now())
	tx, err := b.Begin(caller)
	require.NoError(t, err)
	assert.NoError(t, tx.TransferFrom(ledger.AssetBase, alice, b.Vault(ledger.AssetBase), 300))
}
