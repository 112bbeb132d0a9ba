package evm_test

import (
	"CoverLedger/internal/chain"
	"CoverLedger/internal/chain/evm"
	"CoverLedger/internal/errs"
	"CoverLedger/internal/ledger"
	"crypto/ecdsa"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	admin  = "0x00000000000000000000000000000000000000aA"
	oracle = "0x00000000000000000000000000000000000000b0"
	alice  = "0x00000000000000000000000000000000000000C1"
)

func newAdapter(t *testing.T) (*evm.Adapter, *chain.ManualTime) {
	t.Helper()
	mt := chain.NewManualTime(time.Unix(1_700_000_000, 500_000_000))
	a, err := evm.New(evm.Config{ChainID: 31337, Admin: admin, Oracles: []string{oracle}, Time: mt.Now})
	require.NoError(t, err)
	return a, mt
}

func TestParseAccount_Checksums(t *testing.T) {
	a, _ := newAdapter(t)

	got, err := a.ParseAccount(strings.ToLower(alice))
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(alice).Hex(), got)
	assert.True(t, common.IsHexAddress(got))

	_, err = a.ParseAccount("not-an-address")
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	_, err = a.ParseAccount("0x0000000000000000000000000000000000000000")
	assert.Error(t, err)
}

func TestNow_WholeSeconds(t *testing.T) {
	a, _ := newAdapter(t)
	assert.Equal(t, int64(1_700_000_000), a.Now().Unix())
	assert.Equal(t, 0, a.Now().Nanosecond())
}

func TestAuthorize_OracleRole(t *testing.T) {
	a, _ := newAdapter(t)

	assert.NoError(t, a.Authorize(oracle, chain.RoleOracle))
	err := a.Authorize(alice, chain.RoleOracle)
	assert.Equal(t, errs.KindAuthorization, errs.KindOf(err))
	assert.Contains(t, err.Error(), evm.OracleRole.Hex())

	assert.Error(t, a.GrantRole(alice, alice, chain.RoleOracle), "non-admin cannot grant")
	require.NoError(t, a.GrantRole(admin, alice, chain.RoleOracle))
	assert.NoError(t, a.Authorize(alice, chain.RoleOracle))
}

func TestDeriveID_Incrementing(t *testing.T) {
	a, _ := newAdapter(t)
	id, err := a.DeriveID(chain.IDCoverage, alice, 1)
	require.NoError(t, err)
	assert.Equal(t, "1", id)

	id, _ = a.DeriveID(chain.IDClaim, alice, 42)
	assert.Equal(t, "42", id)

	_, err = a.DeriveID(chain.IDClaim, alice, 0)
	assert.Error(t, err)
}

func TestNonces_ConsumedOnCommitOnly(t *testing.T) {
	a, _ := newAdapter(t)

	caller := a.PrepareCaller(alice)
	assert.Equal(t, uint64(0), caller.Nonce)

	tx, err := a.Begin(caller)
	require.NoError(t, err)
	tx.Rollback()

	// Rolled back: same nonce is still valid
	tx, err = a.Begin(caller)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	_, err = a.Begin(caller)
	assert.Equal(t, "nonce_too_low", errs.CodeOf(err))

	caller.Nonce = 5
	_, err = a.Begin(caller)
	assert.Equal(t, "nonce_too_high", errs.CodeOf(err))

	assert.Equal(t, uint64(1), a.PrepareCaller(alice).Nonce)
}

func TestTransferFrom_RequiresAllowance(t *testing.T) {
	a, _ := newAdapter(t)
	vault := a.Vault(ledger.AssetBase)
	require.NoError(t, a.Mint(ledger.AssetBase, alice, 1_000))

	tx, err := a.Begin(a.PrepareCaller(alice))
	require.NoError(t, err)
	err = tx.TransferFrom(ledger.AssetBase, alice, vault, 600)
	assert.Equal(t, errs.KindInsufficientFunds, errs.KindOf(err))
	tx.Rollback()

	require.NoError(t, a.Approve(ledger.AssetBase, alice, 1_000))
	tx, err = a.Begin(a.PrepareCaller(alice))
	require.NoError(t, err)
	require.NoError(t, tx.TransferFrom(ledger.AssetBase, alice, vault, 600))
	// Staged transfers count against the balance
	err = tx.TransferFrom(ledger.AssetBase, alice, vault, 600)
	assert.Equal(t, errs.KindInsufficientFunds, errs.KindOf(err))

	// Nothing moves before commit
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

func signPersonal(t *testing.T, key *ecdsa.PrivateKey, msg []byte) []byte {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash(msg), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	return sig
}

func TestVerifySignature_PersonalSign(t *testing.T) {
	a, _ := newAdapter(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey).Hex()

	msg := []byte(`{"coverage_id":"1"}`)
	sig := signPersonal(t, key, msg)

	assert.NoError(t, a.VerifySignature(signer, msg, sig))
	assert.Error(t, a.VerifySignature(alice, msg, sig))
	assert.Error(t, a.VerifySignature(signer, []byte("tampered"), sig))
	assert.Error(t, a.VerifySignature(signer, msg, sig[:10]))
}

func TestExportRestore(t *testing.T) {
	a, _ := newAdapter(t)
	require.NoError(t, a.Mint(ledger.AssetBase, alice, 1_000))
	require.NoError(t, a.Approve(ledger.AssetBase, alice, 300))
	require.NoError(t, a.GrantRole(admin, alice, chain.RoleOracle))
	tx, _ := a.Begin(a.PrepareCaller(alice))
	require.NoError(t, tx.Commit())

	data, err := a.Export()
	require.NoError(t, err)

	b, _ := newAdapter(t)
	require.NoError(t, b.Restore(data))

	assert.Equal(t, int64(1_000), b.BalanceOf(ledger.AssetBase, alice))
	assert.Equal(t, uint64(1), b.PrepareCaller(alice).Nonce)
	assert.NoError(t, b.Authorize(alice, chain.RoleOracle))

	// Restored allowance is usable
	tx, err = b.Begin(b.PrepareCaller(alice))
	require.NoError(t, err)
	assert.NoError(t, tx.TransferFrom(ledger.AssetBase, alice, b.Vault(ledger.AssetBase), 300))
}
