package persistence

import (
	"CoverLedger/internal/chain"
	"CoverLedger/internal/chain/evm"
	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/testutil"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a real Postgres: INTEGRATION_TEST=1 TEST_POSTGRES_DSN=...
func TestPostgres_PersistThenRecover(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, NewMigrator(db, testutil.MigrationsDir(), zerolog.Nop()).Up(ctx))

	persistChan := make(chan core.CoreOutput, 16)
	adapter, err := evm.New(evm.Config{ChainID: 31337, Admin: admin, Oracles: []string{oracle}, Time: chain.NewManualTime(genesis).Now})
	require.NoError(t, err)
	live := core.NewEngine(core.DefaultConfig(), adapter, persistChan, nil, NewPostgresIdempotencyChecker(db), nil)

	worker := NewPersistenceWorker(db, persistChan, 2, 5*time.Millisecond, nil, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	_, err = live.Apply(&event.MintToken{Meta: meta(live, "mint", admin), Asset: "BASE", Account: provider, Amount: 80_000})
	require.NoError(t, err)
	_, err = live.Apply(&event.ApproveToken{Meta: meta(live, "approve", provider), Asset: "BASE", Amount: 80_000})
	require.NoError(t, err)
	_, err = live.Apply(&event.AddLiquidity{Meta: meta(live, "deposit", provider), Amount: 80_000, PaymentToken: event.PaymentBase})
	require.NoError(t, err)

	close(persistChan)
	require.NoError(t, <-done)

	sm := NewSnapshotManager(db)
	head, err := sm.GetLatestSequence(ctx, "evm")
	require.NoError(t, err)
	assert.Equal(t, int64(3), head)

	dup, err := NewPostgresIdempotencyChecker(db).IsDuplicate("evm", "deposit")
	require.NoError(t, err)
	assert.True(t, dup)
	dup, err = NewPostgresIdempotencyChecker(db).IsDuplicate("solana", "deposit")
	require.NoError(t, err)
	assert.False(t, dup)

	restored := newEngine(t)
	stats, err := Recover(ctx, sm, restored, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, RecoveryStats{SnapshotSequence: 0, Replayed: 3, HeadSequence: 3}, stats)
	assert.Equal(t, live.GetStateHash(), restored.GetStateHash())
	assert.Equal(t, live.Pool(), restored.Pool())
}
