package persistence

import (
	"CoverLedger/internal/core"
	"CoverLedger/internal/ledger"
	"CoverLedger/internal/state"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager stores engine snapshots and serves the event log back for replay.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the JSON form of core.SnapshotState (format_version 1).
type SnapshotData struct {
	Chain             string                     `json:"chain"`
	Sequence          int64                      `json:"sequence"`
	StateHash         []byte                     `json:"state_hash"`
	Balances          map[string]int64           `json:"balances"` // AccountPath -> balance
	Coverages         []*state.Coverage          `json:"coverages"`
	Claims            []*state.Claim             `json:"claims"`
	Pool              state.PoolState            `json:"pool"`
	Positions         []*state.LiquidityPosition `json:"positions"`
	NextCoverageIndex uint64                     `json:"next_coverage_index"`
	NextClaimIndex    uint64                     `json:"next_claim_index"`
	Adapter           []byte                     `json:"adapter"`
	IdempotencyKeys   []string                   `json:"idempotency_keys"` // Oldest first
	CreatedAt         time.Time                  `json:"created_at"`
}

const snapshotFormatVersion = 1

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// EncodeSnapshot converts an engine snapshot to its stored form.
func EncodeSnapshot(s *core.SnapshotState, at time.Time) *SnapshotData {
	data := &SnapshotData{
		Chain:             s.Chain,
		Sequence:          s.Sequence,
		StateHash:         append([]byte(nil), s.StateHash[:]...),
		Balances:          make(map[string]int64, len(s.Balances)),
		Coverages:         s.Coverages,
		Claims:            s.Claims,
		Pool:              s.Pool,
		Positions:         s.Positions,
		NextCoverageIndex: s.NextCoverageIndex,
		NextClaimIndex:    s.NextClaimIndex,
		Adapter:           s.Adapter,
		IdempotencyKeys:   s.IdempotencyKeys,
		CreatedAt:         at,
	}
	for key, bal := range s.Balances {
		data.Balances[key.AccountPath()] = bal
	}
	return data
}

// State is the inverse of EncodeSnapshot.
func (d *SnapshotData) State() (*core.SnapshotState, error) {
	if len(d.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot seq %d: state hash is %d bytes", d.Sequence, len(d.StateHash))
	}
	s := &core.SnapshotState{
		Chain:             d.Chain,
		Sequence:          d.Sequence,
		Balances:          make(map[ledger.AccountKey]int64, len(d.Balances)),
		Coverages:         d.Coverages,
		Claims:            d.Claims,
		Pool:              d.Pool,
		Positions:         d.Positions,
		NextCoverageIndex: d.NextCoverageIndex,
		NextClaimIndex:    d.NextClaimIndex,
		Adapter:           d.Adapter,
		IdempotencyKeys:   d.IdempotencyKeys,
	}
	copy(s.StateHash[:], d.StateHash)
	for path, bal := range d.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot seq %d: %w", d.Sequence, err)
		}
		s.Balances[key] = bal
	}
	return s, nil
}

// SaveSnapshot persists a snapshot unverified. VerifyPending promotes it once
// the event at its sequence is in the log with the same hash.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, chain, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
		ON CONFLICT (chain, sequence) DO UPDATE SET data = $4, state_hash = $5, size_bytes = $7
	`, uuid.New(), snap.Chain, snap.Sequence, data, snap.StateHash, snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// VerifyPending marks unverified snapshots whose state hash matches the
// logged envelope at the same sequence. Returns how many were verified.
func (sm *SnapshotManager) VerifyPending(ctx context.Context, chain string) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots s SET verified = TRUE
		FROM event_log.events e
		WHERE s.chain = $1 AND NOT s.verified
		  AND e.chain = s.chain AND e.sequence = s.sequence AND e.state_hash = s.state_hash
	`, chain)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context, chain string) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE chain = $1 AND verified = TRUE AND format_version = $2
		ORDER BY sequence DESC
		LIMIT 1
	`, chain, snapshotFormatVersion)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// LoadEventsFrom loads up to limit envelopes of chain starting at fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, chain string, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT chain, sequence, event_type, idempotency_key, caller, payload,
		       state_hash, prev_hash, block_time
		FROM event_log.events
		WHERE chain = $1 AND sequence >= $2
		ORDER BY sequence ASC
		LIMIT $3
	`, chain, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Chain, &e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Caller, &e.Payload,
			&e.StateHash, &e.PrevHash, &e.BlockTime,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest logged sequence of chain, 0 when empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context, chain string) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events WHERE chain = $1
	`, chain).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
