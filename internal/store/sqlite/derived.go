package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/russross/meddler"

	"github.com/evmindex/indexcore/internal/store"
)

func (s *Store) GetCheckpoint(ctx context.Context, network string) (store.Checkpoint, error) {
	var row dbCheckpoint
	err := meddler.QueryRow(s.db, &row, `SELECT * FROM network_checkpoints WHERE network = ?`, network)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Checkpoint{Network: network}, nil
	}
	if err != nil {
		return store.Checkpoint{}, err
	}
	return row.toStore(), nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO network_checkpoints
		(network, chain_id, historical_checkpoint, realtime_checkpoint, finality_checkpoint, is_historical_sync_complete)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(network) DO UPDATE SET
			chain_id = excluded.chain_id,
			historical_checkpoint = excluded.historical_checkpoint,
			realtime_checkpoint = excluded.realtime_checkpoint,
			finality_checkpoint = excluded.finality_checkpoint,
			is_historical_sync_complete = excluded.is_historical_sync_complete`,
		cp.Network, cp.ChainID, cp.HistoricalCheckpoint, cp.RealtimeCheckpoint, cp.FinalityCheckpoint, cp.IsHistoricalSyncComplete)
	return err
}

// GetDerivedEntity returns the live version of (entityName, id): the row with
// validTo == ValidToInfinity, per the Derived Store's versioning invariant.
func (s *Store) GetDerivedEntity(ctx context.Context, entityName, id string) (store.DerivedEntityRow, bool, error) {
	var row dbDerivedEntity
	err := meddler.QueryRow(s.db, &row, `SELECT * FROM derived_entities WHERE entity_name = ? AND id = ? AND valid_to = ?`,
		entityName, id, store.ValidToInfinity)
	if errors.Is(err, sql.ErrNoRows) {
		return store.DerivedEntityRow{}, false, nil
	}
	if err != nil {
		return store.DerivedEntityRow{}, false, err
	}
	return row.toStore(), true, nil
}

// PutDerivedEntity closes out the current live row (setting its validTo to
// row.ValidFrom) and inserts row as the new live version, so the table keeps
// a full history usable by RollbackDerivedStore.
func (s *Store) PutDerivedEntity(ctx context.Context, row store.DerivedEntityRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollbackOnErr(tx, &err)

	if err = putDerivedEntityTx(ctx, tx, row); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

func putDerivedEntityTx(ctx context.Context, tx *sql.Tx, row store.DerivedEntityRow) error {
	if _, err := tx.ExecContext(ctx, `UPDATE derived_entities SET valid_to = ? WHERE entity_name = ? AND id = ? AND valid_to = ?`,
		row.ValidFrom, row.EntityName, row.ID, store.ValidToInfinity); err != nil {
		return err
	}
	validTo := row.ValidTo
	if validTo == 0 {
		validTo = store.ValidToInfinity
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO derived_entities (entity_name, id, data, valid_from, valid_to) VALUES (?, ?, ?, ?, ?)`,
		row.EntityName, row.ID, row.Data, row.ValidFrom, validTo)
	return err
}

// RollbackDerivedStore discards every version whose validFrom is strictly
// after toTimestamp, and reopens (sets validTo back to ValidToInfinity on)
// whichever surviving version was live at that moment, implementing the
// reorg-rollback side of the Derived Store contract.
func (s *Store) RollbackDerivedStore(ctx context.Context, toTimestamp uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollbackOnErr(tx, &err)

	if _, err = tx.ExecContext(ctx, `DELETE FROM derived_entities WHERE valid_from > ?`, toTimestamp); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE derived_entities SET valid_to = ? WHERE valid_to > ? AND valid_to < ?`,
		store.ValidToInfinity, toTimestamp, store.ValidToInfinity); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

func (s *Store) ResetDerivedStore(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM derived_entities`)
	return err
}

func (s *Store) BeginDerived(ctx context.Context) (store.DerivedTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin derived tx: %w", err)
	}
	return &derivedTx{tx: tx, ctx: ctx}, nil
}

// derivedTx lets a Handler batch several derived-entity reads and writes
// inside one SQLite transaction, so a handler's reaction to one log is
// atomic even when it touches several entities.
type derivedTx struct {
	tx  *sql.Tx
	ctx context.Context
}

func (d *derivedTx) Get(ctx context.Context, entityName, id string) (store.DerivedEntityRow, bool, error) {
	var row dbDerivedEntity
	err := meddler.QueryRow(d.tx, &row, `SELECT * FROM derived_entities WHERE entity_name = ? AND id = ? AND valid_to = ?`,
		entityName, id, store.ValidToInfinity)
	if errors.Is(err, sql.ErrNoRows) {
		return store.DerivedEntityRow{}, false, nil
	}
	if err != nil {
		return store.DerivedEntityRow{}, false, err
	}
	return row.toStore(), true, nil
}

func (d *derivedTx) Put(ctx context.Context, row store.DerivedEntityRow) error {
	return putDerivedEntityTx(ctx, d.tx, row)
}

func (d *derivedTx) Commit(ctx context.Context) error {
	return d.tx.Commit()
}

func (d *derivedTx) Rollback(ctx context.Context) error {
	return d.tx.Rollback()
}
