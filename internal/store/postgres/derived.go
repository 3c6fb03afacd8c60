package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/evmindex/indexcore/internal/store"
)

func (s *Store) GetCheckpoint(ctx context.Context, network string) (store.Checkpoint, error) {
	var cp store.Checkpoint
	err := s.pool.QueryRow(ctx, `SELECT network, chain_id, historical_checkpoint, realtime_checkpoint, finality_checkpoint, is_historical_sync_complete FROM network_checkpoints WHERE network = $1`, network).
		Scan(&cp.Network, &cp.ChainID, &cp.HistoricalCheckpoint, &cp.RealtimeCheckpoint, &cp.FinalityCheckpoint, &cp.IsHistoricalSyncComplete)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Checkpoint{Network: network}, nil
	}
	if err != nil {
		return store.Checkpoint{}, err
	}
	return cp, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO network_checkpoints
		(network, chain_id, historical_checkpoint, realtime_checkpoint, finality_checkpoint, is_historical_sync_complete)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (network) DO UPDATE SET
			chain_id = EXCLUDED.chain_id,
			historical_checkpoint = EXCLUDED.historical_checkpoint,
			realtime_checkpoint = EXCLUDED.realtime_checkpoint,
			finality_checkpoint = EXCLUDED.finality_checkpoint,
			is_historical_sync_complete = EXCLUDED.is_historical_sync_complete`,
		cp.Network, cp.ChainID, cp.HistoricalCheckpoint, cp.RealtimeCheckpoint, cp.FinalityCheckpoint, cp.IsHistoricalSyncComplete)
	return err
}

func (s *Store) GetDerivedEntity(ctx context.Context, entityName, id string) (store.DerivedEntityRow, bool, error) {
	return getDerivedEntity(ctx, s.pool, entityName, id)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so
// getDerivedEntity works identically inside and outside a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func getDerivedEntity(ctx context.Context, q querier, entityName, id string) (store.DerivedEntityRow, bool, error) {
	var row store.DerivedEntityRow
	err := q.QueryRow(ctx, `SELECT entity_name, id, data, valid_from, valid_to FROM derived_entities WHERE entity_name = $1 AND id = $2 AND valid_to = $3`,
		entityName, id, store.ValidToInfinity).Scan(&row.EntityName, &row.ID, &row.Data, &row.ValidFrom, &row.ValidTo)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.DerivedEntityRow{}, false, nil
	}
	if err != nil {
		return store.DerivedEntityRow{}, false, err
	}
	return row, true, nil
}

func (s *Store) PutDerivedEntity(ctx context.Context, row store.DerivedEntityRow) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer rollbackOnErr(ctx, tx, &err)

	if err = putDerivedEntityTx(ctx, tx, row); err != nil {
		return err
	}
	err = tx.Commit(ctx)
	return err
}

func putDerivedEntityTx(ctx context.Context, tx pgx.Tx, row store.DerivedEntityRow) error {
	if _, err := tx.Exec(ctx, `UPDATE derived_entities SET valid_to = $1 WHERE entity_name = $2 AND id = $3 AND valid_to = $4`,
		row.ValidFrom, row.EntityName, row.ID, store.ValidToInfinity); err != nil {
		return err
	}
	validTo := row.ValidTo
	if validTo == 0 {
		validTo = store.ValidToInfinity
	}
	_, err := tx.Exec(ctx, `INSERT INTO derived_entities (entity_name, id, data, valid_from, valid_to) VALUES ($1,$2,$3,$4,$5)`,
		row.EntityName, row.ID, row.Data, row.ValidFrom, validTo)
	return err
}

func (s *Store) RollbackDerivedStore(ctx context.Context, toTimestamp uint64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer rollbackOnErr(ctx, tx, &err)

	if _, err = tx.Exec(ctx, `DELETE FROM derived_entities WHERE valid_from > $1`, toTimestamp); err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, `UPDATE derived_entities SET valid_to = $1 WHERE valid_to > $2 AND valid_to < $3`,
		store.ValidToInfinity, toTimestamp, store.ValidToInfinity); err != nil {
		return err
	}
	err = tx.Commit(ctx)
	return err
}

func (s *Store) ResetDerivedStore(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM derived_entities`)
	return err
}

func (s *Store) BeginDerived(ctx context.Context) (store.DerivedTx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &derivedTx{tx: tx}, nil
}

// derivedTx lets a Handler batch several derived-entity reads and writes
// inside one Postgres transaction, so a handler's reaction to one log is
// atomic even when it touches several entities.
type derivedTx struct {
	tx pgx.Tx
}

func (d *derivedTx) Get(ctx context.Context, entityName, id string) (store.DerivedEntityRow, bool, error) {
	return getDerivedEntity(ctx, d.tx, entityName, id)
}

func (d *derivedTx) Put(ctx context.Context, row store.DerivedEntityRow) error {
	return putDerivedEntityTx(ctx, d.tx, row)
}

func (d *derivedTx) Commit(ctx context.Context) error {
	return d.tx.Commit(ctx)
}

func (d *derivedTx) Rollback(ctx context.Context) error {
	return d.tx.Rollback(ctx)
}
