package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmindex/indexcore/internal/store"
)

// openTestStore connects to a scratch Postgres database named by
// INDEXCORE_TEST_POSTGRES_DSN, migrates it, and truncates the derived_entities
// table on cleanup. Skipped when the env var isn't set, since there's no
// embeddable Postgres to spin up in-process the way SQLite allows.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("INDEXCORE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("INDEXCORE_TEST_POSTGRES_DSN not set, skipping Postgres integration test")
	}
	st, err := Open(context.Background(), Config{ConnectionString: dsn})
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() {
		_, _ = st.pool.Exec(context.Background(), `TRUNCATE derived_entities`)
		st.Close()
	})
	return st
}

// TestPutDerivedEntity_RollbackRevivesPriorVersion covers scenario 6: a
// handler writes balance=100 at ts=600, then balance=150 at ts=700; a reorg
// back to ts=600 must delete the ts=700 version and make ts=600 live again.
func TestPutDerivedEntity_RollbackRevivesPriorVersion(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutDerivedEntity(ctx, store.DerivedEntityRow{
		EntityName: "account", ID: "0xabc", Data: []byte(`{"balance":100}`),
		ValidFrom: 600, ValidTo: store.ValidToInfinity,
	}))
	require.NoError(t, st.PutDerivedEntity(ctx, store.DerivedEntityRow{
		EntityName: "account", ID: "0xabc", Data: []byte(`{"balance":150}`),
		ValidFrom: 700, ValidTo: store.ValidToInfinity,
	}))

	row, found, err := st.GetDerivedEntity(ctx, "account", "0xabc")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"balance":150}`, string(row.Data))

	require.NoError(t, st.RollbackDerivedStore(ctx, 600))

	row, found, err = st.GetDerivedEntity(ctx, "account", "0xabc")
	require.NoError(t, err)
	require.True(t, found, "the ts=600 version must become live again after rolling back past ts=700")
	assert.JSONEq(t, `{"balance":100}`, string(row.Data))
	assert.Equal(t, uint64(600), row.ValidFrom)
	assert.Equal(t, store.ValidToInfinity, row.ValidTo)
}
