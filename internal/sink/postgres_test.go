package sink

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/crashetl/internal/core"
	"github.com/JonMunkholm/crashetl/internal/schema"
)

// openTestPostgres connects to TEST_DATABASE_URL or skips the test.
func openTestPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgres_UpsertMergesByKey(t *testing.T) {
	ctx := context.Background()
	pool := openTestPostgres(t)
	const table = "crash_data_test_upsert"
	_, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+quoteIdentifier(table))
	require.NoError(t, err)
	t.Cleanup(func() { pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+quoteIdentifier(table)) })

	pg := NewPostgres(pool)
	w, err := pg.Open(ctx, Target{ID: table}, schema.Extended.Fields(), schema.KeyField)
	require.NoError(t, err)
	assert.False(t, w.Cleared())

	require.NoError(t, w.Write(ctx, []core.Record{
		record(t, schema.Base, core.RawRecord{"crash_crn": "1", "speed_limit": "25"}),
		record(t, schema.Base, core.RawRecord{"crash_crn": "2", "dec_lat": "40.1"}),
	}))
	require.NoError(t, w.Write(ctx, []core.Record{
		record(t, schema.Extended, core.RawRecord{"crash_crn": "1", "speed_limit": "35", "tot_inj_count": "2"}),
	}))

	var n int
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM "+quoteIdentifier(table)).Scan(&n))
	assert.Equal(t, 2, n)

	var speed, injuries int64
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT "SPEED_LIMIT", "TOT_INJ_COUNT" FROM `+quoteIdentifier(table)+` WHERE "CRASH_CRN" = '1'`).Scan(&speed, &injuries))
	assert.Equal(t, int64(35), speed)
	assert.Equal(t, int64(2), injuries)
}

func TestPostgres_ClearExisting(t *testing.T) {
	ctx := context.Background()
	pool := openTestPostgres(t)
	const table = "crash_data_test_clear"
	_, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+quoteIdentifier(table))
	require.NoError(t, err)
	t.Cleanup(func() { pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+quoteIdentifier(table)) })

	pg := NewPostgres(pool)
	w, err := pg.Open(ctx, Target{ID: table, ClearExisting: true}, schema.Base.Fields(), schema.KeyField)
	require.NoError(t, err)
	assert.False(t, w.Cleared(), "new table has nothing to clear")
	require.NoError(t, w.Write(ctx, []core.Record{
		record(t, schema.Base, core.RawRecord{"crash_crn": "old"}),
	}))

	w, err = pg.Open(ctx, Target{ID: table, ClearExisting: true}, schema.Base.Fields(), schema.KeyField)
	require.NoError(t, err)
	assert.True(t, w.Cleared())

	var n int
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM "+quoteIdentifier(table)).Scan(&n))
	assert.Zero(t, n)
}
