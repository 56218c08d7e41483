package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS signals`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendSignals(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_signals"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_signals"}, signalColumns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "signals" .* ON CONFLICT \("fingerprint"\) DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	a := adSignal("a", testEpoch)
	n, err := s.AppendSignals(context.Background(), []model.RawSignal{a, a, adSignal("b", testEpoch)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendSignals_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	n, err := s.AppendSignals(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadSignals(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	late := adSignal("late", testEpoch.Add(time.Hour))
	early := adSignal("early", testEpoch)
	mock.ExpectQuery(`SELECT data FROM signals ORDER BY observed_at, fingerprint`).
		WillReturnRows(pgxmock.NewRows([]string{"data"}).
			AddRow(mustJSON(t, late)).
			AddRow(mustJSON(t, early)))

	got, err := s.LoadSignals(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "early", got[0].PlatformEntityID)
	assert.Equal(t, late.Fingerprint(), got[1].Fingerprint())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveProfiles(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_profiles"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_profiles"}, profileColumns).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "profiles" .* ON CONFLICT \("id"\) DO UPDATE SET "entity_id" = EXCLUDED."entity_id"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.SaveProfiles(context.Background(), []model.ProspectProfile{testProfile("p1", "plumbing", "Toronto")})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteProfiles(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM profiles WHERE id = ANY\(\$1\)`).
		WithArgs([]string{"dom:acme.com", "name:toronto:acme"}).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	require.NoError(t, s.DeleteProfiles(context.Background(), []string{"dom:acme.com", "name:toronto:acme"}))
	require.NoError(t, s.DeleteProfiles(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListProfiles_Filter(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	p := testProfile("p1", "plumbing", "Toronto")
	mock.ExpectQuery(`SELECT data FROM profiles WHERE 1=1 AND vertical = \$1 AND geography = \$2 ORDER BY id LIMIT \$3 OFFSET \$4`).
		WithArgs("plumbing", "Toronto", 10, 20).
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(mustJSON(t, p)))

	got, err := s.ListProfiles(context.Background(), ProfileFilter{Vertical: "plumbing", Geography: "Toronto", Limit: 10, Offset: 20})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveBatch(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	b := testBatch("batch-1", testEpoch, 2)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO batches .* ON CONFLICT \(id\) DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"batch_leads"}, leadColumns).WillReturnResult(2)
	mock.ExpectCommit()

	require.NoError(t, s.SaveBatch(context.Background(), b))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveBatch_Exists(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO batches`).WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectRollback()

	err := s.SaveBatch(context.Background(), testBatch("batch-1", testEpoch, 1))
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrBatchExists))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetBatch_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM batches WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetBatch(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetBatch(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	b := testBatch("batch-1", testEpoch, 1)
	mock.ExpectQuery(`FROM batches WHERE id = \$1`).
		WithArgs("batch-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "as_of", "config_hash", "started_at", "completed_at", "partial", "lead_count", "diagnostics",
		}).AddRow("batch-1", b.AsOf, b.ConfigHash, b.StartedAt, b.CompletedAt, true, 1, mustJSON(t, b.Diagnostics)))
	mock.ExpectQuery(`SELECT data FROM batch_leads WHERE batch_id = \$1 ORDER BY rank`).
		WithArgs("batch-1").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(mustJSON(t, b.Leads[0])))

	got, err := s.GetBatch(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.ConfigHash)
	assert.True(t, got.Diagnostics.Partial)
	require.Len(t, got.Leads, 1)
	assert.Equal(t, model.TierP1, got.Leads[0].Tier)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListBatches(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM batches ORDER BY completed_at DESC, id LIMIT \$1`).
		WithArgs(5).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "as_of", "config_hash", "started_at", "completed_at", "partial", "lead_count", "diagnostics",
		}).
			AddRow("b2", testEpoch, "h", testEpoch, testEpoch.Add(time.Hour), false, 4, []byte(`{}`)).
			AddRow("b1", testEpoch, "h", testEpoch, testEpoch, true, 2, []byte(`{}`)))

	got, err := s.ListBatches(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b2", got[0].ID)
	assert.Equal(t, 4, got[0].LeadCount)
	assert.True(t, got[1].Partial)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Close(t *testing.T) {
	called := false
	s := &PostgresStore{closeFn: func() { called = true }}
	require.NoError(t, s.Close())
	assert.True(t, called)
}
