package syncstatus

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testutil "github.com/taovault/taovault/internal/testing"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, cleanup := testutil.NewTestDB(t, "treasury")
	t.Cleanup(cleanup)
	return NewRepository(db.Conn(), zerolog.Nop())
}

func TestRecordSuccessResetsFailureStreak(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.RecordFailure(DatasetPools, errors.New("timeout")))
	require.NoError(t, repo.RecordFailure(DatasetPools, errors.New("timeout")))

	s, err := repo.Get(DatasetPools)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, 2, s.ConsecutiveFailures)
	assert.Equal(t, "timeout", s.LastError)
	assert.Zero(t, s.LastSuccess)

	require.NoError(t, repo.RecordSuccess(DatasetPools, 42))

	s, err = repo.Get(DatasetPools)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, 0, s.ConsecutiveFailures)
	assert.Empty(t, s.LastError)
	assert.Equal(t, 42, s.RecordsLastSync)
	assert.NotZero(t, s.LastSuccess)
}

func TestFailureKeepsLastSuccess(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.RecordSuccess(DatasetStakeBalances, 10))
	before, err := repo.Get(DatasetStakeBalances)
	require.NoError(t, err)

	require.NoError(t, repo.RecordFailure(DatasetStakeBalances, errors.New("HTTP 502")))

	after, err := repo.Get(DatasetStakeBalances)
	require.NoError(t, err)
	assert.Equal(t, before.LastSuccess, after.LastSuccess)
	assert.Equal(t, before.RecordsLastSync, after.RecordsLastSync)
	assert.Equal(t, 1, after.ConsecutiveFailures)
	assert.Equal(t, "HTTP 502", after.LastError)
}

func TestGetUnknownDatasetReturnsNil(t *testing.T) {
	repo := newTestRepo(t)

	s, err := repo.Get("nonexistent")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestGetAllOrdersByDataset(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.RecordSuccess(DatasetValidators, 5))
	require.NoError(t, repo.RecordSuccess(DatasetPools, 7))

	all, err := repo.GetAll()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, DatasetPools, all[0].Dataset)
	assert.Equal(t, DatasetValidators, all[1].Dataset)
}
