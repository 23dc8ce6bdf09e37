package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taovault/taovault/internal/domain"
	"github.com/taovault/taovault/internal/modules/accounting"
	testutil "github.com/taovault/taovault/internal/testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "data", "history.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func dp(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

func positionSnap(ts int64, taoValueMid string) PositionSnapshot {
	return PositionSnapshot{
		Wallet:       testutil.TestWallet,
		Netuid:       7,
		Timestamp:    ts,
		AlphaBalance: d("100"),
		TaoValueMid:  d(taoValueMid),
	}
}

func portfolioSnap(ts int64, navMid, navExec string) PortfolioSnapshot {
	return PortfolioSnapshot{
		Wallet:          testutil.TestWallet,
		Timestamp:       ts,
		NavMidTao:       d(navMid),
		NavExecTao:      d(navExec),
		PortfolioRegime: domain.RegimeNeutral,
		RegimeReason:    "flows balanced",
	}
}

func TestOpenCreatesNestedDirectory(t *testing.T) {
	store := newTestStore(t)

	assert.NotNil(t, store.Conn())
	assert.True(t, filepath.IsAbs(store.Path()))
	// The schema is live: a write must succeed immediately after Open.
	require.NoError(t, store.RecordPositionSnapshot(positionSnap(1000, "100")))
}

func TestPositionValueAtClosestOnOrBefore(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.RecordPositionSnapshot(positionSnap(1000, "100")))
	require.NoError(t, store.RecordPositionSnapshot(positionSnap(2000, "110")))
	neighbour := positionSnap(1500, "999")
	neighbour.Netuid = 9
	require.NoError(t, store.RecordPositionSnapshot(neighbour))

	value, at, err := store.PositionValueAt(testutil.TestWallet, 7, 1500)
	require.NoError(t, err)
	assert.True(t, value.Equal(d("100")))
	assert.Equal(t, int64(1000), at)

	// The boundary snapshot itself counts.
	value, at, err = store.PositionValueAt(testutil.TestWallet, 7, 2000)
	require.NoError(t, err)
	assert.True(t, value.Equal(d("110")))
	assert.Equal(t, int64(2000), at)
}

func TestPositionValueAtMissingSnapshot(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.RecordPositionSnapshot(positionSnap(1000, "100")))

	_, _, err := store.PositionValueAt(testutil.TestWallet, 7, 999)
	var missing *accounting.MissingSnapshotError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, int64(999), missing.At)
	assert.Equal(t, 7, missing.Netuid)
}

func TestPortfolioValueAtUsesExecNAV(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.RecordPortfolioSnapshot(portfolioSnap(1000, "105", "100")))

	value, at, err := store.PortfolioValueAt(testutil.TestWallet, 1500)
	require.NoError(t, err)
	assert.True(t, value.Equal(d("100")), "earnings anchor on the executable NAV, not mid")
	assert.Equal(t, int64(1000), at)

	_, _, err = store.PortfolioValueAt(testutil.TestWallet, 500)
	var missing *accounting.MissingSnapshotError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, accounting.PortfolioNetuid, missing.Netuid)
}

func TestSubnetSnapshotsImmutableAndFiltered(t *testing.T) {
	store := newTestStore(t)
	score := 0.72
	first := SubnetSnapshot{
		Netuid:           7,
		Timestamp:        1000,
		PoolTaoReserve:   d("5000"),
		PoolAlphaReserve: d("20000"),
		AlphaPriceTao:    dp("0.25"),
		EmissionShare:    0.04,
		HolderCount:      1200,
		Flow7d:           d("-35.5"),
		FlowRegime:       domain.RegimeRiskOff,
		ViabilityScore:   &score,
	}
	require.NoError(t, store.RecordSubnetSnapshot(first))

	// A replayed sync must not rewrite history.
	dup := first
	dup.PoolTaoReserve = d("9999")
	require.NoError(t, store.RecordSubnetSnapshot(dup))

	later := SubnetSnapshot{Netuid: 7, Timestamp: 2000,
		PoolTaoReserve: d("5100"), PoolAlphaReserve: d("20100"),
		Flow7d: d("12"), FlowRegime: domain.RegimeNeutral}
	require.NoError(t, store.RecordSubnetSnapshot(later))

	all, err := store.SubnetSnapshots(7, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[0].PoolTaoReserve.Equal(d("5000")), "duplicate timestamp must be ignored")
	require.NotNil(t, all[0].AlphaPriceTao)
	assert.True(t, all[0].AlphaPriceTao.Equal(d("0.25")))
	require.NotNil(t, all[0].ViabilityScore)
	assert.InDelta(t, 0.72, *all[0].ViabilityScore, 1e-12)
	assert.Equal(t, domain.RegimeRiskOff, all[0].FlowRegime)
	assert.Nil(t, all[1].AlphaPriceTao)
	assert.Nil(t, all[1].ViabilityScore)

	since, err := store.SubnetSnapshots(7, 1500)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, int64(2000), since[0].Timestamp)
}

func TestPruneKeepsNAVHistory(t *testing.T) {
	store := newTestStore(t)
	cutoff := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	old := cutoff.Add(-time.Hour).Unix()
	fresh := cutoff.Add(time.Hour).Unix()

	require.NoError(t, store.RecordPositionSnapshot(positionSnap(old, "100")))
	require.NoError(t, store.RecordPositionSnapshot(positionSnap(fresh, "110")))
	require.NoError(t, store.RecordPortfolioSnapshot(portfolioSnap(old, "105", "100")))
	oldSubnet := SubnetSnapshot{Netuid: 7, Timestamp: old,
		PoolTaoReserve: d("1"), PoolAlphaReserve: d("1"), Flow7d: d("0"),
		FlowRegime: domain.RegimeNeutral}
	require.NoError(t, store.RecordSubnetSnapshot(oldSubnet))

	// NAV written long before the cutoff must survive the prune.
	_, err := store.UpsertNAV(testutil.TestWallet, d("100"), d("98"),
		cutoff.AddDate(0, -6, 0))
	require.NoError(t, err)

	pruned, err := store.Prune(cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pruned)

	_, _, err = store.PositionValueAt(testutil.TestWallet, 7, fresh)
	assert.NoError(t, err, "snapshots after the cutoff stay")
	_, _, err = store.PositionValueAt(testutil.TestWallet, 7, old)
	assert.Error(t, err, "snapshots before the cutoff are gone")

	latest, err := store.LatestNAV(testutil.TestWallet)
	require.NoError(t, err)
	require.NotNil(t, latest, "the NAV series is exempt from pruning")
	assert.True(t, latest.CloseExec.Equal(d("98")))
}
