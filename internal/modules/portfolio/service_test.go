package portfolio

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taovault/taovault/internal/clients/taostats"
	"github.com/taovault/taovault/internal/domain"
	"github.com/taovault/taovault/internal/modules/history"
	"github.com/taovault/taovault/internal/modules/position"
	"github.com/taovault/taovault/internal/modules/subnet"
	"github.com/taovault/taovault/internal/modules/transaction"
	testutil "github.com/taovault/taovault/internal/testing"
)

const testWallet = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	svc          *Service
	positions    *position.Repository
	subnets      *subnet.Repository
	transactions *transaction.Repository
	store        *history.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	treasuryDB, cleanupTreasury := testutil.NewTestDB(t, "treasury")
	t.Cleanup(cleanupTreasury)
	marketDB, cleanupMarket := testutil.NewTestDB(t, "market")
	t.Cleanup(cleanupMarket)

	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		positions:    position.NewRepository(treasuryDB.Conn(), zerolog.Nop()),
		subnets:      subnet.NewRepository(marketDB.Conn(), zerolog.Nop()),
		transactions: transaction.NewRepository(treasuryDB.Conn(), zerolog.Nop()),
		store:        store,
	}
	f.svc = NewService(f.positions, f.subnets, f.transactions, store, zerolog.Nop())
	return f
}

func (f *fixture) seedPosition(t *testing.T, netuid int, taoValue string) {
	t.Helper()
	require.NoError(t, f.positions.UpsertBalance(position.BalanceUpdate{
		Wallet:       testWallet,
		Netuid:       netuid,
		Hotkey:       "5Hotkey",
		AlphaBalance: d("10"),
		TaoValueMid:  d(taoValue),
	}))
}

func (f *fixture) seedSubnet(t *testing.T, netuid int, regime domain.FlowRegime) {
	t.Helper()
	require.NoError(t, f.subnets.UpsertPool(taostats.PoolLatest{
		Netuid:       netuid,
		Name:         "test",
		Symbol:       "TST",
		TaoReserve:   d("1000"),
		AlphaReserve: d("5000"),
	}))
	require.NoError(t, f.subnets.UpdateRegime(netuid, regime, time.Now().Unix(), nil, 0))
}

func TestSnapshotAggregatesAllocationBuckets(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	f.seedPosition(t, domain.RootNetuid, "100")
	f.seedPosition(t, 7, "50")
	f.seedSubnet(t, 7, domain.RegimeNeutral)
	f.seedPosition(t, 9, "30")
	f.seedSubnet(t, 9, domain.RegimeNeutral)

	// Subnet 7 has an executable value from the slippage pass; subnet 9
	// falls back to mid.
	require.NoError(t, f.positions.UpdateExecValues(testWallet, 7, d("24.5"), d("48")))

	snap, err := f.svc.Snapshot(testWallet, now)
	require.NoError(t, err)

	assert.True(t, snap.NavMidTao.Equal(d("180")), "nav mid %s", snap.NavMidTao)
	assert.True(t, snap.NavExecTao.Equal(d("178")), "nav exec %s", snap.NavExecTao)
	assert.True(t, snap.RootValueTao.Equal(d("100")))
	assert.True(t, snap.SubnetValueTao.Equal(d("80")))
	assert.True(t, snap.BufferValueTao.IsZero())
	assert.Equal(t, domain.RegimeNeutral, snap.PortfolioRegime)

	// The portfolio and per-position snapshots are queryable afterwards.
	nav, _, err := f.store.PortfolioValueAt(testWallet, now.Unix())
	require.NoError(t, err)
	assert.True(t, nav.Equal(d("178")))

	value, at, err := f.store.PositionValueAt(testWallet, 7, now.Unix())
	require.NoError(t, err)
	assert.True(t, value.Equal(d("50")))
	assert.Equal(t, now.Unix(), at)
}

func TestSnapshotRegimeRollupFlagsDeadValue(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	// Root dominates the book but is excluded from the rollup: value in a
	// dead subnet still forces risk_off.
	f.seedPosition(t, domain.RootNetuid, "900")
	f.seedPosition(t, 7, "50")
	f.seedSubnet(t, 7, domain.RegimeDead)
	f.seedPosition(t, 9, "50")
	f.seedSubnet(t, 9, domain.RegimeRiskOn)

	snap, err := f.svc.Snapshot(testWallet, now)
	require.NoError(t, err)
	assert.Equal(t, domain.RegimeRiskOff, snap.PortfolioRegime)
	assert.Contains(t, snap.RegimeReason, "subnet 7")
}

func TestSnapshotUnknownSubnetCountsNeutral(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	// No subnets row yet for netuid 21; the position still aggregates.
	f.seedPosition(t, 21, "40")

	snap, err := f.svc.Snapshot(testWallet, now)
	require.NoError(t, err)
	assert.True(t, snap.NavMidTao.Equal(d("40")))
	assert.Equal(t, domain.RegimeNeutral, snap.PortfolioRegime)
}

func TestSnapshotTurnover(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	f.seedPosition(t, 7, "100")
	f.seedSubnet(t, 7, domain.RegimeNeutral)

	insert := func(id string, ts time.Time, action domain.StakeAction, amount string) {
		t.Helper()
		_, err := f.transactions.InsertIgnore(&transaction.StakeTransaction{
			ExtrinsicID: id,
			BlockNumber: ts.Unix(),
			Timestamp:   ts.Unix(),
			Wallet:      testWallet,
			Netuid:      7,
			Action:      action,
			AmountTao:   d(amount),
			FeeTao:      decimal.Zero,
			Success:     true,
		})
		require.NoError(t, err)
	}
	insert("0001-1", now.Add(-10*24*time.Hour), domain.StakeActionStake, "30")
	insert("0002-1", now.Add(-5*24*time.Hour), domain.StakeActionUnstake, "20")
	// Outside the 30-day window: ignored.
	insert("0003-1", now.Add(-45*24*time.Hour), domain.StakeActionStake, "500")

	snap, err := f.svc.Snapshot(testWallet, now)
	require.NoError(t, err)
	require.NotNil(t, snap.Turnover30d)
	assert.True(t, snap.Turnover30d.Equal(d("0.5")), "turnover %s", snap.Turnover30d)
}

func TestSnapshotEmptyWallet(t *testing.T) {
	f := newFixture(t)
	snap, err := f.svc.Snapshot(testWallet, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, snap.NavMidTao.IsZero())
	assert.True(t, snap.NavExecTao.IsZero())
	assert.Nil(t, snap.Turnover30d)
	assert.Equal(t, domain.RegimeNeutral, snap.PortfolioRegime)
	assert.Empty(t, snap.RegimeReason)
}
