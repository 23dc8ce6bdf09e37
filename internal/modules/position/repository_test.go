package position

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taovault/taovault/internal/domain"
	testutil "github.com/taovault/taovault/internal/testing"
)

const testWallet = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"

func newPositionRepo(t *testing.T) *Repository {
	t.Helper()
	db, cleanup := testutil.NewTestDB(t, "treasury")
	t.Cleanup(cleanup)
	return NewRepository(db.Conn(), zerolog.Nop())
}

func TestUpsertBalancePreservesAccountingFields(t *testing.T) {
	repo := newPositionRepo(t)

	require.NoError(t, repo.UpsertBalance(BalanceUpdate{
		Wallet: testWallet, Netuid: 7, Hotkey: "hk1",
		AlphaBalance: d("100"), TaoValueMid: d("150"),
	}))

	entry := d("1.5")
	cost := d("150")
	require.NoError(t, repo.UpdateAccounting(testWallet, 7, AccountingUpdate{
		AlphaPurchased: d("100"),
		EntryPrice:     &entry,
		EntryDate:      "2026-01-10",
		CostBasisTao:   &cost,
		RealizedPnlTao: d("3"),
	}))

	// A later balance refresh must not clobber accounting.
	require.NoError(t, repo.UpsertBalance(BalanceUpdate{
		Wallet: testWallet, Netuid: 7, Hotkey: "hk2",
		AlphaBalance: d("110"), TaoValueMid: d("170"),
	}))

	p, err := repo.Get(testWallet, 7)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "hk2", p.Hotkey)
	assert.True(t, p.AlphaBalance.Equal(d("110")))
	assert.True(t, p.TaoValueMid.Equal(d("170")))
	require.NotNil(t, p.CostBasisTao)
	assert.True(t, p.CostBasisTao.Equal(d("150")))
	assert.Equal(t, "2026-01-10", p.EntryDate)
	assert.True(t, p.RealizedPnlTao.Equal(d("3")))
}

func TestZeroBalanceKeepsCostBasisRow(t *testing.T) {
	repo := newPositionRepo(t)

	require.NoError(t, repo.UpsertBalance(BalanceUpdate{
		Wallet: testWallet, Netuid: 7, Hotkey: "hk1",
		AlphaBalance: d("100"), TaoValueMid: d("150"),
	}))
	cost := d("120")
	require.NoError(t, repo.UpdateAccounting(testWallet, 7, AccountingUpdate{
		AlphaPurchased: d("100"), CostBasisTao: &cost, RealizedPnlTao: d("9"),
	}))
	require.NoError(t, repo.UpdateUnrealized(testWallet, 7, Decomposition{
		UnrealizedPnlTao: d("30"), UnrealizedYieldTao: d("10"), UnrealizedAlphaPnlTao: d("20"),
	}))

	require.NoError(t, repo.ZeroBalance(testWallet, 7))

	p, err := repo.Get(testWallet, 7)
	require.NoError(t, err)
	require.NotNil(t, p, "row survives soft delete")
	assert.False(t, p.IsActive())
	assert.True(t, p.UnrealizedPnlTao.IsZero())
	assert.True(t, p.UnrealizedYieldTao.IsZero())
	assert.True(t, p.UnrealizedAlphaPnlTao.IsZero())
	assert.Nil(t, p.TaoValueExecHalf)
	// Realized history survives.
	assert.True(t, p.RealizedPnlTao.Equal(d("9")))
	require.NotNil(t, p.CostBasisTao)
	assert.True(t, p.CostBasisTao.Equal(d("120")))
}

func TestGetActiveByWalletFiltersZeroed(t *testing.T) {
	repo := newPositionRepo(t)

	require.NoError(t, repo.UpsertBalance(BalanceUpdate{
		Wallet: testWallet, Netuid: 1, AlphaBalance: d("5"), TaoValueMid: d("5"),
	}))
	require.NoError(t, repo.UpsertBalance(BalanceUpdate{
		Wallet: testWallet, Netuid: 2, AlphaBalance: d("8"), TaoValueMid: d("8"),
	}))
	require.NoError(t, repo.ZeroBalance(testWallet, 1))

	active, err := repo.GetActiveByWallet(testWallet)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 2, active[0].Netuid)

	all, err := repo.GetByWallet(testWallet)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUpdateExecValuesAndAction(t *testing.T) {
	repo := newPositionRepo(t)

	require.NoError(t, repo.UpsertBalance(BalanceUpdate{
		Wallet: testWallet, Netuid: 3, AlphaBalance: d("10"), TaoValueMid: d("100"),
	}))
	require.NoError(t, repo.UpdateExecValues(testWallet, 3, d("98.5"), d("97")))
	require.NoError(t, repo.UpdateRecommendedAction(testWallet, 3, domain.ActionTrim))

	p, err := repo.Get(testWallet, 3)
	require.NoError(t, err)
	require.NotNil(t, p.TaoValueExecHalf)
	assert.True(t, p.TaoValueExecHalf.Equal(d("98.5")))
	require.NotNil(t, p.TaoValueExecFull)
	assert.True(t, p.TaoValueExecFull.Equal(d("97")))
	assert.Equal(t, domain.ActionTrim, p.RecommendedAction)
}

func TestDistinctHotkeyNetuids(t *testing.T) {
	repo := newPositionRepo(t)

	require.NoError(t, repo.UpsertBalance(BalanceUpdate{
		Wallet: testWallet, Netuid: 1, Hotkey: "hkA", AlphaBalance: d("5"), TaoValueMid: d("5"),
	}))
	require.NoError(t, repo.UpsertBalance(BalanceUpdate{
		Wallet: testWallet, Netuid: 2, Hotkey: "hkA", AlphaBalance: d("5"), TaoValueMid: d("5"),
	}))
	require.NoError(t, repo.UpsertBalance(BalanceUpdate{
		Wallet: testWallet, Netuid: 3, Hotkey: "", AlphaBalance: d("5"), TaoValueMid: d("5"),
	}))

	pairs, err := repo.DistinctHotkeyNetuids(testWallet)
	require.NoError(t, err)
	require.Len(t, pairs, 2, "empty hotkeys are skipped")
	assert.Equal(t, HotkeyNetuid{Hotkey: "hkA", Netuid: 1}, pairs[0])
	assert.Equal(t, HotkeyNetuid{Hotkey: "hkA", Netuid: 2}, pairs[1])
}
