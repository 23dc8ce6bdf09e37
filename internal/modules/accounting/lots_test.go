package accounting

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taovault/taovault/internal/domain"
	"github.com/taovault/taovault/internal/modules/transaction"
	testutil "github.com/taovault/taovault/internal/testing"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func dp(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

// stake builds a successful stake of amountTao receiving alpha. A nil
// alpha leaves the lot deferred.
func stake(ts int64, amountTao string, alpha *decimal.Decimal) transaction.StakeTransaction {
	return transaction.StakeTransaction{
		ExtrinsicID: "stake",
		BlockNumber: ts / 12,
		Timestamp:   ts,
		Wallet:      testutil.TestWallet,
		Netuid:      7,
		Action:      domain.StakeActionStake,
		AmountTao:   d(amountTao),
		AlphaAmount: alpha,
		Success:     true,
	}
}

// unstake builds a successful unstake of alpha returning proceedsTao.
func unstake(ts int64, alpha *decimal.Decimal, proceedsTao string) transaction.StakeTransaction {
	return transaction.StakeTransaction{
		ExtrinsicID: "unstake",
		BlockNumber: ts / 12,
		Timestamp:   ts,
		Wallet:      testutil.TestWallet,
		Netuid:      7,
		Action:      domain.StakeActionUnstake,
		AmountTao:   d(proceedsTao),
		AlphaAmount: alpha,
		Success:     true,
	}
}

func reward(ts int64, alpha string) transaction.DelegationEvent {
	return transaction.DelegationEvent{
		EventID:     "reward",
		BlockNumber: ts / 12,
		Timestamp:   ts,
		Wallet:      testutil.TestWallet,
		Netuid:      7,
		Kind:        "REWARD",
		AlphaAmount: d(alpha),
	}
}

func TestReplayFIFORealizedGain(t *testing.T) {
	// Two buys at rising prices, then a partial exit at price 3: the
	// whole exit comes out of the oldest lot.
	txs := []transaction.StakeTransaction{
		stake(1000, "10", dp("10")), // 10 alpha @ 1.0
		stake(2000, "10", dp("5")),  // 5 alpha @ 2.0
		unstake(3000, dp("8"), "24"),
	}

	res := Replay(txs, nil, nil)

	assert.True(t, res.RealizedPnlTao.Equal(d("16")), "realized pnl = %s", res.RealizedPnlTao)
	assert.True(t, res.RealizedAlphaPnlTao.Equal(d("16")))
	assert.True(t, res.RealizedYieldTao.IsZero())

	require.Len(t, res.OpenLots, 2)
	assert.True(t, res.OpenLots[0].Alpha.Equal(d("2")))
	assert.True(t, res.OpenLots[0].EntryPrice.Equal(d("1")))
	assert.True(t, res.OpenLots[1].Alpha.Equal(d("5")))
	assert.True(t, res.OpenLots[1].EntryPrice.Equal(d("2")))

	// Unstakes measure at the cost of the consumed lots.
	assert.True(t, res.TotalStakedTao.Equal(d("20")))
	assert.True(t, res.TotalUnstakedTao.Equal(d("8")))
	assert.True(t, res.NetInvestedTao.Equal(d("12")))
	assert.True(t, res.CostBasis().Equal(d("12")))
}

func TestReplayNetInvestedIdentity(t *testing.T) {
	txs := []transaction.StakeTransaction{
		stake(1000, "100", dp("100")),
		stake(2000, "60", dp("40")),
		unstake(3000, dp("70"), "120"),
		stake(4000, "30", dp("15")),
		unstake(5000, dp("20"), "50"),
	}

	res := Replay(txs, nil, nil)

	assert.True(t, res.NetInvestedTao.Equal(res.TotalStakedTao.Sub(res.TotalUnstakedTao)),
		"net invested %s != staked %s - unstaked %s",
		res.NetInvestedTao, res.TotalStakedTao, res.TotalUnstakedTao)
	assert.True(t, res.RealizedPnlTao.Equal(res.RealizedYieldTao.Add(res.RealizedAlphaPnlTao)))
	// The surviving basis is exactly what was staked minus what left at cost.
	assert.True(t, res.CostBasis().Equal(res.NetInvestedTao))
}

func TestReplayEmissionConsumedFirst(t *testing.T) {
	// 10 purchased alpha at 1.0 plus 5 reward alpha. Unstaking 8 at
	// price 2 must drain the zero-cost emission before touching the lot.
	txs := []transaction.StakeTransaction{
		stake(1000, "10", dp("10")),
		unstake(3000, dp("8"), "16"),
	}
	rewards := []transaction.DelegationEvent{reward(2000, "5")}

	res := Replay(txs, rewards, nil)

	// 5 emission alpha × 2 proceeds = 10 yield; 3 purchased alpha
	// realize (2-1)×3 = 3 of alpha-price gain.
	assert.True(t, res.RealizedYieldTao.Equal(d("10")), "yield = %s", res.RealizedYieldTao)
	assert.True(t, res.RealizedYieldAlpha.Equal(d("5")))
	assert.True(t, res.RealizedAlphaPnlTao.Equal(d("3")))
	assert.True(t, res.EmissionHeld.IsZero())

	require.Len(t, res.OpenLots, 1)
	assert.True(t, res.OpenLots[0].Alpha.Equal(d("7")))
	assert.True(t, res.AlphaPurchased.Equal(d("7")))
}

func TestReplayEmissionHeldSurvives(t *testing.T) {
	txs := []transaction.StakeTransaction{stake(1000, "10", dp("10"))}
	rewards := []transaction.DelegationEvent{
		reward(2000, "1.5"),
		reward(3000, "0.5"),
	}

	res := Replay(txs, rewards, nil)

	assert.True(t, res.EmissionHeld.Equal(d("2")))
	assert.True(t, res.AlphaPurchased.Equal(d("10")))
	assert.True(t, res.RealizedYieldTao.IsZero())
}

func TestReplayIgnoresFailedAndNonRewardEvents(t *testing.T) {
	failed := stake(1000, "50", dp("50"))
	failed.Success = false
	undelegate := reward(2000, "5")
	undelegate.Kind = "UNDELEGATE"

	res := Replay([]transaction.StakeTransaction{failed}, []transaction.DelegationEvent{undelegate}, nil)

	assert.True(t, res.TotalStakedTao.IsZero())
	assert.True(t, res.EmissionHeld.IsZero())
	assert.Empty(t, res.OpenLots)
}

func TestReplayOrdersByTimestampThenBlock(t *testing.T) {
	// Supplied out of order: the unstake happens between the two stakes
	// and may only consume the first lot.
	txs := []transaction.StakeTransaction{
		stake(3000, "10", dp("5")), // price 2.0, after the exit
		unstake(2000, dp("4"), "6"),
		stake(1000, "10", dp("10")), // price 1.0, first
	}

	res := Replay(txs, nil, nil)

	// 4 alpha from the price-1.0 lot: cost 4, proceeds 6, gain 2.
	assert.True(t, res.RealizedAlphaPnlTao.Equal(d("2")), "gain = %s", res.RealizedAlphaPnlTao)
	require.Len(t, res.OpenLots, 2)
	assert.True(t, res.OpenLots[0].Alpha.Equal(d("6")))
	assert.True(t, res.OpenLots[1].Alpha.Equal(d("5")))
}

func TestReplayDeferredLotSkippedByUnstakes(t *testing.T) {
	// The second stake carried no limit price and is unresolved: its TAO
	// must stay in the basis and its (unknown) alpha must not be
	// consumed by the exit.
	txs := []transaction.StakeTransaction{
		stake(1000, "10", dp("10")),
		stake(2000, "6", nil), // deferred
		unstake(3000, dp("10"), "15"),
	}

	res := Replay(txs, nil, nil)

	assert.True(t, res.DeferredTao.Equal(d("6")))
	require.Len(t, res.OpenLots, 1)
	assert.True(t, res.OpenLots[0].Deferred)
	assert.True(t, res.OpenLots[0].TaoIn.Equal(d("6")))
	// The resolved lot was fully consumed; cost basis is the deferred TAO.
	assert.True(t, res.CostBasis().Equal(d("6")))
	assert.True(t, res.AlphaPurchased.IsZero())
}

func TestReplayUnstakeBeyondKnownSourcesIsYield(t *testing.T) {
	// Exit 12 alpha holding only a 10-alpha lot: the surplus 2 alpha has
	// no known origin and its proceeds land in yield.
	txs := []transaction.StakeTransaction{
		stake(1000, "10", dp("10")),
		unstake(2000, dp("12"), "24"),
	}

	res := Replay(txs, nil, nil)

	assert.True(t, res.RealizedYieldAlpha.Equal(d("2")))
	assert.True(t, res.RealizedYieldTao.Equal(d("4")))
	assert.Empty(t, res.OpenLots)
}

func TestReplayUnstakeAllWithoutAmounts(t *testing.T) {
	// unstake_all before the feed resolves amounts: everything held goes,
	// priced at cost, so no phantom gain is realized.
	all := transaction.StakeTransaction{
		ExtrinsicID: "unstake-all",
		BlockNumber: 250,
		Timestamp:   3000,
		Wallet:      testutil.TestWallet,
		Netuid:      7,
		Action:      domain.StakeActionUnstakeAll,
		AmountTao:   decimal.Zero,
		Success:     true,
	}
	txs := []transaction.StakeTransaction{
		stake(1000, "10", dp("10")),
		all,
	}
	rewards := []transaction.DelegationEvent{reward(2000, "5")}

	res := Replay(txs, rewards, nil)

	assert.Empty(t, res.OpenLots)
	assert.True(t, res.EmissionHeld.IsZero())
	assert.True(t, res.RealizedAlphaPnlTao.IsZero(), "cost-priced exit realizes nothing")
	assert.True(t, res.RealizedYieldTao.IsZero(), "emission priced at its own cost yields nothing")
	assert.True(t, res.RealizedPnlTao.IsZero())
	assert.True(t, res.NetInvestedTao.IsZero())
}

func TestReplayLimitPriceProceedsFallback(t *testing.T) {
	ex := unstake(2000, dp("5"), "0")
	ex.LimitPrice = dp("1.5")
	txs := []transaction.StakeTransaction{
		stake(1000, "10", dp("10")),
		ex,
	}

	res := Replay(txs, nil, nil)

	// Proceeds estimated at 5 × 1.5 = 7.5 against a cost of 5.
	assert.True(t, res.RealizedAlphaPnlTao.Equal(d("2.5")))
}

func TestReplayUSDAggregates(t *testing.T) {
	prices := map[string]decimal.Decimal{
		"1970-01-01": d("400"),
	}
	priceFn := func(date string) decimal.Decimal { return prices[date] }

	txs := []transaction.StakeTransaction{
		stake(1000, "10", dp("10")),
		unstake(2000, dp("4"), "8"),
	}

	res := Replay(txs, nil, priceFn)

	assert.True(t, res.TotalStakedUSD.Equal(d("4000")))
	// 4 alpha: proceeds 8 TAO vs cost 4 TAO -> +4 TAO × 400.
	assert.True(t, res.RealizedPnlUSD.Equal(d("1600")))
	require.Len(t, res.OpenLots, 1)
	assert.True(t, res.OpenLots[0].UsdIn.Equal(d("2400")), "usd basis shrinks pro-rata")
}

func TestReplayWeightedAverageAndEntryDate(t *testing.T) {
	txs := []transaction.StakeTransaction{
		stake(1000, "10", dp("10")),
		stake(2000, "10", dp("5")),
	}

	res := Replay(txs, nil, nil)

	require.NotNil(t, res.WeightedAvgEntryPrice)
	// 20 TAO for 15 alpha.
	assert.True(t, res.WeightedAvgEntryPrice.Round(6).Equal(d("1.333333")))
	assert.Equal(t, "1970-01-01", res.EntryDate)
}

func TestResolveDeferredAllocatesProRata(t *testing.T) {
	txs := []transaction.StakeTransaction{
		stake(1000, "6", nil),
		stake(2000, "3", nil),
	}
	res := Replay(txs, nil, nil)
	require.True(t, res.DeferredTao.Equal(d("9")))

	// Live balance implies 18 purchased alpha across the two lots, 2:1.
	res.ResolveDeferred(d("18"))

	assert.True(t, res.DeferredTao.IsZero())
	assert.True(t, res.AlphaPurchased.Equal(d("18")))
	require.Len(t, res.OpenLots, 2)
	assert.False(t, res.OpenLots[0].Deferred)
	assert.True(t, res.OpenLots[0].Alpha.Equal(d("12")))
	assert.True(t, res.OpenLots[1].Alpha.Equal(d("6")))
	require.NotNil(t, res.WeightedAvgEntryPrice)
	assert.True(t, res.WeightedAvgEntryPrice.Equal(d("0.5")))
}

func TestResolveDeferredNoopCases(t *testing.T) {
	// Nothing deferred.
	res := Replay([]transaction.StakeTransaction{stake(1000, "10", dp("10"))}, nil, nil)
	res.ResolveDeferred(d("10"))
	assert.True(t, res.AlphaPurchased.Equal(d("10")))

	// Deferred but the live balance implies no purchased alpha beyond
	// what is already accounted for.
	res = Replay([]transaction.StakeTransaction{stake(1000, "6", nil)}, nil, nil)
	res.ResolveDeferred(decimal.Zero)
	assert.True(t, res.DeferredTao.Equal(d("6")))
	require.Len(t, res.OpenLots, 1)
	assert.True(t, res.OpenLots[0].Deferred)
}
