package strategy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taovault/taovault/internal/clients/taostats"
	"github.com/taovault/taovault/internal/domain"
	"github.com/taovault/taovault/internal/modules/position"
	"github.com/taovault/taovault/internal/modules/reconciliation"
	"github.com/taovault/taovault/internal/modules/settings"
	"github.com/taovault/taovault/internal/modules/slippage"
	"github.com/taovault/taovault/internal/modules/subnet"
	"github.com/taovault/taovault/internal/modules/syncstatus"
	"github.com/taovault/taovault/internal/modules/trust"
	testutil "github.com/taovault/taovault/internal/testing"
)

const testWallet = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	planner   *Planner
	repo      *Repository
	positions *position.Repository
	subnets   *subnet.Repository
	syncs     *syncstatus.Repository
	runs      *reconciliation.Repository
}

// failingClient points at a server that always 500s, so live slippage
// quotes fall through to the conservative default instead of hanging.
func failingClient(t *testing.T) *taostats.Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)
	client := taostats.NewClient(taostats.Config{
		BaseURL:       server.URL,
		APIKey:        "test-key",
		RatePerMinute: 60000,
		MaxRetries:    1,
		Timeout:       time.Second,
		MaxPages:      5,
		BackoffBase:   time.Millisecond,
		BackoffCap:    2 * time.Millisecond,
	}, nil, zerolog.Nop())
	t.Cleanup(client.Close)
	return client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	treasuryDB, cleanupTreasury := testutil.NewTestDB(t, "treasury")
	t.Cleanup(cleanupTreasury)
	marketDB, cleanupMarket := testutil.NewTestDB(t, "market")
	t.Cleanup(cleanupMarket)
	configDB, cleanupConfig := testutil.NewTestDB(t, "config")
	t.Cleanup(cleanupConfig)

	f := &fixture{
		repo:      NewRepository(treasuryDB.Conn(), zerolog.Nop()),
		positions: position.NewRepository(treasuryDB.Conn(), zerolog.Nop()),
		subnets:   subnet.NewRepository(marketDB.Conn(), zerolog.Nop()),
		syncs:     syncstatus.NewRepository(treasuryDB.Conn(), zerolog.Nop()),
		runs:      reconciliation.NewRepository(treasuryDB.Conn(), zerolog.Nop()),
	}
	settingsRepo := settings.NewRepository(configDB.Conn(), zerolog.Nop())
	slips := slippage.NewService(
		slippage.NewRepository(marketDB.Conn(), zerolog.Nop()),
		failingClient(t), settingsRepo, zerolog.Nop())
	gate := trust.NewGate(f.syncs, f.runs, settingsRepo, zerolog.Nop())
	f.planner = NewPlanner(f.repo, f.positions, f.subnets, slips, gate, settingsRepo, zerolog.Nop())
	return f
}

// healthyTrust seeds the gate inputs so plans run under an ok state.
func healthyTrust(t *testing.T, f *fixture, now time.Time) {
	t.Helper()
	require.NoError(t, f.syncs.RecordSuccess(syncstatus.DatasetStakeBalances, 5))
	completed := now.Add(-time.Hour + time.Second)
	require.NoError(t, f.runs.Insert(&reconciliation.Run{
		RunID:       uuid.NewString(),
		Wallet:      testWallet,
		StartedAt:   now.Add(-time.Hour),
		CompletedAt: &completed,
		TotalChecks: 1,
		Passed:      1,
		Tolerances: reconciliation.Tolerances{
			AbsoluteTao: d("0.0005"),
			Relative:    d("0.001"),
		},
	}))
}

func (f *fixture) seedPosition(t *testing.T, netuid int, taoValue string) {
	t.Helper()
	require.NoError(t, f.positions.UpsertBalance(position.BalanceUpdate{
		Wallet:       testWallet,
		Netuid:       netuid,
		Hotkey:       "5Hotkey",
		AlphaBalance: d("100"),
		TaoValueMid:  d(taoValue),
	}))
}

func (f *fixture) seedSubnet(t *testing.T, netuid int, regime domain.FlowRegime) {
	t.Helper()
	require.NoError(t, f.subnets.UpsertPool(taostats.PoolLatest{
		Netuid:       netuid,
		Name:         "test",
		Symbol:       "TST",
		Price:        d("0.2"),
		TaoReserve:   d("1000"),
		AlphaReserve: d("5000"),
	}))
	require.NoError(t, f.subnets.UpdateRegime(netuid, regime, time.Now().Unix(), nil, 0))
}

func (f *fixture) scoreSubnet(t *testing.T, netuid int, score float64, tier domain.ViabilityTier) {
	t.Helper()
	require.NoError(t, f.subnets.UpdateViability(netuid, &score, tier))
}

func findNetuid(recs []TradeRecommendation, netuid int) *TradeRecommendation {
	for i := range recs {
		if recs[i].Netuid == netuid {
			return &recs[i]
		}
	}
	return nil
}

func TestWeeklyPlanBlockedByTrustGate(t *testing.T) {
	f := newFixture(t)

	plan, err := f.planner.WeeklyPlan(context.Background(), testWallet, "snap-1", time.Now().UTC())
	require.NoError(t, err)

	assert.True(t, plan.Blocked())
	assert.Empty(t, plan.Recommendations)

	decisions, err := f.repo.GetRecentDecisions(5)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "plan_blocked", decisions[0].Decision)

	runs, err := f.repo.GetRecentSignalRuns(SignalRebalancePlan, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.TrustBlocked, runs[0].TrustState)
	assert.Zero(t, runs[0].Confidence)
}

func TestWeeklyPlanTrimsDeadAndQuarantine(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	healthyTrust(t, f, now)

	f.seedPosition(t, domain.RootNetuid, "600")
	f.seedPosition(t, 7, "200")
	f.seedPosition(t, 9, "200")
	f.seedSubnet(t, 7, domain.RegimeDead)
	f.seedSubnet(t, 9, domain.RegimeQuarantine)

	plan, err := f.planner.WeeklyPlan(context.Background(), testWallet, "snap-1", now)
	require.NoError(t, err)
	require.Len(t, plan.Recommendations, 2)

	exit := plan.Recommendations[0]
	assert.Equal(t, 7, exit.Netuid)
	assert.Equal(t, domain.ActionExit, exit.Action)
	assert.True(t, exit.SizeTao.Equal(d("200")), "full exit, got %s", exit.SizeTao)
	assert.Contains(t, exit.Reason, "full exit")
	assert.Contains(t, exit.Reason, "estimated exit slippage 2.00%")

	trim := plan.Recommendations[1]
	assert.Equal(t, 9, trim.Netuid)
	assert.Equal(t, domain.ActionTrim, trim.Action)
	assert.True(t, trim.SizeTao.Equal(d("100")), "half of 200, got %s", trim.SizeTao)

	// Recommended actions land on the positions themselves.
	pos7, err := f.positions.Get(testWallet, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionExit, pos7.RecommendedAction)
	pos9, err := f.positions.Get(testWallet, 9)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionTrim, pos9.RecommendedAction)

	stored, err := f.repo.GetRecommendationsByPlan(plan.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestWeeklyPlanConcentrationTrims(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	healthyTrust(t, f, now)

	f.seedPosition(t, domain.RootNetuid, "300")
	f.seedPosition(t, 7, "400")
	f.seedPosition(t, 9, "300")
	f.seedSubnet(t, 7, domain.RegimeNeutral)
	f.seedSubnet(t, 9, domain.RegimeNeutral)

	plan, err := f.planner.WeeklyPlan(context.Background(), testWallet, "snap-1", now)
	require.NoError(t, err)
	require.Len(t, plan.Recommendations, 2)

	over := findNetuid(plan.Recommendations, 7)
	require.NotNil(t, over)
	assert.Equal(t, domain.ActionTrim, over.Action)
	assert.True(t, over.SizeTao.Equal(d("200")), "40%% down to the 20%% cap, got %s", over.SizeTao)
	assert.Contains(t, over.Reason, "above the 20.0% cap")

	second := findNetuid(plan.Recommendations, 9)
	require.NotNil(t, second)
	assert.True(t, second.SizeTao.Equal(d("100")), "30%% down to the 20%% cap, got %s", second.SizeTao)
}

func TestWeeklyPlanBuysFromRootOverweight(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	healthyTrust(t, f, now)

	// Root carries 80% against a 30% target, so 500 TAO is deployable.
	f.seedPosition(t, domain.RootNetuid, "800")
	f.seedPosition(t, 7, "200")

	f.seedSubnet(t, 7, domain.RegimeRiskOn)
	f.scoreSubnet(t, 7, 70, domain.TierOne)
	f.seedSubnet(t, 9, domain.RegimeRiskOn)
	f.scoreSubnet(t, 9, 80, domain.TierOne)
	f.seedSubnet(t, 11, domain.RegimeNeutral)
	f.scoreSubnet(t, 11, 60, domain.TierTwo)
	f.seedSubnet(t, 13, domain.RegimeRiskOn)
	f.scoreSubnet(t, 13, 40, domain.TierThree)
	f.seedSubnet(t, 17, domain.RegimeDead)
	f.scoreSubnet(t, 17, 90, domain.TierOne)

	plan, err := f.planner.WeeklyPlan(context.Background(), testWallet, "snap-1", now)
	require.NoError(t, err)
	require.Len(t, plan.Recommendations, 2)

	// Highest score first; the dead subnet never receives new capital
	// and tier 3 is not a candidate.
	first := plan.Recommendations[0]
	assert.Equal(t, 9, first.Netuid)
	assert.Equal(t, domain.ActionAccumulate, first.Action)
	assert.True(t, first.SizeTao.Equal(d("200")), "clipped at the position cap, got %s", first.SizeTao)

	second := plan.Recommendations[1]
	assert.Equal(t, 11, second.Netuid)
	assert.True(t, second.SizeTao.Equal(d("200")), "clipped at the position cap, got %s", second.SizeTao)

	// The existing holding sits exactly at the cap, so it has no headroom.
	assert.Contains(t, plan.Guardrails, "subnet 7 already at the position cap")
}

func TestWeeklyPlanRestoresRootSleeve(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	healthyTrust(t, f, now)

	// Root is 10% against a 30% target. Every subnet position sits
	// under the cap, so the deficit comes from the weakest holdings.
	f.seedPosition(t, domain.RootNetuid, "100")
	for _, netuid := range []int{7, 9, 11, 13, 15} {
		f.seedPosition(t, netuid, "180")
		f.seedSubnet(t, netuid, domain.RegimeNeutral)
	}
	f.scoreSubnet(t, 7, 10, domain.TierThree)
	f.scoreSubnet(t, 9, 50, domain.TierTwo)
	f.scoreSubnet(t, 11, 90, domain.TierOne)
	f.scoreSubnet(t, 13, 90, domain.TierOne)
	f.scoreSubnet(t, 15, 90, domain.TierOne)

	plan, err := f.planner.WeeklyPlan(context.Background(), testWallet, "snap-1", now)
	require.NoError(t, err)
	require.Len(t, plan.Recommendations, 2)

	weakest := plan.Recommendations[0]
	assert.Equal(t, 7, weakest.Netuid)
	assert.Equal(t, domain.ActionTrim, weakest.Action)
	assert.True(t, weakest.SizeTao.Equal(d("180")), "whole weakest holding, got %s", weakest.SizeTao)
	assert.Contains(t, weakest.Reason, "root sleeve below target")

	remainder := plan.Recommendations[1]
	assert.Equal(t, 9, remainder.Netuid)
	assert.True(t, remainder.SizeTao.Equal(d("20")), "remainder of the 200 deficit, got %s", remainder.SizeTao)
}

func TestWeeklyPlanGuardrails(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	healthyTrust(t, f, now)

	// Six positions in risk-off force six trims; the seventh is too
	// small to trade at all.
	for _, netuid := range []int{7, 9, 11, 13, 15, 17} {
		f.seedPosition(t, netuid, "100")
		f.seedSubnet(t, netuid, domain.RegimeRiskOff)
	}
	f.seedPosition(t, 19, "1")
	f.seedSubnet(t, 19, domain.RegimeRiskOff)

	plan, err := f.planner.WeeklyPlan(context.Background(), testWallet, "snap-1", now)
	require.NoError(t, err)

	assert.Len(t, plan.Recommendations, 4)
	assert.Contains(t, plan.Guardrails, "clipped plan from 6 to 4 trades")

	var droppedNote bool
	for _, g := range plan.Guardrails {
		if g == "dropped trim of 0.25 TAO on subnet 19, below the 0.5 TAO minimum" {
			droppedNote = true
		}
	}
	assert.True(t, droppedNote, "guardrails: %v", plan.Guardrails)
}

func TestEventPlanRecordsTrigger(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	healthyTrust(t, f, now)
	f.seedPosition(t, domain.RootNetuid, "100")

	plan, err := f.planner.EventPlan(context.Background(), testWallet, TriggerRegimeShift, "snap-9", now)
	require.NoError(t, err)
	assert.Equal(t, TriggerRegimeShift, plan.Trigger)

	runs, err := f.repo.GetRecentSignalRuns(SignalRebalancePlan, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, TriggerRegimeShift, runs[0].Output["trigger"])
	assert.Equal(t, domain.TrustOK, runs[0].TrustState)
	assert.Equal(t, 1.0, runs[0].Confidence)
}

func TestWeeklyPlanEmptyBook(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	healthyTrust(t, f, now)

	plan, err := f.planner.WeeklyPlan(context.Background(), testWallet, "snap-1", now)
	require.NoError(t, err)
	assert.Empty(t, plan.Recommendations)

	decisions, err := f.repo.GetRecentDecisions(5)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "plan_empty_book", decisions[0].Decision)
}
