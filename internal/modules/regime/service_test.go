package regime

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taovault/taovault/internal/clients/taostats"
	"github.com/taovault/taovault/internal/domain"
	"github.com/taovault/taovault/internal/modules/settings"
	"github.com/taovault/taovault/internal/modules/subnet"
	testutil "github.com/taovault/taovault/internal/testing"
)

func newRegimeService(t *testing.T) (*Service, *subnet.Repository) {
	t.Helper()
	marketDB, cleanupMarket := testutil.NewTestDB(t, "market")
	t.Cleanup(cleanupMarket)
	configDB, cleanupConfig := testutil.NewTestDB(t, "config")
	t.Cleanup(cleanupConfig)

	subnets := subnet.NewRepository(marketDB.Conn(), zerolog.Nop())
	settingsRepo := settings.NewRepository(configDB.Conn(), zerolog.Nop())
	return NewService(subnets, settingsRepo, zerolog.Nop()), subnets
}

func seedSubnet(t *testing.T, subnets *subnet.Repository, netuid int, reserve string) {
	t.Helper()
	require.NoError(t, subnets.UpsertPool(taostats.PoolLatest{
		Netuid:       netuid,
		TaoReserve:   decimal.RequireFromString(reserve),
		AlphaReserve: decimal.RequireFromString("1"),
		MarketCap:    decimal.Zero,
	}))
}

func TestEvaluatePersistsCandidateAcrossPasses(t *testing.T) {
	svc, subnets := newRegimeService(t)
	seedSubnet(t, subnets, 7, "1000")
	outflow := map[int]subnet.FlowMetrics{7: flows("0", "0", "-60", "100")} // risk_off candidate

	// First pass stores the candidate but keeps neutral.
	committed, errs := svc.Evaluate(context.Background(), outflow)
	require.Empty(t, errs)
	assert.Equal(t, domain.RegimeNeutral, committed[7])

	row, err := subnets.Get(7)
	require.NoError(t, err)
	require.NotNil(t, row.RegimeCandidate)
	assert.Equal(t, domain.RegimeRiskOff, *row.RegimeCandidate)
	assert.Equal(t, 1, row.RegimeCandidateDays)

	// Second identical pass reaches risk_off's requirement of two.
	committed, errs = svc.Evaluate(context.Background(), outflow)
	require.Empty(t, errs)
	assert.Equal(t, domain.RegimeRiskOff, committed[7])

	row, err = subnets.Get(7)
	require.NoError(t, err)
	assert.Equal(t, domain.RegimeRiskOff, row.FlowRegime)
	assert.Nil(t, row.RegimeCandidate)
	assert.NotZero(t, row.FlowRegimeSince)
}

func TestEvaluateFlappingNeverTransitions(t *testing.T) {
	svc, subnets := newRegimeService(t)
	seedSubnet(t, subnets, 7, "1000")

	passes := []map[int]subnet.FlowMetrics{
		{7: flows("0", "0", "-60", "100")}, // risk_off
		{7: flows("10", "30", "60", "120")}, // risk_on
		{7: flows("0", "0", "-60", "100")}, // risk_off again
	}
	for _, m := range passes {
		_, errs := svc.Evaluate(context.Background(), m)
		require.Empty(t, errs)
	}

	row, err := subnets.Get(7)
	require.NoError(t, err)
	assert.Equal(t, domain.RegimeNeutral, row.FlowRegime, "three flips, zero transitions")
}

func TestEvaluateDisabledPersistenceCommitsFirstPass(t *testing.T) {
	svc, subnets := newRegimeService(t)
	seedSubnet(t, subnets, 7, "1000")
	require.NoError(t, svc.settings.SetBool("regime_persistence_enabled", false))

	committed, errs := svc.Evaluate(context.Background(), map[int]subnet.FlowMetrics{
		7: flows("0", "0", "-200", "-200"),
	})
	require.Empty(t, errs)
	assert.Equal(t, domain.RegimeDead, committed[7])
}

func TestEvaluateUnknownSubnetAccumulatesError(t *testing.T) {
	svc, subnets := newRegimeService(t)
	seedSubnet(t, subnets, 1, "500")

	committed, errs := svc.Evaluate(context.Background(), map[int]subnet.FlowMetrics{
		1:  flows("1", "2", "30", "40"),
		99: flows("0", "0", "0", "0"),
	})

	assert.Len(t, errs, 1)
	assert.Contains(t, committed, 1, "healthy subnet still evaluated")
}
