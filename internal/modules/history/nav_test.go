package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testutil "github.com/taovault/taovault/internal/testing"
)

var navDay1 = time.Date(2024, time.March, 15, 10, 0, 0, 0, time.UTC)

func TestUpsertNAVOpensBar(t *testing.T) {
	store := newTestStore(t)

	day, err := store.UpsertNAV(testutil.TestWallet, d("105"), d("100"), navDay1)
	require.NoError(t, err)

	assert.Equal(t, "2024-03-15", day.Date)
	for _, v := range []struct {
		name string
		got  string
	}{
		{"open_mid", day.OpenMid.String()}, {"high_mid", day.HighMid.String()},
		{"low_mid", day.LowMid.String()}, {"close_mid", day.CloseMid.String()},
	} {
		assert.Equal(t, "105", v.got, v.name)
	}
	assert.True(t, day.OpenExec.Equal(d("100")))
	assert.True(t, day.ATHExec.Equal(d("100")))
	assert.Nil(t, day.DailyReturnTao, "the first bar has nothing to return against")
	assert.Nil(t, day.DailyReturnPct)
	assert.Zero(t, day.DrawdownPct)

	stored, err := store.NAVDay(testutil.TestWallet, "2024-03-15")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.CloseExec.Equal(d("100")))
	assert.Equal(t, navDay1.Unix(), stored.UpdatedAt)
}

func TestUpsertNAVIntradayStretchesBar(t *testing.T) {
	store := newTestStore(t)

	_, err := store.UpsertNAV(testutil.TestWallet, d("105"), d("100"), navDay1)
	require.NoError(t, err)
	_, err = store.UpsertNAV(testutil.TestWallet, d("125"), d("120"), navDay1.Add(time.Hour))
	require.NoError(t, err)
	day, err := store.UpsertNAV(testutil.TestWallet, d("95"), d("90"), navDay1.Add(2*time.Hour))
	require.NoError(t, err)

	assert.True(t, day.OpenExec.Equal(d("100")))
	assert.True(t, day.HighExec.Equal(d("120")))
	assert.True(t, day.LowExec.Equal(d("90")))
	assert.True(t, day.CloseExec.Equal(d("90")))
	assert.True(t, day.ATHExec.Equal(d("120")))
	assert.InDelta(t, 0.25, day.DrawdownPct, 1e-12) // (120-90)/120

	// Bar geometry on both price scales.
	for _, bar := range []struct {
		open, high, low, close string
	}{
		{day.OpenMid.String(), day.HighMid.String(), day.LowMid.String(), day.CloseMid.String()},
		{day.OpenExec.String(), day.HighExec.String(), day.LowExec.String(), day.CloseExec.String()},
	} {
		assert.True(t, d(bar.high).GreaterThanOrEqual(d(bar.close)))
		assert.True(t, d(bar.high).GreaterThanOrEqual(d(bar.open)))
		assert.True(t, d(bar.low).LessThanOrEqual(d(bar.close)))
		assert.True(t, d(bar.low).LessThanOrEqual(d(bar.open)))
	}
}

func TestUpsertNAVDailyReturnChains(t *testing.T) {
	store := newTestStore(t)

	_, err := store.UpsertNAV(testutil.TestWallet, d("102"), d("100"), navDay1)
	require.NoError(t, err)
	_, err = store.UpsertNAV(testutil.TestWallet, d("112"), d("110"), navDay1.Add(3*time.Hour))
	require.NoError(t, err)

	day2, err := store.UpsertNAV(testutil.TestWallet, d("107"), d("105"), navDay1.AddDate(0, 0, 1))
	require.NoError(t, err)

	assert.True(t, day2.OpenExec.Equal(d("105")))
	require.NotNil(t, day2.DailyReturnTao)
	assert.True(t, day2.DailyReturnTao.Equal(d("-5")), "return measures against yesterday's close")
	require.NotNil(t, day2.DailyReturnPct)
	assert.InDelta(t, -5.0/110, *day2.DailyReturnPct, 1e-9)
	assert.True(t, day2.ATHExec.Equal(d("110")), "the high-water mark carries across days")
	assert.InDelta(t, 5.0/110, day2.DrawdownPct, 1e-9)
}

func TestUpsertNAVATHMonotone(t *testing.T) {
	store := newTestStore(t)
	start := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

	for i, nav := range []string{"100", "120", "90", "130"} {
		_, err := store.UpsertNAV(testutil.TestWallet, d(nav), d(nav), start.AddDate(0, 0, i))
		require.NoError(t, err)
	}

	days, err := store.NAVRange(testutil.TestWallet, "2024-03-01", "2024-03-04")
	require.NoError(t, err)
	require.Len(t, days, 4)

	for i := 1; i < len(days); i++ {
		assert.True(t, days[i].ATHExec.GreaterThanOrEqual(days[i-1].ATHExec),
			"ath fell between %s and %s", days[i-1].Date, days[i].Date)
	}
	assert.True(t, days[1].ATHExec.Equal(d("120")))
	assert.InDelta(t, 0.25, days[2].DrawdownPct, 1e-12, "90 against the 120 high-water mark")
	assert.True(t, days[3].ATHExec.Equal(d("130")))
	assert.Zero(t, days[3].DrawdownPct, "a fresh high resets the drawdown")
	require.NotNil(t, days[3].DailyReturnTao)
	assert.True(t, days[3].DailyReturnTao.Equal(d("40")))

	latest, err := store.LatestNAV(testutil.TestWallet)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "2024-03-04", latest.Date)
}

func TestNAVQueriesOnUnknownWallet(t *testing.T) {
	store := newTestStore(t)

	day, err := store.NAVDay("unknown", "2024-03-15")
	require.NoError(t, err)
	assert.Nil(t, day)

	latest, err := store.LatestNAV("unknown")
	require.NoError(t, err)
	assert.Nil(t, latest)

	days, err := store.NAVRange("unknown", "2024-01-01", "2024-12-31")
	require.NoError(t, err)
	assert.Empty(t, days)
}

func TestUpsertNAVZeroPriorClose(t *testing.T) {
	store := newTestStore(t)

	_, err := store.UpsertNAV(testutil.TestWallet, d("0"), d("0"), navDay1)
	require.NoError(t, err)

	day2, err := store.UpsertNAV(testutil.TestWallet, d("50"), d("50"), navDay1.AddDate(0, 0, 1))
	require.NoError(t, err)

	require.NotNil(t, day2.DailyReturnTao)
	assert.True(t, day2.DailyReturnTao.Equal(d("50")))
	assert.Nil(t, day2.DailyReturnPct, "a percentage of zero capital is undefined")
	assert.True(t, day2.ATHExec.Equal(d("50")))
	assert.Zero(t, day2.DrawdownPct)
}
