package testing

import "time"

// Canonical SS58 addresses for tests. TestWallet and TestHotkey are the
// well-known Alice and Bob development keys, so they pass address
// validation everywhere real addresses are required.
const (
	TestWallet = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"
	TestHotkey = "5FHneW46xGXgs5mUiveU4sbTyGBzmstUspZC92UhjJM694ty"
)

// DaysAgo returns the unix timestamp n days before now.
func DaysAgo(n int) int64 {
	return time.Now().AddDate(0, 0, -n).Unix()
}

// HoursAgo returns the unix timestamp n hours before now.
func HoursAgo(n int) int64 {
	return time.Now().Add(-time.Duration(n) * time.Hour).Unix()
}

// Day is the canonical bar width for daily history fixtures.
const Day = 24 * time.Hour
