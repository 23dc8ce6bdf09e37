// Package reconciliation compares stored positions against live upstream
// stake balances and records the outcome. Its runs feed the trust gate.
package reconciliation

import (
	"time"

	"github.com/shopspring/decimal"
)

// One-sided markers on a check: the position exists in only one of the two
// books being compared.
const (
	SideStoredOnly = "stored_only"
	SideLiveOnly   = "live_only"
)

// Tolerances bound how far a stored value may drift from the live one
// before a check fails. Relative is a fraction (0.001 = 0.1%).
type Tolerances struct {
	AbsoluteTao decimal.Decimal
	Relative    decimal.Decimal
}

// Check is one per-subnet stored-vs-live comparison.
type Check struct {
	Netuid    int             `json:"netuid"`
	StoredTao decimal.Decimal `json:"stored_tao"`
	LiveTao   decimal.Decimal `json:"live_tao"`
	DiffAbs   decimal.Decimal `json:"diff_abs"`
	// DiffRel is the absolute difference over the stored value, as a
	// fraction. Zero when the stored value is zero (absolute-only case).
	DiffRel  decimal.Decimal `json:"diff_rel"`
	Passed   bool            `json:"passed"`
	OneSided string          `json:"one_sided,omitempty"`
}

// Run is one reconciliation pass over a wallet.
type Run struct {
	RunID       string
	Wallet      string
	StartedAt   time.Time
	CompletedAt *time.Time
	TotalChecks int
	Passed      int
	Failed      int
	Tolerances  Tolerances
	// DriftDetected is true when any check failed.
	DriftDetected bool
	Error         *string
	Checks        []Check
}
