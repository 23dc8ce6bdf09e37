// Package alerts persists risk alerts raised by the full-tier indicator pass.
// Alerts are advisory rows for the operator; nothing in the service acts on
// them automatically.
package alerts

// Severity grades how urgently an alert should be looked at.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Category names the risk indicator that raised the alert.
type Category string

const (
	CategoryRegime        Category = "regime"
	CategoryViability     Category = "viability"
	CategoryDrawdown      Category = "drawdown"
	CategoryConcentration Category = "concentration"
	CategoryTrust         Category = "trust"
)

// Alert is one persisted risk finding. Wallet is empty for portfolio-wide
// indicators (trust); Netuid is nil for wallet-level ones (drawdown).
// SnapshotRef ties the alert back to the sync run that produced the data it
// was judged on.
type Alert struct {
	ID           string
	CreatedAt    int64
	Severity     Severity
	Category     Category
	Wallet       string
	Netuid       *int
	Message      string
	SnapshotRef  string
	Acknowledged bool
}
