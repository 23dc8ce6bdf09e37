// Package transaction owns the immutable transaction ledger in treasury.db:
// stake transactions classified from wallet extrinsics, and the delegation
// event feed that supplements them with exact amounts and reward credits.
package transaction

import (
	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/domain"
)

// StakeTransaction is one staking extrinsic, keyed by its external
// extrinsic id. Rows are append-only; re-ingesting the same stream is a
// no-op.
type StakeTransaction struct {
	ID          int64
	ExtrinsicID string
	BlockNumber int64
	Timestamp   int64
	Wallet      string
	Netuid      int
	Hotkey      string
	Action      domain.StakeAction
	// AmountRao is the TAO side in rao: the amount staked, or for
	// unstakes the proceeds once known (zero until enriched from the
	// delegation feed).
	AmountRao int64
	AmountTao decimal.Decimal
	// AlphaAmount is the alpha side: received for stakes (nil when the
	// extrinsic carried no limit price and the feed has not supplied it
	// yet), spent for unstakes.
	AlphaAmount *decimal.Decimal
	// LimitPrice is the TAO-per-alpha limit carried by *_limit calls.
	LimitPrice *decimal.Decimal
	FeeTao     decimal.Decimal
	Success    bool
	CreatedAt  int64
}

// DelegationEvent is one row of the upstream delegation feed: a stake,
// unstake or reward credit with exact TAO and alpha amounts.
type DelegationEvent struct {
	ID          int64
	EventID     string
	ExtrinsicID string
	BlockNumber int64
	Timestamp   int64
	Wallet      string
	Netuid      int
	Hotkey      string
	Kind        string // DELEGATE, UNDELEGATE or REWARD
	AlphaAmount decimal.Decimal
	TaoAmount   decimal.Decimal
	CreatedAt   int64
}

// IsReward reports whether the event is an emission credit.
func (e *DelegationEvent) IsReward() bool {
	return e.Kind == "REWARD"
}
