package accounting

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/domain"
	"github.com/taovault/taovault/internal/modules/transaction"
)

// PortfolioNetuid marks earnings aggregated across a whole wallet.
const PortfolioNetuid = -1

// MissingSnapshotError reports that no snapshot exists on or before one
// side of an earnings window. Callers must surface it; earnings are
// never computed against an assumed zero.
type MissingSnapshotError struct {
	Wallet string
	Netuid int
	At     int64
}

func (e *MissingSnapshotError) Error() string {
	if e.Netuid == PortfolioNetuid {
		return fmt.Sprintf("no portfolio snapshot for %s on or before %d", e.Wallet, e.At)
	}
	return fmt.Sprintf("no position snapshot for %s/%d on or before %d", e.Wallet, e.Netuid, e.At)
}

// SnapshotSource supplies historical values for earnings windows. Both
// methods return the closest snapshot at or before ts, or a
// MissingSnapshotError when none exists.
type SnapshotSource interface {
	PositionValueAt(wallet string, netuid int, ts int64) (decimal.Decimal, int64, error)
	PortfolioValueAt(wallet string, ts int64) (decimal.Decimal, int64, error)
}

// Earnings is the value created inside a window after backing out
// deposits and withdrawals: end − start − net_flows.
type Earnings struct {
	Wallet        string
	Netuid        int // PortfolioNetuid for whole-wallet earnings
	WindowStart   int64
	WindowEnd     int64
	StartValueTao decimal.Decimal
	EndValueTao   decimal.Decimal
	NetFlowsTao   decimal.Decimal
	EarningsTao   decimal.Decimal
	ReturnPct     *float64 // earnings / start value; nil when start is zero
	AnnualizedAPY *float64
}

// EarningsCalculator answers earnings-window queries from snapshots and
// the transaction ledger.
type EarningsCalculator struct {
	snapshots SnapshotSource
	txs       *transaction.Repository
	log       zerolog.Logger
}

// NewEarningsCalculator creates a new earnings calculator.
func NewEarningsCalculator(snapshots SnapshotSource, txs *transaction.Repository, log zerolog.Logger) *EarningsCalculator {
	return &EarningsCalculator{
		snapshots: snapshots,
		txs:       txs,
		log:       log.With().Str("component", "earnings").Logger(),
	}
}

// ForPosition computes earnings for one (wallet, netuid) inside
// [startTs, endTs].
func (c *EarningsCalculator) ForPosition(wallet string, netuid int, startTs, endTs int64) (*Earnings, error) {
	if endTs <= startTs {
		return nil, fmt.Errorf("invalid earnings window [%d, %d]", startTs, endTs)
	}
	startValue, _, err := c.snapshots.PositionValueAt(wallet, netuid, startTs)
	if err != nil {
		return nil, err
	}
	endValue, _, err := c.snapshots.PositionValueAt(wallet, netuid, endTs)
	if err != nil {
		return nil, err
	}
	flows, err := c.netFlows(wallet, startTs, endTs, &netuid)
	if err != nil {
		return nil, err
	}
	return c.build(wallet, netuid, startTs, endTs, startValue, endValue, flows), nil
}

// ForWallet computes whole-wallet earnings inside [startTs, endTs] from
// portfolio snapshots.
func (c *EarningsCalculator) ForWallet(wallet string, startTs, endTs int64) (*Earnings, error) {
	if endTs <= startTs {
		return nil, fmt.Errorf("invalid earnings window [%d, %d]", startTs, endTs)
	}
	startValue, _, err := c.snapshots.PortfolioValueAt(wallet, startTs)
	if err != nil {
		return nil, err
	}
	endValue, _, err := c.snapshots.PortfolioValueAt(wallet, endTs)
	if err != nil {
		return nil, err
	}
	flows, err := c.netFlows(wallet, startTs, endTs, nil)
	if err != nil {
		return nil, err
	}
	return c.build(wallet, PortfolioNetuid, startTs, endTs, startValue, endValue, flows), nil
}

// netFlows sums stakes minus unstake proceeds inside the window,
// optionally restricted to one subnet. Wallet-level flows skip Root
// moves: TAO staked from the free balance to Root stays inside the
// portfolio, so it is not an external flow.
func (c *EarningsCalculator) netFlows(wallet string, startTs, endTs int64, netuid *int) (decimal.Decimal, error) {
	txs, err := c.txs.GetByWalletBetween(wallet, startTs, endTs)
	if err != nil {
		return decimal.Zero, err
	}
	flows := decimal.Zero
	for _, tx := range txs {
		if netuid != nil && tx.Netuid != *netuid {
			continue
		}
		if netuid == nil && tx.Netuid == domain.RootNetuid {
			continue
		}
		switch tx.Action {
		case domain.StakeActionStake:
			flows = flows.Add(tx.AmountTao)
		case domain.StakeActionUnstake, domain.StakeActionUnstakeAll:
			flows = flows.Sub(tx.AmountTao)
		}
	}
	return flows, nil
}

func (c *EarningsCalculator) build(wallet string, netuid int, startTs, endTs int64, startValue, endValue, flows decimal.Decimal) *Earnings {
	e := &Earnings{
		Wallet:        wallet,
		Netuid:        netuid,
		WindowStart:   startTs,
		WindowEnd:     endTs,
		StartValueTao: startValue,
		EndValueTao:   endValue,
		NetFlowsTao:   flows,
		EarningsTao:   domain.RoundTao(endValue.Sub(startValue).Sub(flows)),
	}
	if startValue.IsPositive() {
		ret, _ := e.EarningsTao.Div(startValue).Float64()
		e.ReturnPct = &ret

		days := float64(endTs-startTs) / 86400
		apy := ret / days * 365
		e.AnnualizedAPY = &apy
	}
	return e
}
