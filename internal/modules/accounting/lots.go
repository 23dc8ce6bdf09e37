// Package accounting reconstructs per-position cost basis from the
// transaction ledger with FIFO lots, reads the authoritative daily yield
// stream, and answers earnings-window queries against position snapshots.
package accounting

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/domain"
	"github.com/taovault/taovault/internal/modules/transaction"
)

// Lot is one open FIFO lot: alpha acquired in a single stake and not yet
// consumed by an unstake.
type Lot struct {
	Alpha      decimal.Decimal `json:"alpha"`
	EntryPrice decimal.Decimal `json:"entry_price"` // TAO per alpha
	TaoIn      decimal.Decimal `json:"tao_in"`      // TAO paid for the remaining alpha
	UsdIn      decimal.Decimal `json:"usd_in"`      // USD paid, zero when no price was known
	Timestamp  int64           `json:"timestamp"`
	// Deferred marks a lot whose alpha is unknown because the stake carried
	// no limit price and the delegation feed has not resolved it yet. Alpha
	// is zero until ResolveDeferred allocates it.
	Deferred bool `json:"deferred,omitempty"`
}

// Result is the replayed cost basis of one (wallet, netuid) position.
type Result struct {
	OpenLots []Lot

	TotalStakedTao decimal.Decimal
	// TotalUnstakedTao measures unstakes at the cost of the lots they
	// consumed, so NetInvestedTao = TotalStakedTao − TotalUnstakedTao.
	TotalUnstakedTao      decimal.Decimal
	NetInvestedTao        decimal.Decimal
	WeightedAvgEntryPrice *decimal.Decimal

	RealizedPnlTao      decimal.Decimal
	RealizedYieldTao    decimal.Decimal
	RealizedYieldAlpha  decimal.Decimal
	RealizedAlphaPnlTao decimal.Decimal
	TotalFeesTao        decimal.Decimal

	TotalStakedUSD   decimal.Decimal
	TotalUnstakedUSD decimal.Decimal
	NetInvestedUSD   decimal.Decimal
	RealizedPnlUSD   decimal.Decimal

	// AlphaPurchased is the alpha in open non-deferred lots.
	AlphaPurchased decimal.Decimal
	// EmissionHeld is reward alpha accrued and not yet consumed by
	// emission-first unstakes.
	EmissionHeld decimal.Decimal
	// DeferredTao is TAO sitting in unresolved deferred lots.
	DeferredTao decimal.Decimal

	EntryDate string
}

// CostBasis returns the open-lot cost in TAO, deferred stakes included.
func (r *Result) CostBasis() decimal.Decimal {
	cost := decimal.Zero
	for _, lot := range r.OpenLots {
		cost = cost.Add(lot.TaoIn)
	}
	return domain.RoundTao(cost)
}

// CostBasisUSD returns the open-lot cost in USD. Zero-valued when no USD
// prices were available during replay.
func (r *Result) CostBasisUSD() decimal.Decimal {
	cost := decimal.Zero
	for _, lot := range r.OpenLots {
		cost = cost.Add(lot.UsdIn)
	}
	return domain.RoundUSD(cost)
}

// PriceUSDFunc resolves the USD price of one TAO on a YYYY-MM-DD date.
// A zero return means unknown; USD aggregates then simply exclude the
// transaction.
type PriceUSDFunc func(date string) decimal.Decimal

// replayEvent is the merged replay stream entry: a stake transaction or an
// emission credit.
type replayEvent struct {
	timestamp int64
	block     int64
	tx        *transaction.StakeTransaction
	reward    *transaction.DelegationEvent
}

// Replay folds the ordered transaction stream and emission credits into a
// cost basis. Only successful transactions participate. Replay sorts the
// stream itself; callers normally supply repository order already.
func Replay(txs []transaction.StakeTransaction, rewards []transaction.DelegationEvent, priceUSD PriceUSDFunc) Result {
	events := make([]replayEvent, 0, len(txs)+len(rewards))
	for i := range txs {
		if !txs[i].Success {
			continue
		}
		events = append(events, replayEvent{timestamp: txs[i].Timestamp, block: txs[i].BlockNumber, tx: &txs[i]})
	}
	for i := range rewards {
		if !rewards[i].IsReward() {
			continue
		}
		events = append(events, replayEvent{timestamp: rewards[i].Timestamp, block: rewards[i].BlockNumber, reward: &rewards[i]})
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].timestamp != events[j].timestamp {
			return events[i].timestamp < events[j].timestamp
		}
		return events[i].block < events[j].block
	})

	var st state
	st.priceUSD = priceUSD
	for _, ev := range events {
		if ev.reward != nil {
			st.emission = st.emission.Add(ev.reward.AlphaAmount)
			continue
		}
		switch ev.tx.Action {
		case domain.StakeActionStake:
			st.applyStake(ev.tx)
		case domain.StakeActionUnstake, domain.StakeActionUnstakeAll:
			st.applyUnstake(ev.tx)
		}
	}
	return st.result()
}

type state struct {
	lots     []Lot
	emission decimal.Decimal
	priceUSD PriceUSDFunc

	totalStaked    decimal.Decimal
	unstakedAtCost decimal.Decimal
	realizedYield  decimal.Decimal
	realizedYieldA decimal.Decimal
	realizedAlpha  decimal.Decimal
	fees           decimal.Decimal

	totalStakedUSD   decimal.Decimal
	totalUnstakedUSD decimal.Decimal
	realizedPnlUSD   decimal.Decimal

	firstStake int64
}

func (s *state) usdPrice(ts int64) decimal.Decimal {
	if s.priceUSD == nil {
		return decimal.Zero
	}
	return s.priceUSD(time.Unix(ts, 0).UTC().Format("2006-01-02"))
}

func (s *state) applyStake(tx *transaction.StakeTransaction) {
	s.totalStaked = s.totalStaked.Add(tx.AmountTao)
	s.fees = s.fees.Add(tx.FeeTao)
	if s.firstStake == 0 || tx.Timestamp < s.firstStake {
		s.firstStake = tx.Timestamp
	}

	usd := decimal.Zero
	if p := s.usdPrice(tx.Timestamp); p.IsPositive() {
		usd = tx.AmountTao.Mul(p)
		s.totalStakedUSD = s.totalStakedUSD.Add(usd)
	}

	lot := Lot{TaoIn: tx.AmountTao, UsdIn: usd, Timestamp: tx.Timestamp}
	if tx.AlphaAmount != nil && tx.AlphaAmount.IsPositive() {
		lot.Alpha = *tx.AlphaAmount
		lot.EntryPrice = tx.AmountTao.Div(*tx.AlphaAmount)
	} else {
		lot.Deferred = true
	}
	s.lots = append(s.lots, lot)
}

func (s *state) applyUnstake(tx *transaction.StakeTransaction) {
	s.fees = s.fees.Add(tx.FeeTao)

	// Outgoing alpha: explicit on the transaction, otherwise everything
	// currently held (unstake_all before the feed resolved exact amounts).
	var outgoing decimal.Decimal
	if tx.AlphaAmount != nil {
		outgoing = *tx.AlphaAmount
	} else {
		outgoing = s.emission
		for _, lot := range s.lots {
			outgoing = outgoing.Add(lot.Alpha)
		}
	}
	if !outgoing.IsPositive() {
		return
	}

	proceeds, atCost := s.unstakeProceeds(tx, outgoing)
	proceedsPerAlpha := proceeds.Div(outgoing)
	usdP := s.usdPrice(tx.Timestamp)

	remaining := outgoing

	// Emission-origin alpha is consumed first; it has no cost, so its
	// whole proceeds slice is realized yield. Cost-priced exits realize
	// nothing: each slice recovers exactly its own cost, which for
	// emission is zero.
	if s.emission.IsPositive() {
		slice := decimal.Min(s.emission, remaining)
		s.emission = s.emission.Sub(slice)
		remaining = remaining.Sub(slice)
		yield := slice.Mul(proceedsPerAlpha)
		if atCost {
			yield = decimal.Zero
		}
		s.realizedYield = s.realizedYield.Add(yield)
		s.realizedYieldA = s.realizedYieldA.Add(slice)
		if usdP.IsPositive() {
			s.realizedPnlUSD = s.realizedPnlUSD.Add(yield.Mul(usdP))
			s.totalUnstakedUSD = s.totalUnstakedUSD.Add(yield.Mul(usdP))
		}
	}

	// Then purchased lots, FIFO. A deferred lot cannot be consumed until
	// its alpha is known; it is skipped, not dropped, so its TAO stays in
	// the basis.
	for i := 0; remaining.IsPositive() && i < len(s.lots); {
		lot := &s.lots[i]
		if lot.Deferred || !lot.Alpha.IsPositive() {
			i++
			continue
		}
		slice := decimal.Min(lot.Alpha, remaining)
		costSlice := slice.Mul(lot.EntryPrice)
		proceedsSlice := slice.Mul(proceedsPerAlpha)
		if atCost {
			proceedsSlice = costSlice
		}

		s.unstakedAtCost = s.unstakedAtCost.Add(costSlice)
		s.realizedAlpha = s.realizedAlpha.Add(proceedsSlice.Sub(costSlice))
		if usdP.IsPositive() {
			s.realizedPnlUSD = s.realizedPnlUSD.Add(proceedsSlice.Sub(costSlice).Mul(usdP))
			s.totalUnstakedUSD = s.totalUnstakedUSD.Add(proceedsSlice.Mul(usdP))
		}

		// Shrink the lot proportionally on all denominations.
		originalAlpha := lot.Alpha
		lot.Alpha = lot.Alpha.Sub(slice)
		lot.TaoIn = lot.TaoIn.Sub(costSlice)
		lot.UsdIn = lot.UsdIn.Sub(lot.UsdIn.Mul(slice).Div(originalAlpha))
		remaining = remaining.Sub(slice)

		if !lot.Alpha.IsPositive() {
			s.lots = append(s.lots[:i], s.lots[i+1:]...)
		} else {
			i++
		}
	}

	// Alpha beyond every known source is zero-cost: its proceeds are
	// attributed to yield, the same bucket unknown-origin alpha lands in
	// at decomposition time.
	if remaining.IsPositive() {
		yield := remaining.Mul(proceedsPerAlpha)
		if atCost {
			yield = decimal.Zero
		}
		s.realizedYield = s.realizedYield.Add(yield)
		s.realizedYieldA = s.realizedYieldA.Add(remaining)
		if usdP.IsPositive() {
			s.realizedPnlUSD = s.realizedPnlUSD.Add(yield.Mul(usdP))
			s.totalUnstakedUSD = s.totalUnstakedUSD.Add(yield.Mul(usdP))
		}
	}
}

// unstakeProceeds resolves the TAO received for an unstake: the enriched
// amount when present, a limit-price estimate next, and the consumed cost
// as the conservative fallback. The second return is true on the fallback,
// where every consumed slice is valued at its own cost and nothing is
// realized.
func (s *state) unstakeProceeds(tx *transaction.StakeTransaction, outgoing decimal.Decimal) (decimal.Decimal, bool) {
	if tx.AmountTao.IsPositive() {
		return tx.AmountTao, false
	}
	if tx.LimitPrice != nil && tx.LimitPrice.IsPositive() {
		return outgoing.Mul(*tx.LimitPrice), false
	}
	return s.costOf(outgoing), true
}

// costOf prices an outgoing alpha amount at the cost of the sources it
// would consume, emission first.
func (s *state) costOf(outgoing decimal.Decimal) decimal.Decimal {
	remaining := outgoing.Sub(decimal.Min(s.emission, outgoing))
	cost := decimal.Zero
	for _, lot := range s.lots {
		if !remaining.IsPositive() {
			break
		}
		if lot.Deferred {
			continue
		}
		slice := decimal.Min(lot.Alpha, remaining)
		cost = cost.Add(slice.Mul(lot.EntryPrice))
		remaining = remaining.Sub(slice)
	}
	return cost
}

func (s *state) result() Result {
	r := Result{
		OpenLots:            s.lots,
		TotalStakedTao:      domain.RoundTao(s.totalStaked),
		TotalUnstakedTao:    domain.RoundTao(s.unstakedAtCost),
		RealizedYieldTao:    domain.RoundTao(s.realizedYield),
		RealizedYieldAlpha:  domain.RoundTao(s.realizedYieldA),
		RealizedAlphaPnlTao: domain.RoundTao(s.realizedAlpha),
		TotalFeesTao:        domain.RoundTao(s.fees),
		TotalStakedUSD:      domain.RoundUSD(s.totalStakedUSD),
		TotalUnstakedUSD:    domain.RoundUSD(s.totalUnstakedUSD),
		RealizedPnlUSD:      domain.RoundUSD(s.realizedPnlUSD),
		EmissionHeld:        s.emission,
	}
	r.NetInvestedTao = r.TotalStakedTao.Sub(r.TotalUnstakedTao)
	r.NetInvestedUSD = domain.RoundUSD(r.TotalStakedUSD.Sub(r.TotalUnstakedUSD))
	r.RealizedPnlTao = domain.RoundTao(s.realizedYield.Add(s.realizedAlpha))

	alphaSum := decimal.Zero
	costSum := decimal.Zero
	for _, lot := range s.lots {
		if lot.Deferred {
			r.DeferredTao = r.DeferredTao.Add(lot.TaoIn)
			continue
		}
		alphaSum = alphaSum.Add(lot.Alpha)
		costSum = costSum.Add(lot.Alpha.Mul(lot.EntryPrice))
	}
	r.AlphaPurchased = alphaSum
	if alphaSum.IsPositive() {
		avg := costSum.Div(alphaSum)
		r.WeightedAvgEntryPrice = &avg
	}
	if len(s.lots) > 0 {
		r.EntryDate = time.Unix(s.lots[0].Timestamp, 0).UTC().Format("2006-01-02")
	} else if s.firstStake > 0 {
		r.EntryDate = time.Unix(s.firstStake, 0).UTC().Format("2006-01-02")
	}
	return r
}

// ResolveDeferred allocates alpha to deferred lots pro-rata by their TAO,
// given the purchased alpha implied by a reconciling snapshot: the live
// balance minus emission still held minus alpha already in resolved lots.
// It is a no-op when nothing is deferred or the implied alpha is not
// positive.
func (r *Result) ResolveDeferred(liveAlphaBalance decimal.Decimal) {
	if !r.DeferredTao.IsPositive() {
		return
	}
	implied := liveAlphaBalance.Sub(r.EmissionHeld).Sub(r.AlphaPurchased)
	if !implied.IsPositive() {
		return
	}

	for i := range r.OpenLots {
		lot := &r.OpenLots[i]
		if !lot.Deferred {
			continue
		}
		share := lot.TaoIn.Div(r.DeferredTao)
		lot.Alpha = implied.Mul(share)
		if lot.Alpha.IsPositive() {
			lot.EntryPrice = lot.TaoIn.Div(lot.Alpha)
		}
		lot.Deferred = false
	}

	r.DeferredTao = decimal.Zero
	r.AlphaPurchased = r.AlphaPurchased.Add(implied)
	alphaSum := decimal.Zero
	costSum := decimal.Zero
	for _, lot := range r.OpenLots {
		alphaSum = alphaSum.Add(lot.Alpha)
		costSum = costSum.Add(lot.Alpha.Mul(lot.EntryPrice))
	}
	if alphaSum.IsPositive() {
		avg := costSum.Div(alphaSum)
		r.WeightedAvgEntryPrice = &avg
	}
}
