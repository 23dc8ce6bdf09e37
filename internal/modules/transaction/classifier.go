package transaction

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/clients/taostats"
	"github.com/taovault/taovault/internal/domain"
)

// NetuidUnknown marks transactions whose extrinsic args carry no netuid
// (hotkey-wide unstake_all calls). The sync pass resolves it from the
// matching delegation event before the row reaches the cost-basis engine.
const NetuidUnknown = -1

// Staking calls of the subtensor pallet. Anything else is ignored.
var stakingCalls = map[string]domain.StakeAction{
	"add_stake":          domain.StakeActionStake,
	"add_stake_limit":    domain.StakeActionStake,
	"remove_stake":       domain.StakeActionUnstake,
	"remove_stake_limit": domain.StakeActionUnstake,
	"unstake_all":        domain.StakeActionUnstakeAll,
	"unstake_all_alpha":  domain.StakeActionUnstakeAll,
}

// extrinsicArgs is the superset of argument fields across staking calls.
// Amounts arrive in rao as JSON numbers or strings.
type extrinsicArgs struct {
	Hotkey         string           `json:"hotkey"`
	Netuid         *int             `json:"netuid"`
	AmountStaked   *decimal.Decimal `json:"amount_staked"`
	AmountUnstaked *decimal.Decimal `json:"amount_unstaked"`
	LimitPrice     *decimal.Decimal `json:"limit_price"`
}

// ClassifyExtrinsic maps a wallet extrinsic onto a StakeTransaction. The
// second return is false for non-staking extrinsics. Malformed args on a
// staking call are an error, not a skip, so bad data cannot silently thin
// the ledger.
func ClassifyExtrinsic(ex taostats.Extrinsic, wallet string) (*StakeTransaction, bool, error) {
	parts := strings.SplitN(ex.FullName, ".", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "SubtensorModule") {
		return nil, false, nil
	}
	action, ok := stakingCalls[strings.ToLower(parts[1])]
	if !ok {
		return nil, false, nil
	}

	var args extrinsicArgs
	if len(ex.Args) > 0 {
		if err := json.Unmarshal(ex.Args, &args); err != nil {
			return nil, false, fmt.Errorf("failed to decode args of extrinsic %s: %w", ex.ID, err)
		}
	}

	tx := &StakeTransaction{
		ExtrinsicID: ex.ID,
		BlockNumber: ex.BlockNumber,
		Timestamp:   ex.Timestamp.Unix(),
		Wallet:      wallet,
		Netuid:      NetuidUnknown,
		Hotkey:      args.Hotkey,
		Action:      action,
		FeeTao:      domain.TaoFromRao(ex.FeeRao.IntPart()),
		Success:     ex.Success,
	}
	if args.Netuid != nil {
		tx.Netuid = *args.Netuid
	}
	if args.LimitPrice != nil && args.LimitPrice.IsPositive() {
		lp := raoScaled(*args.LimitPrice)
		tx.LimitPrice = &lp
	}

	switch action {
	case domain.StakeActionStake:
		if args.AmountStaked == nil {
			return nil, false, fmt.Errorf("extrinsic %s: stake call without amount_staked", ex.ID)
		}
		tx.AmountRao = args.AmountStaked.IntPart()
		tx.AmountTao = domain.TaoFromRao(tx.AmountRao)
		if tx.LimitPrice != nil {
			alpha := domain.RoundTao(tx.AmountTao.Div(*tx.LimitPrice))
			tx.AlphaAmount = &alpha
		}
	case domain.StakeActionUnstake:
		if args.AmountUnstaked == nil {
			return nil, false, fmt.Errorf("extrinsic %s: unstake call without amount_unstaked", ex.ID)
		}
		alpha := raoScaled(*args.AmountUnstaked)
		tx.AlphaAmount = &alpha
		// Proceeds are unknown until the delegation feed supplies them.
		tx.AmountTao = decimal.Zero
	case domain.StakeActionUnstakeAll:
		// Neither alpha nor proceeds are in the args; both come from the
		// delegation feed.
		tx.AmountTao = decimal.Zero
	}

	return tx, true, nil
}

// raoScaled converts a rao-denominated arg value to its decimal unit.
func raoScaled(raw decimal.Decimal) decimal.Decimal {
	return raw.Shift(-9)
}
