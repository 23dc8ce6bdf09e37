package taostats

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Account is the upstream representation of an on-chain account.
type Account struct {
	SS58 string `json:"ss58"`
	Hex  string `json:"hex"`
}

// pagination is the envelope's paging block. NextPage is nil on the
// final page.
type pagination struct {
	CurrentPage int  `json:"current_page"`
	PerPage     int  `json:"per_page"`
	TotalItems  int  `json:"total_items"`
	TotalPages  int  `json:"total_pages"`
	NextPage    *int `json:"next_page"`
	PrevPage    *int `json:"prev_page"`
}

// pageEnvelope is the standard list-response shape. Unknown sibling
// fields are permitted and ignored.
type pageEnvelope struct {
	Pagination *pagination     `json:"pagination"`
	Data       json.RawMessage `json:"data"`
}

// StakeBalance is one row of /stake_balance/latest: the current stake of
// a (coldkey, hotkey, netuid) triple. Balance is alpha denominated in rao
// on subnets; on Root (netuid 0) alpha and TAO coincide.
type StakeBalance struct {
	Coldkey      Account         `json:"coldkey"`
	Hotkey       Account         `json:"hotkey"`
	Netuid       int             `json:"netuid"`
	BalanceRao   decimal.Decimal `json:"balance"`
	BalanceAsTao decimal.Decimal `json:"balance_as_tao"`
	Timestamp    Timestamp       `json:"timestamp"`
}

// StakeBalanceHistoryRow is one daily row of /stake_balance/history.
type StakeBalanceHistoryRow struct {
	Coldkey      Account         `json:"coldkey"`
	Hotkey       Account         `json:"hotkey"`
	Netuid       int             `json:"netuid"`
	BalanceRao   decimal.Decimal `json:"balance"`
	BalanceAsTao decimal.Decimal `json:"balance_as_tao"`
	Timestamp    Timestamp       `json:"timestamp"`
}

// Delegation event actions as reported upstream.
const (
	DelegationActionDelegate   = "DELEGATE"
	DelegationActionUndelegate = "UNDELEGATE"
	DelegationActionReward     = "REWARD"
)

// DelegationEvent is one row of /delegation: a stake, unstake or reward
// credit. Reward rows are the ground truth for yield attribution.
type DelegationEvent struct {
	ID          string          `json:"id"`
	ExtrinsicID string          `json:"extrinsic_id"`
	BlockNumber int64           `json:"block_number"`
	Timestamp   Timestamp       `json:"timestamp"`
	Action      string          `json:"action"`
	Nominator   Account         `json:"nominator"`
	Delegate    Account         `json:"delegate"`
	Netuid      int             `json:"netuid"`
	AmountRao   decimal.Decimal `json:"amount"`
	Alpha       decimal.Decimal `json:"alpha"`
	USD         decimal.Decimal `json:"usd"`
}

// TaxAccountingRow is one per-day row of /accounting/tax for a single
// token: the authoritative daily income stream in alpha.
type TaxAccountingRow struct {
	Date           string          `json:"date"` // YYYY-MM-DD
	Token          string          `json:"token"`
	Netuid         int             `json:"netuid"`
	DailyIncome    decimal.Decimal `json:"daily_income"`
	ClosingBalance decimal.Decimal `json:"closing_balance"`
	PriceTao       decimal.Decimal `json:"price_tao"`
	PriceUSD       decimal.Decimal `json:"price_usd"`
}

// PoolLatest is one row of /pool/latest: the current AMM pool state of a
// subnet. Price is TAO per alpha; it equals TaoReserve/AlphaReserve when
// the alpha reserve is non-zero.
type PoolLatest struct {
	Netuid       int             `json:"netuid"`
	Name         string          `json:"name"`
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	TaoReserve   decimal.Decimal `json:"total_tao"`
	AlphaReserve decimal.Decimal `json:"total_alpha"`
	AlphaStaked  decimal.Decimal `json:"alpha_staked"`
	MarketCap    decimal.Decimal `json:"market_cap"`
	Timestamp    Timestamp       `json:"timestamp"`
}

// PoolHistoryRow is one daily row of /pool/history.
type PoolHistoryRow struct {
	Netuid       int             `json:"netuid"`
	Price        decimal.Decimal `json:"price"`
	TaoReserve   decimal.Decimal `json:"total_tao"`
	AlphaReserve decimal.Decimal `json:"total_alpha"`
	Timestamp    Timestamp       `json:"timestamp"`
}

// SubnetInfo is one row of /subnet/latest: registration and emission
// metadata for a subnet.
type SubnetInfo struct {
	Netuid        int             `json:"netuid"`
	Name          string          `json:"name"`
	Symbol        string          `json:"symbol"`
	Owner         Account         `json:"owner"`
	RegisteredAt  Timestamp       `json:"registered_at"`
	EmissionShare decimal.Decimal `json:"emission"`
	OwnerTake     decimal.Decimal `json:"owner_take"`
	FeeRate       decimal.Decimal `json:"fee_rate"`
	IncentiveBurn decimal.Decimal `json:"incentive_burn"`
	HolderCount   int             `json:"holders"`
	Rank          int             `json:"rank"`
	Active        bool            `json:"active"`
}

// SlippageQuote is the /slippage response: the cost of moving a given
// TAO size through a subnet pool in one direction.
type SlippageQuote struct {
	Netuid         int             `json:"netuid"`
	Action         string          `json:"action"` // "stake" or "unstake"
	InputAmount    decimal.Decimal `json:"input_amount"`
	ExpectedOutput decimal.Decimal `json:"expected_output"`
	SlippagePct    decimal.Decimal `json:"slippage"`
	TaoReserve     decimal.Decimal `json:"total_tao"`
	AlphaReserve   decimal.Decimal `json:"total_alpha"`
}

// ValidatorInfo is one row of /validator/latest.
type ValidatorInfo struct {
	Hotkey         Account         `json:"hotkey"`
	Netuid         int             `json:"netuid"`
	Name           string          `json:"name"`
	APY            decimal.Decimal `json:"apy"`
	APY7d          decimal.Decimal `json:"apy_7d"`
	APY30d         decimal.Decimal `json:"apy_30d"`
	TakeRate       decimal.Decimal `json:"take"`
	StakeTao       decimal.Decimal `json:"stake"`
	NominatorCount int             `json:"nominators"`
	Flags          []string        `json:"flags"`
}

// Extrinsic is one row of /extrinsics: a signed wallet transaction.
// FullName identifies the pallet call, e.g. "SubtensorModule.add_stake".
type Extrinsic struct {
	ID          string          `json:"id"`
	BlockNumber int64           `json:"block_number"`
	Timestamp   Timestamp       `json:"timestamp"`
	Signer      Account         `json:"signer_address"`
	FullName    string          `json:"full_name"`
	Args        json.RawMessage `json:"args"`
	Success     bool            `json:"success"`
	FeeRao      decimal.Decimal `json:"fee"`
}
