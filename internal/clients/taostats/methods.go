package taostats

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/taovault/taovault/internal/cache"
)

// fetchPages iterates a paginated list endpoint, passing each page's data
// block to decode, until the upstream reports no next page or the page
// cap is reached. Cancellation is checked between pages. When
// cacheKeyPrefix is non-empty, each page body is cached independently.
func (c *Client) fetchPages(ctx context.Context, endpoint string, query url.Values, cacheKeyPrefix string, cacheTTL time.Duration, decode func(json.RawMessage) error) error {
	for page := 1; page <= c.maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		pageQuery := url.Values{}
		for k, v := range query {
			pageQuery[k] = v
		}
		pageQuery.Set("page", strconv.Itoa(page))
		if pageQuery.Get("limit") == "" {
			pageQuery.Set("limit", strconv.Itoa(defaultPageLimit))
		}

		cacheKey := ""
		if cacheKeyPrefix != "" {
			cacheKey = fmt.Sprintf("%s:p%d", cacheKeyPrefix, page)
		}

		body, err := c.request(ctx, endpoint, pageQuery, cacheKey, cacheTTL)
		if err != nil {
			return err
		}

		var env pageEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return &DecodeError{Endpoint: endpoint, Err: err}
		}
		if env.Data == nil {
			return &DecodeError{Endpoint: endpoint, Err: fmt.Errorf("missing data field")}
		}

		if err := decode(env.Data); err != nil {
			return &DecodeError{Endpoint: endpoint, Err: err}
		}

		if env.Pagination == nil || env.Pagination.NextPage == nil {
			return nil
		}
	}

	c.log.Warn().
		Str("endpoint", endpoint).
		Int("max_pages", c.maxPages).
		Msg("Pagination stopped at page cap")
	return nil
}

// GetStakeBalances returns the current stake rows for a coldkey across
// all hotkeys and subnets.
func (c *Client) GetStakeBalances(ctx context.Context, coldkey string) ([]StakeBalance, error) {
	query := url.Values{}
	query.Set("coldkey", coldkey)

	var rows []StakeBalance
	err := c.fetchPages(ctx, "/stake_balance/latest", query, "", 0, func(data json.RawMessage) error {
		var page []StakeBalance
		if err := json.Unmarshal(data, &page); err != nil {
			return err
		}
		rows = append(rows, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// GetStakeBalanceHistory returns daily stake rows for one
// (coldkey, hotkey, netuid) triple inside [startDate, endDate].
func (c *Client) GetStakeBalanceHistory(ctx context.Context, coldkey, hotkey string, netuid int, startDate, endDate string) ([]StakeBalanceHistoryRow, error) {
	query := url.Values{}
	query.Set("coldkey", coldkey)
	query.Set("hotkey", hotkey)
	query.Set("netuid", strconv.Itoa(netuid))
	query.Set("timestamp_start", startDate)
	query.Set("timestamp_end", endDate)

	var rows []StakeBalanceHistoryRow
	err := c.fetchPages(ctx, "/stake_balance/history", query, "", 0, func(data json.RawMessage) error {
		var page []StakeBalanceHistoryRow
		if err := json.Unmarshal(data, &page); err != nil {
			return err
		}
		rows = append(rows, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// GetDelegationEvents returns the full stake/unstake/reward event feed
// for a coldkey, newest first as reported upstream.
func (c *Client) GetDelegationEvents(ctx context.Context, coldkey string) ([]DelegationEvent, error) {
	query := url.Values{}
	query.Set("coldkey", coldkey)

	var rows []DelegationEvent
	err := c.fetchPages(ctx, "/delegation", query, "delegation:"+coldkey, cache.TTLDelegationFeed, func(data json.RawMessage) error {
		var page []DelegationEvent
		if err := json.Unmarshal(data, &page); err != nil {
			return err
		}
		rows = append(rows, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// GetTaxAccounting returns the per-day income rows for one token held by
// a coldkey inside [dateStart, dateEnd]. The upstream enforces a
// 12-month window; callers needing more must chunk and merge.
func (c *Client) GetTaxAccounting(ctx context.Context, coldkey, token, dateStart, dateEnd string) ([]TaxAccountingRow, error) {
	query := url.Values{}
	query.Set("coldkey", coldkey)
	query.Set("token", token)
	query.Set("date_start", dateStart)
	query.Set("date_end", dateEnd)

	cacheKey := fmt.Sprintf("tax:%s:%s:%s:%s", coldkey, token, dateStart, dateEnd)

	var rows []TaxAccountingRow
	err := c.fetchPages(ctx, "/accounting/tax", query, cacheKey, cache.TTLTaxAccounting, func(data json.RawMessage) error {
		var page []TaxAccountingRow
		if err := json.Unmarshal(data, &page); err != nil {
			return err
		}
		rows = append(rows, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// GetPoolLatest returns the current AMM pool state for every subnet.
func (c *Client) GetPoolLatest(ctx context.Context) ([]PoolLatest, error) {
	var rows []PoolLatest
	err := c.fetchPages(ctx, "/pool/latest", url.Values{}, "pool_latest:all", cache.TTLPoolLatest, func(data json.RawMessage) error {
		var page []PoolLatest
		if err := json.Unmarshal(data, &page); err != nil {
			return err
		}
		rows = append(rows, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// GetPoolHistory returns daily pool state for one subnet inside
// [startDate, endDate]. Closed bars never change, so pages cache long.
func (c *Client) GetPoolHistory(ctx context.Context, netuid int, startDate, endDate string) ([]PoolHistoryRow, error) {
	query := url.Values{}
	query.Set("netuid", strconv.Itoa(netuid))
	query.Set("timestamp_start", startDate)
	query.Set("timestamp_end", endDate)

	cacheKey := fmt.Sprintf("pool_history:%d:%s:%s", netuid, startDate, endDate)

	var rows []PoolHistoryRow
	err := c.fetchPages(ctx, "/pool/history", query, cacheKey, cache.TTLPoolHistory, func(data json.RawMessage) error {
		var page []PoolHistoryRow
		if err := json.Unmarshal(data, &page); err != nil {
			return err
		}
		rows = append(rows, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// GetSubnets returns registration and emission metadata for every subnet.
func (c *Client) GetSubnets(ctx context.Context) ([]SubnetInfo, error) {
	var rows []SubnetInfo
	err := c.fetchPages(ctx, "/subnet/latest", url.Values{}, "subnet_latest:all", cache.TTLSubnetRegistry, func(data json.RawMessage) error {
		var page []SubnetInfo
		if err := json.Unmarshal(data, &page); err != nil {
			return err
		}
		rows = append(rows, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// GetSlippage quotes the cost of moving amountTao through a subnet pool.
// Action is "stake" or "unstake".
func (c *Client) GetSlippage(ctx context.Context, netuid int, amountTao decimal.Decimal, action string) (*SlippageQuote, error) {
	query := url.Values{}
	query.Set("netuid", strconv.Itoa(netuid))
	query.Set("amount", amountTao.String())
	query.Set("action", action)

	cacheKey := fmt.Sprintf("slippage:%d:%s:%s", netuid, action, amountTao.String())

	body, err := c.request(ctx, "/slippage", query, cacheKey, cache.TTLSlippage)
	if err != nil {
		return nil, err
	}

	var quote SlippageQuote
	if err := json.Unmarshal(body, &quote); err != nil {
		return nil, &DecodeError{Endpoint: "/slippage", Err: err}
	}
	return &quote, nil
}

// GetValidators returns validator performance rows for one subnet.
func (c *Client) GetValidators(ctx context.Context, netuid int) ([]ValidatorInfo, error) {
	query := url.Values{}
	query.Set("netuid", strconv.Itoa(netuid))

	cacheKey := fmt.Sprintf("validators:%d", netuid)

	var rows []ValidatorInfo
	err := c.fetchPages(ctx, "/validator/latest", query, cacheKey, cache.TTLValidatorSet, func(data json.RawMessage) error {
		var page []ValidatorInfo
		if err := json.Unmarshal(data, &page); err != nil {
			return err
		}
		rows = append(rows, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// GetExtrinsics returns wallet transactions with block_number greater
// than fromBlock. Pass 0 to fetch from genesis.
func (c *Client) GetExtrinsics(ctx context.Context, address string, fromBlock int64) ([]Extrinsic, error) {
	query := url.Values{}
	query.Set("address", address)
	if fromBlock > 0 {
		query.Set("block_start", strconv.FormatInt(fromBlock+1, 10))
	}

	var rows []Extrinsic
	err := c.fetchPages(ctx, "/extrinsics", query, "", 0, func(data json.RawMessage) error {
		var page []Extrinsic
		if err := json.Unmarshal(data, &page); err != nil {
			return err
		}
		rows = append(rows, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}
