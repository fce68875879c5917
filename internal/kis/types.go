package kis

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Side selects the order direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderKind maps to the KIS ORD_DVSN field.
type OrderKind string

const (
	OrderLimit  OrderKind = "00"
	OrderMarket OrderKind = "01"
)

// Market venue codes accepted by the price endpoint.
const (
	MarketKRX      = "J"  // primary exchange
	MarketNextrade = "NX" // alternate venue
	MarketUnified  = "UN"
)

// Quote is a normalized price snapshot for one symbol. Ephemeral;
// produced per request and never cached.
type Quote struct {
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`       // stck_prpr
	ChangeRate float64         `json:"change_rate"` // prdy_ctrt, signed percent
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Raw        json.RawMessage `json:"-"` // full provider payload for shells
}

// Holding is one position from a balance snapshot.
type Holding struct {
	Symbol   string          `json:"symbol"`
	Quantity int64           `json:"quantity"`
	AvgCost  decimal.Decimal `json:"avg_cost"`
	PnLRate  float64         `json:"pnl_rate"`
	Price    decimal.Decimal `json:"price"`
}

// BalanceTotals carries the account-level evaluation figures.
type BalanceTotals struct {
	TotalEval   decimal.Decimal `json:"tot_evlu_amt"`
	EvalSum     decimal.Decimal `json:"evlu_amt_smtl_amt"`
	PurchaseSum decimal.Decimal `json:"pchs_amt_smtl_amt"`
	Deposit     decimal.Decimal `json:"dnca_tot_amt"`
	PnLSum      decimal.Decimal `json:"evlu_pfls_smtl_amt"`
	ReturnRate  float64         `json:"asst_icdc_erng_rt"`
}

// Balance is a single-page balance snapshot.
type Balance struct {
	Holdings []Holding       `json:"holdings"`
	Totals   BalanceTotals   `json:"totals"`
	Raw      json.RawMessage `json:"-"`
}

// Equity returns the total evaluation amount, falling back to the
// holdings evaluation sum when the provider omits the total.
func (b *Balance) Equity() decimal.Decimal {
	if !b.Totals.TotalEval.IsZero() {
		return b.Totals.TotalEval
	}
	return b.Totals.EvalSum
}

// HoldingsBySymbol indexes the holdings list.
func (b *Balance) HoldingsBySymbol() map[string]Holding {
	m := make(map[string]Holding, len(b.Holdings))
	for _, h := range b.Holdings {
		m[h.Symbol] = h
	}
	return m
}

// OrderRequest is a buy or sell instruction for the order endpoint.
type OrderRequest struct {
	Symbol   string          `json:"symbol"`
	Side     Side            `json:"side"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Kind     OrderKind       `json:"order_kind"`
}

// OrderResult echoes the provider's order acknowledgement.
type OrderResult struct {
	OrderNo string          `json:"order_no"`
	Raw     json.RawMessage `json:"-"`
}

// Wire-level response shapes.

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	ErrorCode   string `json:"error_code"`
	ErrorDesc   string `json:"error_description"`
}

type priceOutput struct {
	Price      string `json:"stck_prpr"`
	ChangeRate string `json:"prdy_ctrt"`
	Open       string `json:"stck_oprc"`
	High       string `json:"stck_hgpr"`
	Low        string `json:"stck_lwpr"`
}

type priceResponse struct {
	RtCd   string      `json:"rt_cd"`
	MsgCd  string      `json:"msg_cd"`
	Msg    string      `json:"msg1"`
	Output priceOutput `json:"output"`
}

type balanceHolding struct {
	Symbol   string `json:"pdno"`
	Quantity string `json:"hldg_qty"`
	AvgCost  string `json:"pchs_avg_pric"`
	PnLRate  string `json:"evlu_pfls_rt"`
	Price    string `json:"prpr"`
}

type balanceTotals struct {
	TotalEval   string `json:"tot_evlu_amt"`
	EvalSum     string `json:"evlu_amt_smtl_amt"`
	PurchaseSum string `json:"pchs_amt_smtl_amt"`
	Deposit     string `json:"dnca_tot_amt"`
	PnLSum      string `json:"evlu_pfls_smtl_amt"`
	ReturnRate  string `json:"asst_icdc_erng_rt"`
}

type balanceResponse struct {
	RtCd    string           `json:"rt_cd"`
	MsgCd   string           `json:"msg_cd"`
	Msg     string           `json:"msg1"`
	Output1 []balanceHolding `json:"output1"`
	Output2 json.RawMessage  `json:"output2"` // list or object, provider is inconsistent
}

// totals normalizes the output2 list-or-object ambiguity: first
// element if list, the object itself otherwise.
func (r *balanceResponse) totals() balanceTotals {
	var t balanceTotals
	if len(r.Output2) == 0 {
		return t
	}
	trimmed := strings.TrimSpace(string(r.Output2))
	if strings.HasPrefix(trimmed, "[") {
		var list []balanceTotals
		if err := json.Unmarshal(r.Output2, &list); err == nil && len(list) > 0 {
			return list[0]
		}
		return t
	}
	_ = json.Unmarshal(r.Output2, &t)
	return t
}

type orderOutput struct {
	OrderNo string `json:"ODNO"`
}

type orderResponse struct {
	RtCd   string      `json:"rt_cd"`
	MsgCd  string      `json:"msg_cd"`
	Msg    string      `json:"msg1"`
	Output orderOutput `json:"output"`
}

// parseAmount converts a KIS numeric string ("1,234" style) to a
// decimal, returning zero on anything unparsable.
func parseAmount(s string) decimal.Decimal {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// parseRate converts a percent string to float64, zero on failure.
func parseRate(s string) float64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func parseQuantity(s string) int64 {
	return parseAmount(s).IntPart()
}
