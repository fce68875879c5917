package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/kisquant/kis-trader/internal/config"
	"github.com/kisquant/kis-trader/internal/observ"
)

// requestTimeout is the fixed per-request deadline for every KIS call.
const requestTimeout = 5 * time.Second

// Transaction-type identifiers. The balance query and order endpoints
// use distinct codes per mode and per side; this is the provider's
// contract, not something to normalize away.
const (
	trPrice       = "FHKST01010100"
	trBalanceProd = "TTTC8434R"
	trBalanceVts  = "VTTC8434R"
	trOrderBuy    = "TTTC0012U"
	trOrderSell   = "TTTC0011U"
)

// Client executes quote, balance, and order requests against one
// resolved environment. It holds no session state beyond the rate
// limiter; tokens come from the caller.
type Client struct {
	env     config.Environment
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient builds a client for env, pacing requests at ratePerSecond
// so a universe scan does not trip the provider's throttling. A zero
// or negative rate disables pacing.
func NewClient(env config.Environment, ratePerSecond float64) *Client {
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
	}
	return &Client{
		env:     env,
		http:    &http.Client{Timeout: requestTimeout},
		limiter: limiter,
	}
}

// FetchPrice retrieves the current quote for symbol on the given
// market venue (J, NX, or UN).
func (c *Client) FetchPrice(ctx context.Context, token, symbol, market string) (*Quote, error) {
	params := url.Values{
		"FID_COND_MRKT_DIV_CODE": {market},
		"FID_INPUT_ISCD":         {symbol},
	}

	raw, err := c.get(ctx, token, trPrice, "/uapi/domestic-stock/v1/quotations/inquire-price", params)
	if err != nil {
		return nil, err
	}

	var res priceResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, newTransportError("decode price response", err)
	}

	return &Quote{
		Symbol:     symbol,
		Price:      parseAmount(res.Output.Price),
		ChangeRate: parseRate(res.Output.ChangeRate),
		Open:       parseAmount(res.Output.Open),
		High:       parseAmount(res.Output.High),
		Low:        parseAmount(res.Output.Low),
		Raw:        raw,
	}, nil
}

// FetchBalance retrieves the holdings and evaluation totals for the
// client's account. Only the first page is fetched; the continuation
// keys are sent empty and never followed.
func (c *Client) FetchBalance(ctx context.Context, token string) (*Balance, error) {
	trID := trBalanceProd
	if c.env.Mode == "paper" {
		trID = trBalanceVts
	}

	params := url.Values{
		"CANO":                  {c.env.Account},
		"ACNT_PRDT_CD":          {c.env.Product},
		"AFHR_FLPR_YN":          {"N"},
		"OFL_YN":                {""},
		"INQR_DVSN":             {"02"},
		"UNPR_DVSN":             {"01"},
		"FUND_STTL_ICLD_YN":     {"N"},
		"FNCG_AMT_AUTO_RDPT_YN": {"N"},
		"PRCS_DVSN":             {"00"},
		"CTX_AREA_FK100":        {""},
		"CTX_AREA_NK100":        {""},
	}

	raw, err := c.get(ctx, token, trID, "/uapi/domestic-stock/v1/trading/inquire-balance", params)
	if err != nil {
		return nil, err
	}

	var res balanceResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, newTransportError("decode balance response", err)
	}

	holdings := make([]Holding, 0, len(res.Output1))
	for _, h := range res.Output1 {
		if h.Symbol == "" {
			continue
		}
		holdings = append(holdings, Holding{
			Symbol:   h.Symbol,
			Quantity: parseQuantity(h.Quantity),
			AvgCost:  parseAmount(h.AvgCost),
			PnLRate:  parseRate(h.PnLRate),
			Price:    parseAmount(h.Price),
		})
	}

	t := res.totals()
	return &Balance{
		Holdings: holdings,
		Totals: BalanceTotals{
			TotalEval:   parseAmount(t.TotalEval),
			EvalSum:     parseAmount(t.EvalSum),
			PurchaseSum: parseAmount(t.PurchaseSum),
			Deposit:     parseAmount(t.Deposit),
			PnLSum:      parseAmount(t.PnLSum),
			ReturnRate:  parseRate(t.ReturnRate),
		},
		Raw: raw,
	}, nil
}

// PlaceOrder submits a cash order. Market orders always go out with a
// zero unit price regardless of the request's price; the order
// endpoint rejects anything else.
func (c *Client) PlaceOrder(ctx context.Context, token string, o OrderRequest) (*OrderResult, error) {
	if o.Side != SideBuy && o.Side != SideSell {
		return nil, fmt.Errorf("invalid order side %q", o.Side)
	}

	trID := trOrderBuy
	if o.Side == SideSell {
		trID = trOrderSell
	}

	unitPrice := "0"
	if o.Kind == OrderLimit {
		unitPrice = o.Price.String()
	}

	body := map[string]string{
		"CANO":         c.env.Account,
		"ACNT_PRDT_CD": c.env.Product,
		"PDNO":         o.Symbol,
		"ORD_DVSN":     string(o.Kind),
		"ORD_QTY":      fmt.Sprintf("%d", o.Quantity),
		"ORD_UNPR":     unitPrice,
	}
	if o.Side == SideSell {
		body["SLL_TYPE"] = "01"
	}

	raw, err := c.post(ctx, token, trID, "/uapi/domestic-stock/v1/trading/order-cash", body)
	if err != nil {
		return nil, err
	}

	var res orderResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, newTransportError("decode order response", err)
	}

	// The order endpoint reports rejections in the payload with a 200
	// transport status. rt_cd "0" is the only success value.
	if res.RtCd != "0" {
		return nil, newOrderRejected(res.MsgCd, res.Msg)
	}

	observ.IncCounter("orders_placed", map[string]string{"mode": c.env.Mode, "side": string(o.Side)})
	return &OrderResult{OrderNo: res.Output.OrderNo, Raw: raw}, nil
}

func (c *Client) headers(req *http.Request, token, trID string) {
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("authorization", "Bearer "+token)
	req.Header.Set("appkey", c.env.AppKey)
	req.Header.Set("appsecret", c.env.AppSecret)
	req.Header.Set("tr_id", trID)
	req.Header.Set("custtype", "P")
	req.Header.Set("User-Agent", c.env.UserAgent)
}

func (c *Client) get(ctx context.Context, token, trID, path string, params url.Values) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.env.BaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, newTransportError("create request", err)
	}
	c.headers(req, token, trID)
	return c.do(req, path)
}

func (c *Client) post(ctx context.Context, token, trID, path string, body map[string]string) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, newTransportError("encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.env.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, newTransportError("create request", err)
	}
	c.headers(req, token, trID)
	return c.do(req, path)
}

func (c *Client) do(req *http.Request, path string) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, newTransportError("rate limit wait", err)
		}
	}

	observ.IncCounter("api_requests", map[string]string{"path": path, "mode": c.env.Mode})

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, newTransportError(req.Method+" "+path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newTransportError("read response", err)
	}

	if resp.StatusCode == 401 || resp.StatusCode == 403 {
		var detail tokenResponse
		_ = json.Unmarshal(raw, &detail)
		return nil, newAuthError(resp.StatusCode, detail.ErrorCode, detail.ErrorDesc)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newStatusError(path, resp.StatusCode, string(raw))
	}

	return raw, nil
}
