// Package momentum ranks a symbol universe by intraday change rate and
// turns the top picks into an equal-weight rebalancing plan.
package momentum

import (
	"context"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/kisquant/kis-trader/internal/kis"
	"github.com/kisquant/kis-trader/internal/observ"
)

// FailedScore is the sentinel assigned to a symbol whose price lookup
// failed in portfolio scoring. It sorts below any real change rate, so
// the symbol is effectively excluded from selection rather than merely
// penalized.
const FailedScore = -1e9

// ScoreMode controls how a failed price lookup scores.
type ScoreMode int

const (
	// ScoreRecommend keeps failed symbols in the middle of the pack
	// with a zero score; the caller only wants a ranking to look at.
	ScoreRecommend ScoreMode = iota
	// ScorePortfolio pushes failed symbols to the bottom with
	// FailedScore so they can never be selected for real money.
	ScorePortfolio
)

// Scheme is the closed set of allocation schemes. Anything that is not
// equal-weight yields no weight, and that is not an error: callers may
// pass scheme names this engine does not support yet.
type Scheme string

const (
	AllocEqual Scheme = "equal"
	AllocNone  Scheme = ""
)

// ParseScheme maps an arbitrary scheme name onto the closed set.
func ParseScheme(name string) Scheme {
	if name == string(AllocEqual) {
		return AllocEqual
	}
	return AllocNone
}

// Candidate is one scored symbol. Weight stays nil until an allocation
// scheme assigns one.
type Candidate struct {
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	ChangeRate float64         `json:"change_rate"`
	Weight     *float64        `json:"weight"`
	Err        string          `json:"error,omitempty"`
}

// QuoteFetcher is the slice of the broker client the engine needs.
type QuoteFetcher interface {
	FetchPrice(ctx context.Context, token, symbol, market string) (*kis.Quote, error)
}

// Scan fetches a quote per symbol sequentially and scores it. One
// symbol's failure never aborts the scan; the failure is recorded on
// the candidate and scoring continues.
func Scan(ctx context.Context, f QuoteFetcher, token string, symbols []string, market string, mode ScoreMode) []Candidate {
	out := make([]Candidate, 0, len(symbols))
	for _, sym := range symbols {
		q, err := f.FetchPrice(ctx, token, sym, market)
		if err != nil {
			c := Candidate{Symbol: sym, Err: err.Error()}
			if mode == ScorePortfolio {
				c.ChangeRate = FailedScore
			}
			out = append(out, c)
			observ.IncCounter("scan_failures", map[string]string{"market": market})
			continue
		}
		out = append(out, Candidate{
			Symbol:     sym,
			Price:      q.Price,
			ChangeRate: q.ChangeRate,
		})
	}
	return out
}

// Rank sorts candidates by change rate descending. The sort is stable,
// so ties keep their universe order and identical inputs always rank
// identically.
func Rank(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].ChangeRate > cands[j].ChangeRate
	})
}

// SelectTop returns the first n ranked candidates, clamping n to
// [1, len(cands)].
func SelectTop(cands []Candidate, n int) []Candidate {
	if len(cands) == 0 {
		return nil
	}
	if n < 1 {
		n = 1
	}
	if n > len(cands) {
		n = len(cands)
	}
	return cands[:n]
}

// Allocate assigns target weights to the picks. Equal weighting gives
// every pick round(1/N, 4); any other scheme leaves weights nil.
func Allocate(picks []Candidate, scheme Scheme) {
	if scheme != AllocEqual || len(picks) == 0 {
		for i := range picks {
			picks[i].Weight = nil
		}
		return
	}
	w := math.Round(1.0/float64(len(picks))*1e4) / 1e4
	for i := range picks {
		weight := w
		picks[i].Weight = &weight
	}
}

// ComputeOrders diffs the target portfolio against current holdings.
// Desired quantity per target is floor(equity*weight/price); the order
// quantity is desired minus held. Holdings outside the target list are
// liquidated in full at their last known price. A non-positive equity
// means there is nothing to do.
func ComputeOrders(targets []Candidate, holdings map[string]kis.Holding, equity decimal.Decimal) []kis.OrderRequest {
	var orders []kis.OrderRequest
	if equity.Sign() <= 0 || len(targets) == 0 {
		return orders
	}

	weight := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(len(targets))))
	inTargets := make(map[string]bool, len(targets))
	for _, t := range targets {
		inTargets[t.Symbol] = true
		if t.Price.Sign() <= 0 {
			continue
		}
		desired := equity.Mul(weight).Div(t.Price).IntPart()
		current := holdings[t.Symbol].Quantity
		diff := desired - current
		if diff == 0 {
			continue
		}
		side := kis.SideBuy
		if diff < 0 {
			side = kis.SideSell
			diff = -diff
		}
		orders = append(orders, kis.OrderRequest{
			Symbol:   t.Symbol,
			Side:     side,
			Quantity: diff,
			Price:    t.Price,
			Kind:     kis.OrderLimit,
		})
	}

	// Anything held but not selected gets sold off entirely.
	syms := make([]string, 0, len(holdings))
	for sym := range holdings {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	for _, sym := range syms {
		h := holdings[sym]
		if inTargets[sym] || h.Quantity <= 0 {
			continue
		}
		orders = append(orders, kis.OrderRequest{
			Symbol:   sym,
			Side:     kis.SideSell,
			Quantity: h.Quantity,
			Price:    h.Price,
			Kind:     kis.OrderLimit,
		})
	}
	return orders
}
