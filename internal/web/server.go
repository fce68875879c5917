// Package web exposes the client layer as a JSON API, mirroring the
// operations the CLI offers: token lifecycle, quotes, balances,
// orders, and the momentum ranking endpoints.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kisquant/kis-trader/internal/config"
	"github.com/kisquant/kis-trader/internal/kis"
	"github.com/kisquant/kis-trader/internal/momentum"
	"github.com/kisquant/kis-trader/internal/observ"
	"github.com/kisquant/kis-trader/internal/universe"
)

// Broker is the slice of the KIS client the handlers need; tests
// substitute a fake.
type Broker interface {
	FetchPrice(ctx context.Context, token, symbol, market string) (*kis.Quote, error)
	FetchBalance(ctx context.Context, token string) (*kis.Balance, error)
	PlaceOrder(ctx context.Context, token string, o kis.OrderRequest) (*kis.OrderResult, error)
}

// Server wires the token manager, broker client factory, and universe
// provider behind the HTTP routes.
type Server struct {
	cfg       config.Root
	tokens    *kis.TokenManager
	universe  *universe.Provider
	newBroker func(env config.Environment) Broker
}

func New(cfg config.Root) *Server {
	prov := universe.New(cfg.Universe.Path)
	prov.URL = cfg.Universe.URL
	if cfg.Universe.TTLHours > 0 {
		prov.TTL = time.Duration(cfg.Universe.TTLHours) * time.Hour
	}
	return &Server{
		cfg:      cfg,
		tokens:   kis.NewTokenManager(),
		universe: prov,
		newBroker: func(env config.Environment) Broker {
			return kis.NewClient(env, cfg.Trading.RatePerSecond)
		},
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/token/issue", s.handleTokenIssue)
	mux.HandleFunc("POST /api/token/revoke", s.handleTokenRevoke)
	mux.HandleFunc("GET /api/price", s.handlePrice)
	mux.HandleFunc("GET /api/balance", s.handleBalance)
	mux.HandleFunc("POST /api/order", s.handleOrder)
	mux.HandleFunc("POST /api/recommend", s.handleRecommend)
	mux.HandleFunc("POST /api/portfolio", s.handlePortfolio)
	mux.Handle("GET /metrics", observ.Handler())
	return mux
}

// symbolList accepts either a JSON array or a comma-separated string.
type symbolList []string

func (s *symbolList) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*s = list
		return nil
	}
	var joined string
	if err := json.Unmarshal(b, &joined); err != nil {
		return err
	}
	for _, part := range strings.Split(joined, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}

// errStatus maps the client error taxonomy onto HTTP statuses.
func errStatus(err error) int {
	var e *kis.Error
	if errors.As(err, &e) {
		switch e.Kind {
		case kis.KindCredential:
			return http.StatusBadRequest
		case kis.KindAuth:
			if e.Status != 0 {
				return e.Status
			}
			return http.StatusUnauthorized
		case kis.KindOrderRejected:
			return http.StatusUnprocessableEntity
		}
	}
	return http.StatusInternalServerError
}

// maskedPayload parses a raw provider body and masks credentials so it
// can be echoed to the caller.
func maskedPayload(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return config.Mask(v)
}

// resolveToken returns the supplied token, or issues one for the mode
// when the caller sent none.
func (s *Server) resolveToken(ctx context.Context, env config.Environment, token string) (string, error) {
	if token != "" {
		return token, nil
	}
	return s.tokens.GetOrIssue(ctx, env)
}

func (s *Server) handleTokenIssue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Mode == "" {
		req.Mode = "paper"
	}

	env, err := config.Resolve(req.Mode)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	if cached, ok := s.tokens.Cached(env.Mode); ok {
		observ.Log("token_reused", map[string]any{"mode": env.Mode})
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"data":    map[string]any{"access_token": "***cached***"},
			"token":   cached,
		})
		return
	}

	info, err := s.tokens.GetOrIssueInfo(r.Context(), env)
	if err != nil {
		writeErr(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"data":       maskedPayload(info.Raw),
		"token":      info.Token,
		"expires_in": info.ExpiresIn,
	})
}

func (s *Server) handleTokenRevoke(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode  string `json:"mode"`
		Token string `json:"token"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Mode == "" {
		req.Mode = "paper"
	}
	if req.Token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "token is required"})
		return
	}

	env, err := config.Resolve(req.Mode)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := s.tokens.Revoke(r.Context(), env, req.Token); err != nil {
		writeErr(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "symbol is required"})
		return
	}
	market := queryDefault(r, "market", s.cfg.Trading.Market)
	mode := queryDefault(r, "mode", "paper")

	env, err := config.Resolve(mode)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	token, err := s.resolveToken(r.Context(), env, r.URL.Query().Get("token"))
	if err != nil {
		writeErr(w, errStatus(err), err)
		return
	}

	quote, err := s.newBroker(env).FetchPrice(r.Context(), token, symbol, market)
	if err != nil {
		writeErr(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    maskedPayload(quote.Raw),
		"quote":   quote,
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	mode := queryDefault(r, "mode", "paper")
	env, err := config.Resolve(mode)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	token, err := s.resolveToken(r.Context(), env, r.URL.Query().Get("token"))
	if err != nil {
		writeErr(w, errStatus(err), err)
		return
	}

	bal, err := s.newBroker(env).FetchBalance(r.Context(), token)
	if err != nil {
		writeErr(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"data":     maskedPayload(bal.Raw),
		"holdings": bal.Holdings,
		"summary":  bal.Totals,
	})
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Side      string `json:"side"`
		Symbol    string `json:"symbol"`
		Qty       int64  `json:"qty"`
		Price     int64  `json:"price"`
		OrderType string `json:"order_type"`
		Mode      string `json:"mode"`
		Token     string `json:"token"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	if req.Side != string(kis.SideBuy) && req.Side != string(kis.SideSell) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "side must be 'buy' or 'sell'"})
		return
	}
	if req.Symbol == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "symbol is required"})
		return
	}
	if req.Qty <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "qty is required"})
		return
	}
	if req.Mode == "" {
		req.Mode = "paper"
	}
	kind := kis.OrderKind(req.OrderType)
	if kind == "" {
		kind = kis.OrderLimit
	}

	env, err := config.Resolve(req.Mode)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	token, err := s.resolveToken(r.Context(), env, req.Token)
	if err != nil {
		writeErr(w, errStatus(err), err)
		return
	}

	res, err := s.newBroker(env).PlaceOrder(r.Context(), token, kis.OrderRequest{
		Symbol:   req.Symbol,
		Side:     kis.Side(req.Side),
		Quantity: req.Qty,
		Price:    decimal.NewFromInt(req.Price),
		Kind:     kind,
	})
	if err != nil {
		writeErr(w, errStatus(err), err)
		return
	}

	observ.Log("order_placed", map[string]any{
		"mode": env.Mode, "side": req.Side, "symbol": req.Symbol, "qty": req.Qty, "order_no": res.OrderNo,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"data":     maskedPayload(res.Raw),
		"order_no": res.OrderNo,
	})
}

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbols symbolList `json:"symbols"`
		Market  string     `json:"market"`
		Mode    string     `json:"mode"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if len(req.Symbols) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "symbols list is required"})
		return
	}
	if req.Market == "" {
		req.Market = s.cfg.Trading.Market
	}
	if req.Mode == "" {
		req.Mode = "paper"
	}

	env, err := config.Resolve(req.Mode)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	token, err := s.tokens.GetOrIssue(r.Context(), env)
	if err != nil {
		writeErr(w, errStatus(err), err)
		return
	}

	ranked := momentum.Scan(r.Context(), s.newBroker(env), token, req.Symbols, req.Market, momentum.ScoreRecommend)
	momentum.Rank(ranked)

	observ.Log("recommend_computed", map[string]any{"mode": env.Mode, "symbols": len(req.Symbols)})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "summary": ranked})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Symbols       symbolList `json:"symbols"`
		Market        string     `json:"market"`
		Mode          string     `json:"mode"`
		TopN          int        `json:"top_n"`
		Alloc         string     `json:"alloc"`
		UseSystem     *bool      `json:"use_system"`
		UniverseLimit int        `json:"universe_limit"`
	}{}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Market == "" {
		req.Market = s.cfg.Trading.Market
	}
	if req.Mode == "" {
		req.Mode = "paper"
	}
	if req.TopN == 0 {
		req.TopN = s.cfg.Trading.TopN
	}
	if req.Alloc == "" {
		req.Alloc = s.cfg.Trading.Alloc
	}
	if req.UniverseLimit == 0 {
		req.UniverseLimit = s.cfg.Universe.Limit
	}

	symbols := []string(req.Symbols)
	useSystem := req.UseSystem == nil || *req.UseSystem
	if useSystem || len(symbols) == 0 {
		var err error
		symbols, err = s.universe.Load(r.Context(), req.UniverseLimit)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
	}
	if len(symbols) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "symbols universe is empty"})
		return
	}

	env, err := config.Resolve(req.Mode)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	token, err := s.tokens.GetOrIssue(r.Context(), env)
	if err != nil {
		writeErr(w, errStatus(err), err)
		return
	}

	observ.SetGauge("universe_size", float64(len(symbols)), map[string]string{"mode": env.Mode})

	scored := momentum.Scan(r.Context(), s.newBroker(env), token, symbols, req.Market, momentum.ScorePortfolio)
	momentum.Rank(scored)
	picks := momentum.SelectTop(scored, req.TopN)
	momentum.Allocate(picks, momentum.ParseScheme(req.Alloc))

	observ.Log("portfolio_built", map[string]any{
		"mode": env.Mode, "universe": len(symbols), "top_n": len(picks),
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "summary": picks})
}

func queryDefault(r *http.Request, key, fallback string) string {
	if v := r.URL.Query().Get(key); v != "" {
		return v
	}
	return fallback
}
