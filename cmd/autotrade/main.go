// Command autotrade rebalances the account onto the top momentum
// picks with equal weighting. Dry-run by default; -live sends orders.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/kisquant/kis-trader/internal/config"
	"github.com/kisquant/kis-trader/internal/kis"
	"github.com/kisquant/kis-trader/internal/momentum"
	"github.com/kisquant/kis-trader/internal/observ"
	"github.com/kisquant/kis-trader/internal/universe"
)

func main() {
	mode := flag.String("mode", "paper", "paper or prod")
	market := flag.String("market", kis.MarketKRX, "market venue: J=KRX, NX=Nextrade, UN=Unified")
	universeFlag := flag.String("universe", "", "comma-separated symbols; default universe when empty")
	universeLimit := flag.Int("universe-limit", 0, "load this many symbols from the KRX snapshot instead of the default universe")
	snapshotPath := flag.String("snapshot", "data/krx_universe.csv", "universe snapshot path")
	topN := flag.Int("top-n", 5, "number of symbols to hold")
	orderType := flag.String("order-type", "01", "00=limit, 01=market (price sent as 0)")
	ratePerSec := flag.Float64("rate", 5, "max API requests per second; 0 disables pacing")
	live := flag.Bool("live", false, "execute orders (default: dry-run)")
	flag.Parse()

	if !config.LoadDotenv() {
		log.Println("warning: no .env file found, using process environment")
	}

	env, err := config.Resolve(*mode)
	if err != nil {
		log.Fatalf("resolve environment: %v", err)
	}

	ctx := context.Background()
	symbols, err := pickUniverse(ctx, *universeFlag, *universeLimit, *snapshotPath)
	if err != nil {
		log.Fatalf("load universe: %v", err)
	}

	tokens := kis.NewTokenManager()
	token, err := tokens.GetOrIssue(ctx, env)
	if err != nil {
		log.Fatalf("obtain token: %v", err)
	}

	client := kis.NewClient(env, *ratePerSec)

	scored := momentum.Scan(ctx, client, token, symbols, *market, momentum.ScorePortfolio)
	momentum.Rank(scored)
	targets := momentum.SelectTop(scored, *topN)

	balance, err := client.FetchBalance(ctx, token)
	if err != nil {
		log.Fatalf("fetch balance: %v", err)
	}
	equity := balance.Equity()
	holdings := balance.HoldingsBySymbol()

	orders := momentum.ComputeOrders(targets, holdings, equity)

	fmt.Println("\n=== Portfolio targets (top momentum) ===")
	for _, t := range targets {
		fmt.Printf("%s: price=%s change%%=%.2f\n", t.Symbol, t.Price, t.ChangeRate)
	}
	fmt.Println("\nEquity:", equity)

	if len(orders) == 0 {
		fmt.Println("\nNo rebalancing needed.")
		return
	}

	fmt.Println("\n=== Planned Orders ===")
	for _, o := range orders {
		fmt.Printf("%-4s %s qty=%d price=%s\n", strings.ToUpper(string(o.Side)), o.Symbol, o.Quantity, o.Price)
	}

	if !*live {
		fmt.Println("\nDry-run mode: no orders sent. Use -live to execute.")
		return
	}

	kind := kis.OrderKind(*orderType)
	for _, o := range orders {
		o.Kind = kind
		res, err := client.PlaceOrder(ctx, token, o)
		if err != nil {
			// One rejected order must not stop the rest of the plan.
			fmt.Fprintf(os.Stderr, "Order failed for %s: %v\n", o.Symbol, err)
			continue
		}
		observ.Log("order_sent", map[string]any{
			"mode": env.Mode, "side": o.Side, "symbol": o.Symbol, "qty": o.Quantity, "order_no": res.OrderNo,
		})
		fmt.Printf("Sent %s %s qty=%d -> order_no=%s\n", o.Side, o.Symbol, o.Quantity, res.OrderNo)
	}
}

// pickUniverse prefers an explicit symbol list, then the KRX snapshot
// when a limit is given, then the built-in large-cap fallback.
func pickUniverse(ctx context.Context, csvList string, limit int, snapshotPath string) ([]string, error) {
	if csvList != "" {
		var symbols []string
		for _, s := range strings.Split(csvList, ",") {
			if s = strings.TrimSpace(s); s != "" {
				symbols = append(symbols, s)
			}
		}
		return symbols, nil
	}
	if limit > 0 {
		return universe.New(snapshotPath).Load(ctx, limit)
	}
	return universe.Fallback, nil
}
