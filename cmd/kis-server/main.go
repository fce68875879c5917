package main

import (
	"flag"
	"log"
	"net/http"

	"github.com/kisquant/kis-trader/internal/config"
	"github.com/kisquant/kis-trader/internal/observ"
	"github.com/kisquant/kis-trader/internal/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	addr := flag.String("addr", "", "listen address (overrides config)")
	flag.Parse()

	if !config.LoadDotenv() {
		log.Println("warning: no .env file found, using process environment")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	srv := web.New(cfg)
	observ.Log("server_starting", map[string]any{"addr": cfg.Server.Addr, "mode": cfg.Mode})
	if err := http.ListenAndServe(cfg.Server.Addr, srv.Handler()); err != nil {
		log.Fatalf("server: %v", err)
	}
}
