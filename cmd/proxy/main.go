package main

import (
	"context"
	"log"
	"os"

	"github.com/temporalxyz/shredstream-proxy/internal/config"
	"github.com/temporalxyz/shredstream-proxy/internal/proxy"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := proxy.BuildLogger(cfg)
	p, err := proxy.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("proxy initialization failed", "error", err)
		os.Exit(1)
	}

	if err := p.Run(context.Background()); err != nil {
		logger.Error("proxy runtime failed", "error", err)
		os.Exit(1)
	}
}
