// PayxPay - invoices paid in USDC on Xion, from inside Telegram
package main

import (
	"context"
	"os"

	"github.com/payxpay/payxpay/internal/config"
	"github.com/payxpay/payxpay/internal/logging"
	"github.com/payxpay/payxpay/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting payxpay",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"chain_id", cfg.XionChainID,
		"escrow_contract", cfg.EscrowContract,
		"arbiter", cfg.ArbiterEnabled(),
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
