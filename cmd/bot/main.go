// ====================================
// File: cmd/bot/main.go
// ====================================
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/Yuphix/fafnir-sub000/internal/bot"
	"github.com/Yuphix/fafnir-sub000/internal/config"
	"github.com/Yuphix/fafnir-sub000/internal/export"
	"github.com/Yuphix/fafnir-sub000/internal/history"
	"github.com/Yuphix/fafnir-sub000/internal/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the engine config (YAML or JSON)")
	exportFormat := flag.String("export", "", "write the trade history as csv or json and exit")
	exportWallet := flag.String("wallet", "", "only export trades for this wallet")
	dailyReport := flag.String("daily-report", "", "write the JSON report for one day (YYYY-MM-DD) and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync(log) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := bot.NewRunner(cfg, log)
	if err := runner.Initialize(ctx); err != nil {
		log.Error("Failed to initialize engine", zap.Error(err))
		_ = runner.Shutdown()
		_ = logger.Sync(log)
		os.Exit(1)
	}

	if *dailyReport != "" {
		path, err := runner.ExportDailyReport(*dailyReport)
		if shutdownErr := runner.Shutdown(); shutdownErr != nil {
			log.Warn("Shutdown completed with errors", zap.Error(shutdownErr))
		}
		if err != nil {
			log.Error("Daily report failed", zap.Error(err))
			_ = logger.Sync(log)
			os.Exit(1)
		}
		if path == "" {
			fmt.Println("no trades on", *dailyReport)
			return
		}
		fmt.Println(path)
		return
	}

	if *exportFormat != "" {
		path, err := runner.ExportTrades(export.ExportFormat(*exportFormat), history.Filter{Wallet: *exportWallet})
		if shutdownErr := runner.Shutdown(); shutdownErr != nil {
			log.Warn("Shutdown completed with errors", zap.Error(shutdownErr))
		}
		if err != nil {
			log.Error("Export failed", zap.Error(err))
			_ = logger.Sync(log)
			os.Exit(1)
		}
		fmt.Println(path)
		return
	}

	if err := runner.Run(ctx); err != nil {
		log.Error("Engine stopped with errors", zap.Error(err))
		_ = logger.Sync(log)
		os.Exit(1)
	}
}
