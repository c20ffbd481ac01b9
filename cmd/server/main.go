package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap/zapcore"

	"bourse/params"
	"bourse/pkg/api"
	"bourse/pkg/exchange"
	"bourse/pkg/ledger"
	"bourse/pkg/server"
	"bourse/pkg/storage"
	"bourse/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("") // "" means load .env from the current directory

	if dir := filepath.Dir(cfg.LogFile); dir != "." {
		os.MkdirAll(dir, 0755)
	}
	logger, err := util.NewLoggerWithFile(cfg.LogFile, zapcore.InfoLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.LogFile)

	// ---- Storage ----
	var store *storage.PebbleStore
	if cfg.Storage.Path != "" {
		store, err = storage.Open(cfg.Storage.Path, nil)
		if err != nil {
			sugar.Fatalw("storage_open_failed", "path", cfg.Storage.Path, "err", err)
		}
		defer store.Close()
		sugar.Infow("storage_opened", "path", cfg.Storage.Path)
	} else {
		sugar.Info("persistence disabled - running in memory")
	}

	// ---- Ledger and engine ----
	var ledgerStore ledger.Store
	var orderStore exchange.OrderStore
	var tradeHistory api.TradeHistory
	if store != nil {
		ledgerStore = store
		orderStore = store
		tradeHistory = store
	}

	ledg := ledger.New(ledgerStore, sugar)

	registry := exchange.NewRegistry()
	seeded := 0
	for _, seed := range cfg.Instruments {
		if err := registry.Register(&exchange.Instrument{ID: seed.Symbol, Name: seed.Name, Issued: seed.Issued}); err != nil {
			sugar.Warnw("instrument_seed_failed", "symbol", seed.Symbol, "err", err)
			continue
		}
		seeded++
	}
	sugar.Infow("instruments_seeded", "count", seeded)

	engine := exchange.NewEngine(registry, ledg, orderStore,
		cfg.Engine.SafetyMultiplier, util.RealClock{}, sugar)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go engine.RunSweeper(ctx, cfg.Engine.SweepInterval)

	// ---- API gateway ----
	apiServer := api.NewServer(engine, ledg, tradeHistory, sugar)
	engine.SetTradeListener(apiServer.BroadcastTrade)
	go func() {
		if err := apiServer.Start(cfg.Server.APIAddr); err != nil {
			sugar.Errorw("api_server_failed", "err", err)
		}
	}()

	// ---- Framed TCP protocol ----
	lis, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		sugar.Fatalw("listen_failed", "addr", cfg.Server.ListenAddr, "err", err)
	}
	sugar.Infow("server_starting", "addr", cfg.Server.ListenAddr, "api_addr", cfg.Server.APIAddr)

	srv := server.New(engine, ledg, cfg.Engine.StartingCash, cfg.Server.ReceiveTimeout, sugar)
	if err := srv.Serve(ctx, lis); err != nil {
		sugar.Errorw("server_stopped", "err", err)
	}
	sugar.Info("shutdown complete")
}
