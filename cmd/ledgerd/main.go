package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rtkex/exchange-ledger/params"
	"github.com/rtkex/exchange-ledger/pkg/api"
	"github.com/rtkex/exchange-ledger/pkg/bridge"
	"github.com/rtkex/exchange-ledger/pkg/ledger"
	"github.com/rtkex/exchange-ledger/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	store, err := ledger.NewStore(cfg.Node.DBPath)
	if err != nil {
		sugar.Fatalw("open_store", "path", cfg.Node.DBPath, "err", err)
	}
	defer store.Close()

	// External custody: in-process bank standing in for token contracts.
	// Fund it via the devnet /bank endpoints.
	bank := bridge.NewBank()

	led, err := ledger.NewLedger(store, bank, cfg.Fees.Account, cfg.Fees.PPM, util.RealClock{}, sugar)
	if err != nil {
		sugar.Fatalw("open_ledger", "err", err)
	}
	sugar.Infow("ledger_ready",
		"fee_account", cfg.Fees.Account.Hex(),
		"fee_ppm", cfg.Fees.PPM,
		"last_event_seq", led.LastEventSeq(),
	)

	server := api.NewServer(led, bank)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Node.ListenAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		sugar.Infow("shutdown", "signal", sig.String())
	case err := <-errCh:
		sugar.Errorw("api_server", "err", err)
	}
}
