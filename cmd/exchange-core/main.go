// Command exchange-core runs the matching and settlement core as a single
// process: it wires storage, the lock manager, the ledger, the matching
// engine and the transaction workflow, and serves metrics and health
// endpoints until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantex/exchange-core/internal/breaker"
	"github.com/quantex/exchange-core/internal/config"
	"github.com/quantex/exchange-core/internal/database"
	"github.com/quantex/exchange-core/internal/engine"
	"github.com/quantex/exchange-core/internal/events"
	"github.com/quantex/exchange-core/internal/funds"
	"github.com/quantex/exchange-core/internal/ledger"
	"github.com/quantex/exchange-core/internal/lockmanager"
	"github.com/quantex/exchange-core/internal/marketdata"
	"github.com/quantex/exchange-core/internal/workflow"
	"github.com/quantex/exchange-core/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	db, err := database.Open(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	var bus events.Bus
	var kafkaBus *events.KafkaBus
	if cfg.Kafka.Enabled {
		kafkaBus = events.NewKafkaBus(log, cfg.Kafka.Brokers, cfg.Kafka.Topic)
		bus = kafkaBus
	} else {
		bus = events.NewInMemoryBus(log)
	}

	locks := lockmanager.NewManager(log,
		lockmanager.WithDefaultTTL(cfg.Lock.DefaultTTL),
		lockmanager.WithWaitTimeout(cfg.Lock.WaitTimeout),
		lockmanager.WithCleanupInterval(cfg.Lock.CleanupInterval))
	defer locks.Shutdown()

	store := ledger.NewStore(log, db)
	fundsSvc := funds.NewService(log, locks, store)
	brk := breaker.New(log, cfg.Breaker)
	feed := marketdata.NewInMemoryFeed()
	rates := marketdata.NewStaticRateSource()

	eng := engine.NewEngine(log, db, store, fundsSvc, locks, brk, bus,
		engine.WithCommissionRate(decimal.NewFromFloat(cfg.Trading.CommissionRate)),
		engine.WithFeed(feed))
	for _, sym := range cfg.Trading.Symbols {
		eng.RegisterSymbol(engine.Symbol{
			Name:          sym.Name,
			BaseCurrency:  sym.Base,
			QuoteCurrency: sym.Quote,
		})
		log.Info("symbol registered",
			zap.String("symbol", sym.Name),
			zap.String("base", sym.Base),
			zap.String("quote", sym.Quote))
	}

	orchestrator := workflow.NewOrchestrator(log, db, store, locks, rates, bus, cfg.Limits)

	// Delivery layers (HTTP/WebSocket command APIs) live outside this
	// process; the embedded adapters below cover operations only.
	adapter := newOpsAdapter(log, eng, orchestrator, brk)
	for _, topic := range []string{workflow.TopicTransactions, engine.TopicOrders, engine.TopicTrades} {
		bus.Subscribe(topic, adapter.logEvent)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/depth", adapter.handleDepth)
	mux.HandleFunc("/breaker", adapter.handleBreaker)
	mux.HandleFunc("/transactions", adapter.handleTransaction)
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("serving metrics and health", zap.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("http server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	if kafkaBus != nil {
		if err := kafkaBus.Close(); err != nil {
			log.Warn("kafka close failed", zap.Error(err))
		}
	}
	return nil
}
