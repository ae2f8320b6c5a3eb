package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"exec-core/internal/audit"
	"exec-core/internal/connector"
	"exec-core/internal/events"
	"exec-core/internal/monitor"
	"exec-core/internal/order"
	"exec-core/internal/risk"
	"exec-core/internal/settlement"
	"exec-core/pkg/config"
	"exec-core/pkg/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	store, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer store.Close()

	if err := db.ApplyMigrations(store); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	policy, err := config.NewProvider(cfg.PolicyPath)
	if err != nil {
		log.Fatalf("load risk policy: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	auditor := audit.NewAuditor(store)

	startingBalances := map[string]float64{}
	for mode, mp := range policy.Policy().Modes {
		startingBalances[mode] = mp.StartingBalance
	}
	ledger := settlement.NewLedger(store, nil, settlement.Config{
		StartingBalances: startingBalances,
		Currency:         cfg.Currency,
	})

	riskMgr := risk.NewManager(store, policy, bus, nil)
	orders := order.NewManager(store, ledger, riskMgr, auditor, bus, cfg.PaperFeeRate)

	orders.RegisterConnector("paper", connector.NewPaper("paper", store, ledger, connector.PaperConfig{
		SlippageBps:  cfg.PaperSlippageBps,
		SpreadBps:    cfg.PaperSpreadBps,
		FillOnCreate: cfg.PaperFillOnCreate,
	}))

	liveBase := cfg.VenueBaseURL
	liveMode := "live"
	if cfg.Testnet {
		liveBase = cfg.VenueTestnetURL
		liveMode = "testnet"
	}
	live := connector.NewLive(connector.LiveConfig{
		Venue:        liveMode,
		BaseURL:      liveBase,
		APIKeyEnv:    cfg.APIKeyEnv,
		APISecretEnv: cfg.APISecretEnv,
		Timeout:      cfg.ConnectorTimeout,
	})
	orders.RegisterConnector(liveMode, live)

	metrics := monitor.NewMetrics(prometheus.DefaultRegisterer)
	mon := monitor.New(bus, metrics, monitor.LogSink{})
	mon.Start(ctx)
	defer mon.Stop()

	if cfg.EnableUserStream {
		stream := connector.NewUserStream(connector.StreamConfig{
			Venue:     liveMode,
			WSBaseURL: cfg.VenueWSURL,
		}, live, func(ctx context.Context, venueOrderID string) {
			orders.SyncByVenueID(ctx, liveMode, venueOrderID)
		})
		go stream.Run(ctx)
	}

	go syncLoop(ctx, orders, metrics, []string{"paper", liveMode}, cfg.SyncInterval)
	go serveMetrics(cfg.MetricsAddr)

	// SIGHUP re-reads the policy file without interrupting order flow.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := policy.Reload(); err != nil {
				log.Printf("policy reload failed, keeping previous snapshot: %v", err)
				continue
			}
			log.Printf("policy reloaded")
		}
	}()

	log.Printf("execution core started (db=%s, metrics=%s, live mode=%s)", cfg.DBPath, cfg.MetricsAddr, liveMode)
	<-ctx.Done()
	log.Printf("shutting down")
}

// syncLoop periodically reconciles open orders against venue state so resting
// orders progress even without a user stream.
func syncLoop(ctx context.Context, orders *order.Manager, metrics *monitor.Metrics, modes []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, mode := range modes {
				open := orders.SyncOpenOrders(ctx, mode)
				metrics.OpenOrders.WithLabelValues(mode).Set(float64(open))
			}
		}
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("metrics server: %v", err)
	}
}
