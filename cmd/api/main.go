package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/marketplace-fulfillment/internal/bus"
	"github.com/ariefcatur/marketplace-fulfillment/internal/config"
	"github.com/ariefcatur/marketplace-fulfillment/internal/consolidation"
	"github.com/ariefcatur/marketplace-fulfillment/internal/delivery"
	"github.com/ariefcatur/marketplace-fulfillment/internal/demand"
	"github.com/ariefcatur/marketplace-fulfillment/internal/events"
	"github.com/ariefcatur/marketplace-fulfillment/internal/httpx"
	"github.com/ariefcatur/marketplace-fulfillment/internal/orders"
	"github.com/ariefcatur/marketplace-fulfillment/internal/postgres"
	"github.com/ariefcatur/marketplace-fulfillment/internal/redisx"
	"github.com/ariefcatur/marketplace-fulfillment/internal/stock"
	pgstore "github.com/ariefcatur/marketplace-fulfillment/internal/store/postgres"
	"github.com/ariefcatur/marketplace-fulfillment/internal/tracking"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	config.SetupLogging(cfg.LogLevel, cfg.Dev())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.Options{})
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	if err := redisx.Ping(ctx, rdb); err != nil {
		// cache and attempt counters degrade, the API still serves
		log.Warn().Err(err).Msg("redis unavailable")
	}

	// Event bus
	pub, closeBus, err := bus.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("event bus")
	}

	codes, err := tracking.NewDigester([]byte(cfg.DeliveryCodeKey))
	if err != nil {
		log.Fatal().Err(err).Msg("delivery code key")
	}

	// Services
	st := pgstore.New(db)
	emitter := events.Emitter{Pub: pub, Producer: cfg.ServiceName}
	ledger := stock.NewLedger(st)
	ord := &orders.Service{
		Store:  st,
		Ledger: ledger,
		Events: emitter,
		Cache:  redisx.NewStatusCache(rdb),
		Codes:  codes,
		Window: cfg.ReservationWindow,
	}
	eng := &consolidation.Engine{Store: st, Orders: ord, Events: emitter, FanOutBatch: cfg.FanOutBatch}
	dlv := &delivery.Service{
		Store:      st,
		Orders:     ord,
		Codes:      codes,
		Limiter:    &redisx.AttemptLimiter{Redis: rdb, Max: cfg.DeliveryMaxAttempts, Window: cfg.DeliveryAttemptWindow},
		Events:     emitter,
		EscrowHold: cfg.EscrowHold,
	}

	// Router & handlers
	router := httpx.NewRouter()
	(&httpx.OrdersHandler{Orders: ord}).Register(router)
	(&httpx.StockHandler{Ledger: ledger, Demand: &demand.Aggregator{Store: st}, Rates: cfg.Rates}).Register(router)
	(&httpx.MPOHandler{Engine: eng}).Register(router)
	(&httpx.DeliveryHandler{
		Delivery: dlv,
		Limiter:  httpx.NewClientLimiter(cfg.DeliveryRatePerSec, cfg.DeliveryRateBurst),
	}).Register(router)

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	// graceful shutdown
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("bus", cfg.EventBus).Msg("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	closeBus()
	cancel()
}
