package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/marketplace-fulfillment/internal/bus"
	"github.com/ariefcatur/marketplace-fulfillment/internal/config"
	"github.com/ariefcatur/marketplace-fulfillment/internal/consolidation"
	"github.com/ariefcatur/marketplace-fulfillment/internal/events"
	kafkax "github.com/ariefcatur/marketplace-fulfillment/internal/kafka"
	"github.com/ariefcatur/marketplace-fulfillment/internal/orders"
	"github.com/ariefcatur/marketplace-fulfillment/internal/postgres"
	"github.com/ariefcatur/marketplace-fulfillment/internal/redisx"
	"github.com/ariefcatur/marketplace-fulfillment/internal/stock"
	pgstore "github.com/ariefcatur/marketplace-fulfillment/internal/store/postgres"
	"github.com/ariefcatur/marketplace-fulfillment/internal/tracking"
	"github.com/ariefcatur/marketplace-fulfillment/internal/worker"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	config.SetupLogging(cfg.LogLevel, cfg.Dev())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.Options{MaxConns: int32(cfg.WorkerConcurrency) + 2})
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	pub, closeBus, err := bus.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("event bus")
	}
	defer closeBus()

	codes, err := tracking.NewDigester([]byte(cfg.DeliveryCodeKey))
	if err != nil {
		log.Fatal().Err(err).Msg("delivery code key")
	}

	st := pgstore.New(db)
	emitter := events.Emitter{Pub: pub, Producer: cfg.ServiceName + "-worker"}
	ord := &orders.Service{
		Store:  st,
		Ledger: stock.NewLedger(st),
		Events: emitter,
		Cache:  redisx.NewStatusCache(rdb),
		Codes:  codes,
		Window: cfg.ReservationWindow,
	}
	svc := &worker.Service{
		Orders:      ord,
		Engine:      &consolidation.Engine{Store: st, Orders: ord, Events: emitter, FanOutBatch: cfg.FanOutBatch},
		Redis:       rdb,
		ServiceName: cfg.WorkerGroup,
		SweepBatch:  cfg.SweepBatch,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Dur("interval", cfg.SweepInterval).Msg("sweeps started")
		return svc.RunSweeps(gctx, cfg.SweepInterval)
	})
	if cfg.EventBus == config.BusKafka {
		cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.WorkerGroup, events.TopicDeliveryLifecycle, cfg.WorkerConcurrency)
		g.Go(func() error {
			log.Info().Str("group", cfg.WorkerGroup).Str("topic", events.TopicDeliveryLifecycle).
				Int("workers", cfg.WorkerConcurrency).Msg("delivery consumer started")
			return cons.Start(gctx, svc.HandleMessage)
		})
	} else {
		// without kafka the wallet sweep alone pays out
		log.Info().Str("bus", cfg.EventBus).Msg("no delivery consumer")
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("worker stopped")
	}
	log.Info().Msg("worker shut down")
}
