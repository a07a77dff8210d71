package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/fathima-sithara/realtime-service/internal/api"
	"github.com/fathima-sithara/realtime-service/internal/auth"
	"github.com/fathima-sithara/realtime-service/internal/config"
	"github.com/fathima-sithara/realtime-service/internal/ephemeral"
	"github.com/fathima-sithara/realtime-service/internal/events"
	"github.com/fathima-sithara/realtime-service/internal/hub"
	"github.com/fathima-sithara/realtime-service/internal/kafka"
	"github.com/fathima-sithara/realtime-service/internal/middleware"
	"github.com/fathima-sithara/realtime-service/internal/presence"
	rdb "github.com/fathima-sithara/realtime-service/internal/redis"
	"github.com/fathima-sithara/realtime-service/internal/repository"
	"github.com/fathima-sithara/realtime-service/internal/router"
	"github.com/fathima-sithara/realtime-service/internal/service"
	"github.com/fathima-sithara/realtime-service/internal/utils"
	"github.com/fathima-sithara/realtime-service/internal/ws"
)

func main() {
	cfg, err := config.Load("config/config.yaml")
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	zl, err := utils.NewLogger(cfg.App.IsDev())
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = zl.Sync() }()
	logger := zl.Sugar()

	if cfg.App.InstanceID == "" {
		cfg.App.InstanceID = uuid.NewString()
	}

	jv, err := auth.NewJWTValidator(cfg.JWT.Alg, cfg.JWT.HSSecret, cfg.JWT.PublicKeyPath)
	if err != nil {
		logger.Fatalw("jwt validator init", "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// storage
	var (
		store       repository.Store
		mongoClient *mongo.Client
	)
	switch cfg.Store.Driver {
	case "memory":
		logger.Warnw("using in-memory store; data is lost on restart")
		store = repository.NewMemoryStore()
	default:
		mongoClient, err = repository.NewMongoClient(ctx, cfg.Mongo.URI, cfg.MongoTimeout)
		if err != nil {
			logger.Fatalw("mongo connect", "err", err)
		}
		ms := repository.NewMongoStore(mongoClient.Database(cfg.Mongo.Database), cfg.Mongo)
		if err := ms.EnsureIndexes(ctx); err != nil {
			logger.Warnw("ensure indexes", "err", err)
		}
		store = ms
	}

	h := hub.NewHub(cfg.WS.SendBuffer, logger.Named("hub"))
	rt := router.New(h, store, logger.Named("router"))

	// cross-instance presence and fan-out
	var (
		mirror  ephemeral.Mirror
		tracker ws.ConnTracker
		limiter *middleware.RateLimiter
		bus     *rdb.Bus
	)
	if cfg.Redis.Enabled {
		rc, err := rdb.NewClient(ctx, cfg.Redis)
		if err != nil {
			logger.Fatalw("redis connect", "addr", cfg.Redis.Addr, "err", err)
		}
		defer func() { _ = rc.Close() }()
		ps := rdb.NewPresenceStore(rc, cfg.Redis.Prefix, cfg.PresenceTTL)
		mirror, tracker = ps, ps
		limiter = middleware.NewRateLimiter(rc, cfg.Redis.Prefix, cfg.RateLimit.Requests, cfg.RateWindow, logger.Named("ratelimit"))
		bus = rdb.NewBus(rc, cfg.Redis.Channel, cfg.App.InstanceID, logger.Named("bus"))
		h.SetRelay(bus)
	}

	relay := ephemeral.New(rt, store, mirror, logger.Named("presence"))
	registry := presence.NewRegistry(relay.PresenceChanged)
	relay.AttachRegistry(registry)

	// outbound events
	opts := service.Options{Store: store, Router: rt, Log: logger.Named("service")}
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOut, cfg.App.InstanceID, logger.Named("kafka"))
		opts.Events = producer
	}
	var publisher *events.Publisher
	if cfg.NATS.Enabled {
		publisher, err = events.NewPublisher(cfg.NATS.URL, logger.Named("nats"))
		if err != nil {
			logger.Warnw("nats unavailable; lifecycle events disabled", "url", cfg.NATS.URL, "err", err)
		} else {
			opts.Lifecycle = publisher
		}
	}
	svc := service.New(opts)

	gw := ws.NewGateway(ws.Deps{
		Hub:       h,
		Router:    rt,
		Registry:  registry,
		Relay:     relay,
		Services:  svc,
		Validator: jv,
		Tracker:   tracker,
		Log:       logger.Named("ws"),
	}, ws.Options{
		PingInterval:   cfg.PingInterval,
		PongWait:       cfg.PongWait,
		WriteDeadline:  cfg.WriteDeadline,
		MaxMessageSize: cfg.WS.MaxMessageSizeBytes,
		RatePerSec:     cfg.WS.InboundRatePerSec,
		Burst:          cfg.WS.InboundBurst,
	})

	app := api.NewServer(api.Deps{
		Services:  svc,
		Gateway:   gw,
		Relay:     relay,
		Validator: jv,
		Limiter:   limiter,
		Log:       logger.Named("api"),
		AccessLog: cfg.App.IsDev(),
	})

	var wg sync.WaitGroup
	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}
	run(relay.Run)
	if bus != nil {
		run(func(ctx context.Context) { bus.Run(ctx, h.DeliverLocal) })
	}
	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		consumer = kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicIn, cfg.Kafka.GroupID, svc.Messages, logger.Named("ingest"))
		run(consumer.Run)
	}

	errs := make(chan error, 1)
	go func() {
		addr := ":" + cfg.App.PortString()
		logger.Infow("starting realtime service", "addr", addr, "instance", cfg.App.InstanceID, "store", cfg.Store.Driver)
		errs <- app.Listen(addr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case e := <-errs:
		logger.Errorw("server error", "err", e)
	case s := <-sig:
		logger.Infow("signal received", "signal", s.String())
	}

	// closing the hub ends every write pump, which closes the sockets
	h.Close()
	if err := app.ShutdownWithTimeout(cfg.ShutdownTimeout); err != nil {
		logger.Warnw("fiber shutdown", "err", err)
	}
	wctx, wcancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := gw.Wait(wctx); err != nil {
		logger.Warnw("connections still closing", "err", err)
	}
	cancel()
	wg.Wait()
	// offline transitions queued by the final closes still reach the mirror and the store
	relay.Flush(wctx)
	wcancel()

	if consumer != nil {
		_ = consumer.Close()
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Warnw("kafka flush", "err", err)
		}
	}
	publisher.Close()
	if mongoClient != nil {
		dctx, dcancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		_ = mongoClient.Disconnect(dctx)
		dcancel()
	}
	logger.Infow("shutdown complete", "instance", cfg.App.InstanceID)
}
