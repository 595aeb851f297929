package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"bourse/api/grpcserver"
	"bourse/config"
	"bourse/infra/holdings"
	"bourse/infra/kafka"
	"bourse/infra/ledger"
	"bourse/infra/payment"
	"bourse/infra/recorder"
	"bourse/infra/store"
	"bourse/jobs/broadcaster"
	"bourse/metrics"
	"bourse/service"
)

func main() {
	configPath := flag.String("config", "", "path to config file (overrides BOURSE_CONFIG)")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	log := logrus.NewEntry(logger).WithField("service", "bourse")

	if err := run(*configPath, logger, log); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}

func run(configPath string, logger *logrus.Logger, log *logrus.Entry) error {
	// ---------------- Config ----------------

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level, _ := logrus.ParseLevel(cfg.Log.Level)
	logger.SetLevel(level)
	selfTrade, _ := cfg.SelfTradePolicy()
	feeRate, _ := cfg.FeeRate()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---------------- Journal ----------------

	st, err := store.Open(cfg.Store.Dir)
	if err != nil {
		return err
	}
	defer st.Close()

	// ---------------- Collaborators ----------------

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	oracle := holdings.NewRepository(rdb)

	rec, err := recorder.NewRepository(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer rec.Close()

	notifications := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.NotificationsTopic)
	defer notifications.Close()

	// ---------------- Metrics ----------------

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// ---------------- Engine ----------------

	coord := service.NewCoordinator(
		st,
		ledger.New(cfg.Ledger.URL, cfg.Ledger.Timeout, log),
		payment.New(cfg.Payment.URL, cfg.Payment.Timeout, log),
		rec,
		kafka.NewNotifier(notifications),
		service.CoordinatorConfig{
			Timeout:             cfg.Settlement.Timeout,
			CompensationTimeout: cfg.Settlement.CompensationTimeout,
			Currency:            cfg.Settlement.Currency,
			PlatformAccount:     cfg.Settlement.PlatformAccount,
		},
		log.WithField("component", "settlement"),
	)

	engine := service.NewEngine(st, oracle, oracle, coord, m, service.Options{
		InboxSize:      cfg.Engine.InboxSize,
		SweepInterval:  cfg.Engine.SweepInterval,
		SelfTrade:      selfTrade,
		FeeRate:        feeRate,
		MaxSettlements: cfg.Engine.MaxSettlements,
	}, log.WithField("component", "engine"))

	// ---------------- Journal Replay ----------------

	if err := engine.Recover(ctx); err != nil {
		return err
	}

	// ---------------- Outbox Relay ----------------

	producer, err := broadcaster.NewProducer(cfg.Kafka.Brokers)
	if err != nil {
		return err
	}
	bc := broadcaster.New(st, producer, cfg.Kafka.EventsTopic, cfg.Broadcaster.Interval, log.WithField("component", "broadcaster"))
	defer bc.Close()

	// ---------------- Servers ----------------

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return err
	}
	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(grpcserver.UnaryLogger(log.WithField("component", "grpc"))))
	grpcserver.RegisterExchangeServer(grpcSrv, grpcserver.NewServer(engine))

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithField("addr", cfg.GRPC.Addr).Info("exchange gRPC listening")
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return bc.Run(gctx)
	})

	// ---------------- Shutdown ----------------

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		grpcSrv.GracefulStop()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 30*time.Second)
		defer cancel()
		if err := engine.Close(shutdownCtx); err != nil {
			log.WithError(err).Warn("engine closed with settlements outstanding")
		}
		return metricsSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
