package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/gradeflow-systems/gradeflow/internal/blobstore"
	"github.com/gradeflow-systems/gradeflow/internal/certificate"
	"github.com/gradeflow-systems/gradeflow/internal/config"
	"github.com/gradeflow-systems/gradeflow/internal/consumer"
	"github.com/gradeflow-systems/gradeflow/internal/lease"
	"github.com/gradeflow-systems/gradeflow/internal/logging"
	"github.com/gradeflow-systems/gradeflow/internal/store"
	"github.com/gradeflow-systems/gradeflow/internal/xqueue"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	metricsPort := flag.Int("metrics-port", 8061, "port for the metrics endpoint")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("consumer"))
	logging.SetDefault(logger)

	slog.Info("Starting consumer service",
		slog.String("queue_url", cfg.Queue.URL),
		slog.Any("queues", cfg.Consumer.Queues),
		slog.Duration("tick_period", cfg.Consumer.TickPeriod),
	)

	connString := cfg.Database.ConnString()

	slog.Info("Running database migrations")
	m, err := migrate.New("file://migrations", connString)
	if err != nil {
		log.Fatalf("Failed to initialize migrations: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	st, err := store.NewPostgresStore(context.Background(), connString)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer st.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	tickLease := lease.NewRedisLease(redisClient, cfg.Consumer.LeaseKey, cfg.Consumer.LeaseTTL)

	queueClient, err := xqueue.New(
		cfg.Queue.URL,
		cfg.Queue.Username,
		cfg.Queue.Password,
		cfg.Queue.RequestTimeout,
		xqueue.DefaultPaths(),
	)
	if err != nil {
		log.Fatalf("Failed to create queue client: %v", err)
	}

	uploader, err := blobstore.New(blobstore.Config{
		Endpoint:  cfg.BlobStore.Endpoint,
		AccessKey: cfg.BlobStore.AccessKey,
		SecretKey: cfg.BlobStore.SecretKey,
		UseSSL:    cfg.BlobStore.UseSSL,
		Bucket:    cfg.BlobStore.Bucket,
		Prefix:    cfg.BlobStore.Prefix,
		URLExpiry: cfg.BlobStore.URLExpiry,
	})
	if err != nil {
		log.Fatalf("Failed to create blob store client: %v", err)
	}

	template, err := certificate.LoadTemplate(cfg.Certificate.TemplatePath)
	if err != nil {
		log.Fatalf("Failed to load certificate template: %v", err)
	}
	pipeline := certificate.NewPipeline(template, certificate.NewCommandRenderer())
	issuer := certificate.NewIssuer(pipeline, uploader)

	worker := consumer.New(queueClient, issuer, st, tickLease, consumer.Config{
		Queues:            cfg.Consumer.Queues,
		CertificateQueues: cfg.Consumer.CertificateQueues,
		JitterMax:         cfg.Consumer.JitterMax,
		PostBatchSize:     cfg.Consumer.PostBatchSize,
	}, logger)

	// Metrics and liveness on a side port; the consumer serves no API.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	go func() {
		addr := fmt.Sprintf(":%d", *metricsPort)
		slog.Info("Metrics endpoint listening", slog.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Metrics server error: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker.Run(ctx, cfg.Consumer.TickPeriod)

	slog.Info("Consumer stopped gracefully")
}
