package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/veridata/govern/internal/audit"
	"github.com/veridata/govern/internal/catalog"
	"github.com/veridata/govern/internal/config"
	"github.com/veridata/govern/internal/engine"
	"github.com/veridata/govern/internal/flow"
	"github.com/veridata/govern/internal/httpserver"
	"github.com/veridata/govern/internal/metrics"
	"github.com/veridata/govern/internal/policy"
	"github.com/veridata/govern/internal/roles"
	"github.com/veridata/govern/internal/signals"
	"github.com/veridata/govern/internal/snapshot"
	"github.com/veridata/govern/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[startup] config load: %v", err)
	}

	var (
		st   store.Store
		sink audit.Sink
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("[startup] db open: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.Ping(); err != nil {
			log.Fatalf("[startup] db ping: %v", err)
		}
		st = store.NewPGStore(db)
		sink = audit.NewPGSink(db)
	} else {
		log.Printf("[startup] no database configured, using in-memory store")
		st = store.NewMemoryStore()
		sink = audit.NewMemorySink()
	}

	var verifier *roles.TokenVerifier
	var resolver roles.Resolver = roles.NewStaticResolver(cfg.StaticRoles)
	if cfg.TokenKeysFile != "" {
		verifier, err = roles.NewTokenVerifier(cfg.TokenKeysFile)
		if err != nil {
			log.Fatalf("[startup] token verifier init: %v", err)
		}
		resolver = &roles.ContextResolver{Fallback: resolver}
	}

	var evalOpts []policy.Option
	if cfg.AllowUnknownGateTypes {
		evalOpts = append(evalOpts, policy.AllowUnknownTypes())
	}
	evaluator := policy.NewEvaluator(evalOpts...)

	cat := catalog.New(st, sink, catalog.Options{MatchAllOnEmptyRoutes: cfg.MatchAllOnEmptyRoutes})
	flows := flow.NewRegistry(st, sink)
	snaps := snapshot.NewService(st, sink)

	eng := engine.New(st, cat, flows, evaluator, sink, resolver, metrics.New(), engine.Config{
		DqThresholds:       cfg.DqThresholds,
		DqDefaultThreshold: cfg.DqDefaultThreshold,
		WaiverAllowedRoles: cfg.WaiverAllowedRoles,
		WaiverMaxDays:      cfg.WaiverMaxDays,
	})
	if signalsURL := os.Getenv("GOVERN_SIGNALS_URL"); signalsURL != "" {
		provider, err := signals.NewHTTPClient(signals.HTTPClientConfig{
			BaseURL: signalsURL,
			Timeout: 5 * time.Second,
			Retries: 2,
		})
		if err != nil {
			log.Fatalf("[startup] signals client init: %v", err)
		}
		eng = eng.WithSignals(provider)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startAuditRelay(ctx, cfg, sink)

	server := httpserver.New(cfg, eng, cat, flows, snaps, sink, st, verifier)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("govern service listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(cancel, httpServer)
}

// startAuditRelay wires the Kafka/S3 relay when destinations are configured.
// Relaying requires the Postgres sink; the memory sink keeps no relay queue.
func startAuditRelay(ctx context.Context, cfg config.Config, sink audit.Sink) {
	pgSink, ok := sink.(*audit.PGSink)
	if !ok {
		return
	}
	var producer audit.Producer
	if len(cfg.KafkaBrokers) > 0 {
		p, err := audit.NewKafkaProducer(audit.KafkaProducerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("[startup] kafka producer init: %v", err)
		}
		producer = p
	}
	var archiver audit.Archiver
	if cfg.S3Bucket != "" {
		a, err := audit.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			log.Fatalf("[startup] s3 archiver init: %v", err)
		}
		archiver = a
	}
	if producer == nil && archiver == nil {
		return
	}
	relay := audit.NewRelay(pgSink, producer, archiver, audit.RelayConfig{})
	go func() {
		if err := relay.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("[audit.relay] exited: %v", err)
		}
	}()
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
