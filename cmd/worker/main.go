package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/essencia/newsletter-engine/internal/config"
	"github.com/essencia/newsletter-engine/internal/newsletter"
	"github.com/essencia/newsletter-engine/internal/rotation"
)

func main() {
	log.Println("Starting Essencia Dispatch Worker...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	registry := rotation.BuildRegistry(cfg.Providers)
	if registry.Len() == 0 {
		log.Fatal("No provider accounts configured, nothing to dispatch with")
	}

	var ledger rotation.Ledger
	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("Failed to ping redis: %v", err)
		}
		ledger = rotation.NewRedisLedger(rdb, registry.Accounts())
		log.Println("Using shared Redis usage ledger")
	} else {
		ledger = rotation.NewMemoryLedger(registry.Accounts(), cfg.Sending.MidnightReset())
		log.Println("Using in-process usage ledger (single worker only)")
	}

	selector := rotation.NewSelector(registry, ledger)
	orchestrator := rotation.NewOrchestrator(selector, ledger, cfg.Sending.MaxRetries)

	store := newsletter.NewStore(db)
	driver := newsletter.NewDriver(store, orchestrator, newsletter.DriverConfig{
		MiniBatchSize:      cfg.Sending.MiniBatchSize,
		MiniBatchStagger:   cfg.Sending.MiniBatchStagger(),
		BatchCooldown:      cfg.Sending.BatchCooldown(),
		DefaultBatchSize:   cfg.Sending.DefaultBatchSize,
		FromName:           cfg.Sending.FromName,
		FromEmail:          cfg.Sending.FromEmail,
		ReplyTo:            cfg.Sending.ReplyTo,
		UnsubscribeBaseURL: cfg.Sending.UnsubscribeBaseURL,
	})

	driver.Start()
	log.Println("Dispatch driver started")

	// Heartbeat with running totals.
	hbCtx, hbCancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				stats := driver.Stats()
				log.Printf("Worker heartbeat - sent=%d failed=%d", stats["total_sent"], stats["total_failed"])
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	hbCancel()
	driver.Stop()
	log.Println("Worker stopped")
}
