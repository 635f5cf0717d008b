package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/essencia/newsletter-engine/internal/api"
	"github.com/essencia/newsletter-engine/internal/config"
	"github.com/essencia/newsletter-engine/internal/newsletter"
	"github.com/essencia/newsletter-engine/internal/rotation"
)

// checkPortAvailable verifies that the target port is not already in use
// before the rest of the wiring runs.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("Starting Essencia Newsletter API...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	registry := rotation.BuildRegistry(cfg.Providers)
	if registry.Len() == 0 {
		log.Println("WARNING: no provider accounts configured, sends will fail")
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
		log.Println("Using in-process usage ledger")
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

	handlers := api.NewHandlers(store, driver, ledger)
	router := api.NewRouter(handlers)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("API listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
