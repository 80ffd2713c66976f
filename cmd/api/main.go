package main

import (
	"context"
	"log"
	"net/http"

	"github.com/decoupledfin/walletcore/internal/api"
	"github.com/decoupledfin/walletcore/internal/clock"
	"github.com/decoupledfin/walletcore/internal/config"
	"github.com/decoupledfin/walletcore/internal/gateway"
	"github.com/decoupledfin/walletcore/internal/idempotency"
	"github.com/decoupledfin/walletcore/internal/service"
	"github.com/decoupledfin/walletcore/internal/store"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	clk := clock.RealClock{}

	// Without DB_SOURCE the service runs on the in-memory store. Useful for
	// local development; state does not survive a restart.
	var ledgerStore store.Store
	if cfg.DBSource != "" {
		pg, err := store.NewPostgres(context.Background(), cfg.DBSource)
		if err != nil {
			log.Fatalf("Unable to connect to database: %v", err)
		}
		defer pg.Close()
		if err := pg.Bootstrap(context.Background()); err != nil {
			log.Fatal(err)
		}
		ledgerStore = pg
	} else {
		log.Println("DB_SOURCE not set, using in-memory store")
		ledgerStore = store.NewMemory(clk)
	}

	var guard idempotency.Guard
	if cfg.RedisAddr != "" {
		redisGuard := idempotency.NewRedisGuard(cfg.RedisAddr, cfg.IdempotencyTTL)
		defer redisGuard.Close()
		guard = redisGuard
	} else {
		log.Println("REDIS_ADDR not set, using in-memory idempotency guard")
		guard = idempotency.NewMemoryGuard(clk, cfg.IdempotencyTTL)
	}

	svc := service.New(ledgerStore, guard, []byte(cfg.FingerprintKey), clk)

	var cards *gateway.Client
	if cfg.PaystackKey != "" {
		cards = gateway.NewClient(cfg.PaystackURL, cfg.PaystackKey, svc)
	} else {
		log.Println("PAYSTACK_SECRET_KEY not set, card funding disabled")
	}

	handler := api.NewHandler(ledgerStore, svc, cards)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", handler.HealthCheck).Methods("GET")
	handler.Register(r.PathPrefix("/api/v1").Subrouter())

	log.Printf("Server starting on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal(err)
	}
}
