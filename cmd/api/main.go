package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campuscard.vn/internal/book"
	"campuscard.vn/internal/card"
	"campuscard.vn/internal/httpapi"
	"campuscard.vn/internal/obs"
	"campuscard.vn/internal/payment"
	"campuscard.vn/internal/store/pg"
	"campuscard.vn/internal/stream"
	"campuscard.vn/internal/txn"
)

var version = "1.2.0"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("CAMPUSCARD_COMMIT"))

	addr := os.Getenv("CAMPUSCARD_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	cfg := httpapi.Config{
		Version:       version,
		Env:           os.Getenv("CAMPUSCARD_ENV"),
		WebhookSecret: os.Getenv("CAMPUSCARD_WEBHOOK_SECRET"),
		SePayAPIKey:   os.Getenv("CAMPUSCARD_SEPAY_API_KEY"),
	}
	bank := payment.BankConfigFromEnv()
	st := stream.New()

	var (
		cards    card.Store
		books    book.Service
		txns     txn.Service
		payStore payment.Store
		probe    httpapi.ReadyProbe
		closeDB  func()
	)

	if dsn := os.Getenv("CAMPUSCARD_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		cards = store
		books = store
		txns = store.Ledger()
		payStore = store.Payments()
		probe = httpapi.ReadyProbe{DB: store.DB()}
		closeDB = func() { _ = store.Close() }
	} else {
		// In-memory mode for local development and demos.
		log.Print("CAMPUSCARD_PG_DSN not set, using in-memory stores")
		mem := card.NewInMemory()
		memTxns := txn.NewInMemory(mem)
		cards = mem
		books = book.NewInMemory(mem, memTxns)
		txns = memTxns
		payStore = payment.NewInMemoryStore()
	}

	payments := payment.NewCore(payStore, cards, txns, bank, st)
	api := httpapi.New(probe, cfg, cards, books, txns, payments, st)

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second, // SSE writes stay under the flush cadence
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting campuscard-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if closeDB != nil {
		closeDB()
	}
	log.Println("Stopped")
}
