package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PauloMP-25/ikaza-web-sub000/internal/config"
	"github.com/PauloMP-25/ikaza-web-sub000/internal/httpapi"
	"github.com/PauloMP-25/ikaza-web-sub000/internal/notify"
	"github.com/PauloMP-25/ikaza-web-sub000/internal/payment"
	"github.com/PauloMP-25/ikaza-web-sub000/internal/reaper"
	"github.com/PauloMP-25/ikaza-web-sub000/internal/service"
	"github.com/PauloMP-25/ikaza-web-sub000/internal/store"
	"github.com/PauloMP-25/ikaza-web-sub000/internal/store/memory"
	pgstore "github.com/PauloMP-25/ikaza-web-sub000/internal/store/postgres"
	"github.com/PauloMP-25/ikaza-web-sub000/internal/verification"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	codes := verification.CodeStore(verification.NewMemoryCodeStore())
	if cfg.RedisAddr != "" {
		redisCodes := verification.NewRedisCodeStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCodes.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using in-memory verification codes", err)
		} else {
			codes = redisCodes
			closers = append(closers, redisCodes.Close)
			log.Println("verification codes: redis")
		}
	} else {
		log.Println("verification codes: in-memory")
	}

	gatewayTimeout := time.Duration(cfg.GatewayTimeoutSeconds) * time.Second
	charge := payment.NewChargeClient(cfg.ChargeGatewayURL, cfg.ChargeGatewayToken, gatewayTimeout)
	preference := payment.NewPreferenceClient(cfg.PreferenceGatewayURL, cfg.PreferenceGatewayToken, cfg.ReturnURLBase, cfg.WebhookURL, gatewayTimeout)
	dispatcher := payment.NewDispatcher(charge, preference)

	svc := service.New(repo, dispatcher, preference, notify.LogSender{}, codes, service.Options{
		CodeTTL:        time.Duration(cfg.VerificationTTLMinutes) * time.Minute,
		AbandonedAfter: time.Duration(cfg.AbandonedAfterMinutes) * time.Minute,
	})

	sweeper := reaper.New(svc, time.Duration(cfg.ReaperIntervalMinutes)*time.Minute)
	sweeper.Start()

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("shop backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	sweeper.Stop()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
