package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"checkin-backend/config"
	"checkin-backend/internal/api"
	"checkin-backend/internal/clock"
	"checkin-backend/internal/db"
	"checkin-backend/internal/domain"
	"checkin-backend/internal/evidence"
	"checkin-backend/internal/mw"
	"checkin-backend/internal/notification"
	"checkin-backend/internal/occupancy"
	"checkin-backend/internal/store"
	"checkin-backend/internal/token"
)

const uploadsRoute = "/uploads/checkin-photos"

func main() {
	// Setup logger
	logger := log.New(os.Stdout, "checkind ", log.LstdFlags)

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}
	logger.Printf("configuration loaded successfully from %s", configPath)

	if cfg.Token.Secret == "" || cfg.Auth.JWTSecret == "" {
		logger.Fatalf("token.secret and auth.jwt_secret must be configured (or CHECKIN_TOKEN_SECRET / CHECKIN_JWT_SECRET)")
	}

	var webpushOptions *webpush.Options
	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
			HTTPClient:      &http.Client{Timeout: cfg.Push.Timeout},
		}
	} else {
		logger.Println("VAPID keys not configured; push notifications are disabled")
	}

	// Initialize database
	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		logger.Fatalf("failed to initialize database: %v", err)
	}
	logger.Println("database initialized successfully")

	// Create a context that can be cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appStore := store.NewGormStore(gormDB)
	clk := clock.NewSystem()
	secret := []byte(cfg.Token.Secret)

	blobs, err := evidence.NewDirBlobStore(cfg.Evidence.UploadDir, uploadsRoute)
	if err != nil {
		logger.Fatalf("failed to prepare upload directory: %v", err)
	}
	gate := evidence.NewGate(appStore, blobs, clk, evidence.Policy{
		Min:          cfg.Evidence.MinItems,
		Max:          cfg.Evidence.MaxItems,
		MaxSizeBytes: cfg.Evidence.MaxSizeBytes,
		AllowedTypes: cfg.Evidence.AllowedTypes,
		Retention:    cfg.Evidence.Retention,
	})

	pruner := evidence.NewPruner(appStore, blobs, clk, cfg.Evidence.PruneInterval)
	pruner.Start(ctx)

	hookOpts := []notification.Option{notification.WithJobTimeout(cfg.WorkerPool.JobTimeout)}
	if cfg.Hooks.PaymentCaptureURL != "" {
		hookOpts = append(hookOpts, notification.WithPaymentCapturer(notification.NewWebhook(cfg.Hooks.PaymentCaptureURL, cfg.Hooks.Timeout)))
	} else {
		logger.Println("hooks.payment_capture_url not configured; payment capture is disabled")
	}
	if cfg.Hooks.DoorOpenURL != "" {
		hookOpts = append(hookOpts, notification.WithDoorOpener(notification.NewWebhook(cfg.Hooks.DoorOpenURL, cfg.Hooks.Timeout)))
	} else {
		logger.Println("hooks.door_open_url not configured; door opening is disabled")
	}

	workerPool := notification.NewWorkerPool(cfg.WorkerPool.Size, appStore, webpushOptions, hookOpts...)
	workerPool.Start(ctx)

	issuer := token.NewIssuer(appStore, secret, clk,
		token.WithTTL(domain.PhaseArrival, cfg.Token.ArrivalTTL),
		token.WithTTL(domain.PhaseDeparture, cfg.Token.DepartureTTL),
	)
	validator := token.NewValidator(appStore, secret, clk)
	machine := occupancy.NewMachine(appStore, validator, gate, clk, occupancy.WithDispatcher(workerPool))

	// Initialize router
	router := api.NewRouter(api.Services{
		Store:     appStore,
		Issuer:    issuer,
		Validator: validator,
		Machine:   machine,
		Gate:      gate,
		Webpush:   webpushOptions,
	}, api.RouterConfig{
		RateLimitPerSec: cfg.Server.RateLimitPerSec,
		RateLimitBurst:  cfg.Server.RateLimitBurst,
		StatusCacheTTL:  time.Duration(cfg.Server.CacheTTLSeconds) * time.Second,
		Verifier:        mw.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		UploadDir:       cfg.Evidence.UploadDir,
	})
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start the server in a goroutine
	go func() {
		logger.Printf("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()

	// Setup signal handling for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Block until a signal is received.
	<-stop
	logger.Println("Shutdown signal received, stopping services...")

	// Create a deadline to wait for.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatalf("HTTP server Shutdown: %v", err)
	}
	cancel()
	pruner.Stop()

	logger.Println("Server gracefully stopped")
}
