package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bloodnet.org/internal/archive"
	"bloodnet.org/internal/audit"
	"bloodnet.org/internal/auth"
	"bloodnet.org/internal/config"
	"bloodnet.org/internal/httpapi"
	"bloodnet.org/internal/matching"
	"bloodnet.org/internal/migrate"
	"bloodnet.org/internal/notify"
	"bloodnet.org/internal/obs"
	"bloodnet.org/internal/store/pg"
	"bloodnet.org/internal/store/sqlite"
	"bloodnet.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		log.Fatal(err)
	}
	auth.Configure(cfg.AuthSecret)

	// Регистрация метрик в default-регистре
	obs.Init()
	obs.InitBuildInfo(version, commit, cfg.StoreDriver)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, closeStore, err := openStore(ctx, cfg)
	cancel()
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer closeStore.Close()

	events := stream.New(32)
	opts := []matching.Option{
		matching.WithAuditSink(audit.NewSink()),
		matching.WithEvents(events),
		matching.WithNotifyTimeout(cfg.NotifyTimeout),
	}
	if cfg.WebhookURL != "" {
		opts = append(opts, matching.WithNotifier(notify.NewWebhook(cfg.WebhookURL, cfg.PublicURL)))
	} else {
		opts = append(opts, matching.WithNotifier(notify.Log{BaseURL: cfg.PublicURL}))
	}

	var outbox *notify.Outbox
	if cfg.OutboxPath != "" {
		outbox, err = notify.OpenOutbox(cfg.OutboxPath)
		if err != nil {
			log.Fatalf("open outbox: %v", err)
		}
		defer outbox.Close()
		opts = append(opts, matching.WithFailureRecorder(outbox))
	}

	if cfg.ReceiptBucket != "" {
		receipts, err := archive.NewS3(context.Background(), archive.S3Config{
			Region:          cfg.ReceiptRegion,
			Bucket:          cfg.ReceiptBucket,
			Endpoint:        cfg.ReceiptEndpoint,
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			PathStyle:       cfg.ReceiptPathStyle,
		})
		if err != nil {
			log.Fatalf("receipt archive: %v", err)
		}
		opts = append(opts, matching.WithReceiptArchive(receipts))
	}

	svc := matching.NewService(store, opts...)

	if cfg.BootstrapAdminID != "" {
		admin, err := svc.Bootstrap(context.Background(), matching.RegisterInput{
			ID:       cfg.BootstrapAdminID,
			Username: cfg.BootstrapAdminUsername,
			Roles:    []string{string(matching.RoleAdmin)},
		})
		if err != nil {
			log.Fatalf("bootstrap admin: %v", err)
		}
		obs.LogJSON("info", "admin_bootstrapped", map[string]any{"user_id": admin.ID})
	}

	apiOpts := []httpapi.Option{
		httpapi.WithStream(events),
		httpapi.WithAllowedOrigins(cfg.AllowedOrigins),
		httpapi.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
	if outbox != nil {
		apiOpts = append(apiOpts, httpapi.WithOutbox(outbox))
	}
	if cfg.DevTokens {
		apiOpts = append(apiOpts, httpapi.WithDevTokens(cfg.TokenTTL))
	}
	api := httpapi.New(svc, version, apiOpts...)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()

	grpcSrv := httpapi.NewGRPCServer(httpapi.ReadyProbe{Store: store}, version)
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		server := grpcSrv.NewServer()
		go grpcSrv.Watch(runCtx, 10*time.Second)
		go func() {
			if err := server.Serve(lis); err != nil {
				log.Printf("grpc serve: %v", err)
			}
		}()
		defer server.GracefulStop()
		log.Printf("gRPC health on %s", cfg.GRPCAddr)
	}

	log.Printf("Starting bloodnet-api %s on %s (store=%s)", version, srv.Addr, cfg.StoreDriver)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	grpcSrv.Shutdown()
	stopRun()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openStore builds the configured persistence driver. Postgres gets the
// bundled schema applied first.
func openStore(ctx context.Context, cfg config.Config) (matching.Store, io.Closer, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		st, err := sqlite.NewStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	case config.DriverPostgres:
		st, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return nil, nil, err
		}
		mgr := migrate.NewEmbedded(st.DB())
		if err := mgr.Up(ctx); err != nil {
			_ = st.Close()
			return nil, nil, err
		}
		return st, st, nil
	default:
		return matching.NewMemory(), nopCloser{}, nil
	}
}
