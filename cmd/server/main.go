package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/clouddrive/internal/api"
	"github.com/fruitsalade/clouddrive/internal/auth"
	"github.com/fruitsalade/clouddrive/internal/config"
	"github.com/fruitsalade/clouddrive/internal/drive"
	"github.com/fruitsalade/clouddrive/internal/events"
	"github.com/fruitsalade/clouddrive/internal/logging"
	"github.com/fruitsalade/clouddrive/internal/metadata"
	badgerstore "github.com/fruitsalade/clouddrive/internal/metadata/badger"
	"github.com/fruitsalade/clouddrive/internal/metadata/memory"
	"github.com/fruitsalade/clouddrive/internal/metadata/postgres"
	"github.com/fruitsalade/clouddrive/internal/metrics"
	"github.com/fruitsalade/clouddrive/internal/ratelimit"
	"github.com/fruitsalade/clouddrive/internal/storage/backends"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("cloud drive server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("metadata_backend", cfg.MetadataBackend))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, reportStats, err := openStore(cfg)
	if err != nil {
		logging.Fatal("record store init failed", zap.Error(err))
	}
	defer store.Close()

	router, capability, err := backends.Detect(ctx, cfg)
	if err != nil {
		logging.Fatal("storage init failed", zap.Error(err))
	}
	defer router.Close()

	broadcaster := events.NewBroadcaster()

	svc := drive.New(drive.Options{
		Store:         store,
		Storage:       router,
		Events:        broadcaster,
		PublicURL:     cfg.PublicURL,
		MaxUploadSize: cfg.MaxUploadSize,
		UsageLimit:    cfg.UsageLimitBytes,
	})

	authHandler := auth.New(cfg.JWTSecret)
	if cfg.OIDCIssuerURL != "" {
		oidcProvider, err := auth.NewOIDCProvider(ctx, auth.OIDCConfig{
			IssuerURL: cfg.OIDCIssuerURL,
			ClientID:  cfg.OIDCClientID,
		})
		if err != nil {
			logging.Fatal("OIDC provider init failed", zap.Error(err))
		}
		authHandler.SetOIDCProvider(oidcProvider)
	}

	shareLimiter := ratelimit.New(cfg.ShareRateLimit, cfg.ShareRateBurst)
	srv := api.NewServer(svc, authHandler, shareLimiter, broadcaster, capability, cfg.MaxUploadSize)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Event streams only end when their subscription closes.
	httpServer.RegisterOnShutdown(broadcaster.Close)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		every(gctx, 15*time.Second, reportStats)
		return nil
	})

	g.Go(func() error {
		every(gctx, time.Hour, func() {
			if n := shareLimiter.Cleanup(24 * time.Hour); n > 0 {
				logging.Debug("rate limiter buckets removed", zap.Int("count", n))
			}
		})
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logging.Info("shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			httpServer.Close()
		}
		return metricsServer.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		logging.Fatal("server error", zap.Error(err))
	}
	logging.Info("server stopped")
}

// openStore opens the configured record store. The returned func publishes
// pool statistics and is a no-op for embedded stores.
func openStore(cfg *config.Config) (metadata.Store, func(), error) {
	switch cfg.MetadataBackend {
	case "memory":
		logging.Warn("using the in-memory record store; data is lost on restart")
		return memory.New(), func() {}, nil
	case "badger":
		s, err := badgerstore.New(badgerstore.Config{Dir: cfg.BadgerDir})
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	default:
		logging.Info("connecting to PostgreSQL...")
		s, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if dir := findMigrationsDir(cfg.MigrationsDir); dir != "" {
			logging.Info("running migrations...", zap.String("dir", dir))
			if err := s.Migrate(dir); err != nil {
				s.Close()
				return nil, nil, err
			}
		}
		return s, s.ReportStats, nil
	}
}

func every(ctx context.Context, d time.Duration, fn func()) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func findMigrationsDir(configured string) string {
	candidates := []string{configured, "migrations", "../migrations"}

	exe, _ := os.Executable()
	if exe != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "migrations"))
	}

	for _, dir := range candidates {
		if dir == "" {
			continue
		}
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}
