package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kskovpen/rereco/internal/platform/auditlog"
	"github.com/kskovpen/rereco/internal/platform/auth"
	"github.com/kskovpen/rereco/internal/platform/env"
	"github.com/kskovpen/rereco/internal/platform/httpserver"
	"github.com/kskovpen/rereco/internal/platform/objectstore"
	"github.com/kskovpen/rereco/internal/platform/postgres"
	"github.com/kskovpen/rereco/internal/store"
	"github.com/kskovpen/rereco/internal/subcampaign"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("RERECO_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("RERECO_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	objects, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBuckets(startupCtx, objects, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()

	var subcampaigns *subcampaign.Library
	subcampaignsPath := env.String("RERECO_SUBCAMPAIGNS_PATH", "configs/subcampaigns.yaml")
	if subcampaignsPath != "" {
		subcampaigns, err = subcampaign.Load(subcampaignsPath)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				logger.Error("invalid subcampaign library", "error", err, "path", subcampaignsPath)
				os.Exit(2)
			}
			logger.Info("no subcampaign library", "path", subcampaignsPath)
			subcampaigns = nil
		} else {
			logger.Info("subcampaign library loaded", "path", subcampaignsPath, "subcampaigns", len(subcampaigns.Names()))
		}
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("rereco"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"rereco",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return objectstore.CheckBuckets(checkCtx, objects, storeCfg)
				},
			},
		),
	)

	api := newRerecoAPI(logger, db, store.NewRequestStore(db), objects, storeCfg, subcampaigns)
	api.register(mux)

	var handler http.Handler = mux
	if authCfg.Mode != auth.ModeDisabled {
		var authenticator auth.Authenticator
		switch authCfg.Mode {
		case auth.ModeOIDC:
			authenticator, err = auth.NewOIDCAuthenticator(ctx, authCfg)
			if err != nil {
				logger.Error("oidc init failed", "error", err)
				os.Exit(1)
			}
		case auth.ModeDev:
			authenticator = auth.NewDevAuthenticator(authCfg)
		}

		handler = auth.Middleware{
			Logger:        logger,
			Authenticator: authenticator,
			Authorize:     auth.MethodRoleAuthorizer(),
			Audit: func(ctx context.Context, event auth.DenyEvent) error {
				auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return auditlog.InsertAuthDeny(auditCtx, db, "rereco", event)
			},
			SkipPrefixes: []string{"/healthz", "/readyz"},
		}.Wrap(mux)
	}

	if origins := env.String("RERECO_CORS_ORIGINS", ""); strings.TrimSpace(origins) != "" {
		handler = httpserver.CORS(strings.Split(origins, ","), handler)
	}

	cfg := httpserver.Config{
		Service:         "rereco",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "rereco", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
