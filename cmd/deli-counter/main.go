package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/sandwichcloud/deli-counter/pkg/api"
	"github.com/sandwichcloud/deli-counter/pkg/audit"
	"github.com/sandwichcloud/deli-counter/pkg/auth"
	"github.com/sandwichcloud/deli-counter/pkg/config"
	"github.com/sandwichcloud/deli-counter/pkg/observability"
	"github.com/sandwichcloud/deli-counter/pkg/projects"
	"github.com/sandwichcloud/deli-counter/pkg/rbac"
	"github.com/sandwichcloud/deli-counter/pkg/resources"
	"github.com/sandwichcloud/deli-counter/pkg/storage/postgres"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.ParsedLogLevel(), os.Stdout)
	metrics := observability.NewMetrics(nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize OpenTelemetry")
		os.Exit(1)
	}

	db, err := postgres.Connect(cfg.Database.ConnectionConfig())
	if err != nil {
		logger.WithError(err).Error("failed to connect to database")
		os.Exit(1)
	}
	defer db.Close()

	var migrations []postgres.Migration
	migrations = append(migrations, projects.Migrations()...)
	migrations = append(migrations, rbac.Migrations()...)
	migrations = append(migrations, auth.Migrations()...)
	migrations = append(migrations, resources.Migrations()...)
	migrations = append(migrations, audit.Migrations()...)
	if err := postgres.Migrate(ctx, db, migrations); err != nil {
		logger.WithError(err).Error("failed to run migrations")
		os.Exit(1)
	}

	stores := api.Stores{
		Users:     auth.NewUserStore(db),
		Roles:     rbac.NewStore(db),
		Projects:  projects.NewStore(db),
		Resources: resources.NewStore(db),
		Audit:     audit.NewStore(db),
	}

	var redisClient *redis.Client
	if cfg.Tokens.RedisURL != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Tokens.RedisURL,
			Password: cfg.Tokens.RedisPassword,
			DB:       cfg.Tokens.RedisDB,
		})
		defer redisClient.Close()
	}

	tokenStore, err := buildTokenStore(cfg, db, redisClient)
	if err != nil {
		logger.WithError(err).Error("failed to build token store")
		os.Exit(1)
	}

	manager := auth.NewManager(tokenStore, stores.Roles, metrics, logger)
	issuer := auth.NewIssuer(tokenStore, stores.Users, cfg.Tokens.TTL, metrics)

	if err := registerDrivers(ctx, cfg, manager, issuer, stores, metrics, logger); err != nil {
		logger.WithError(err).Error("failed to configure auth drivers")
		os.Exit(1)
	}

	if err := manager.ReloadPolicies(ctx); err != nil {
		logger.WithError(err).Error("failed to load policies")
		os.Exit(1)
	}

	server := api.NewServer(cfg, stores, manager, issuer, metrics, logger)
	healthServer := newHealthServer(cfg, db, redisClient, metrics)

	scheduler := cron.New()
	if dbStore, ok := tokenStore.(*auth.DatabaseTokenStore); ok {
		_, err := scheduler.AddFunc("@every "+cfg.Tokens.CleanupInterval.String(), func() {
			sweepCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			deleted, err := dbStore.CleanupExpired(sweepCtx)
			if err != nil {
				logger.WithError(err).Error("expired token sweep failed")
				return
			}
			if deleted > 0 {
				metrics.ExpiredTokensDeleted.Add(float64(deleted))
				logger.WithField("deleted", deleted).Info("swept expired tokens")
			}
		})
		if err != nil {
			logger.WithError(err).Error("failed to schedule token cleanup")
			os.Exit(1)
		}
	}
	scheduler.Start()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(server.Start)
	group.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		<-scheduler.Stop().Done()
		err := server.Shutdown(shutdownCtx)
		if healthErr := healthServer.Shutdown(shutdownCtx); err == nil {
			err = healthErr
		}
		if providers != nil {
			if otelErr := providers.Shutdown(shutdownCtx); err == nil {
				err = otelErr
			}
		}
		return err
	})

	if err := group.Wait(); err != nil {
		logger.WithError(err).Error("server exited with error")
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// buildTokenStore constructs the configured token backend
func buildTokenStore(cfg *config.Config, db *sql.DB, redisClient *redis.Client) (auth.TokenStore, error) {
	switch cfg.Tokens.Backend {
	case config.TokenBackendDatabase:
		return auth.NewDatabaseTokenStore(db), nil
	case config.TokenBackendEncrypted:
		keys, err := auth.ParseKeys(cfg.Tokens.Keys)
		if err != nil {
			return nil, err
		}
		codec, err := auth.NewCodec(keys)
		if err != nil {
			return nil, err
		}
		var denylist *auth.Denylist
		if redisClient != nil {
			denylist = auth.NewDenylist(redisClient)
		}
		return auth.NewEncryptedTokenStore(codec, denylist)
	default:
		return nil, auth.NewConfigurationError("tokens", "unknown backend %q", cfg.Tokens.Backend)
	}
}

// registerDrivers builds and registers the configured auth drivers
func registerDrivers(ctx context.Context, cfg *config.Config, manager *auth.Manager, issuer *auth.Issuer,
	stores api.Stores, metrics *observability.Metrics, logger *observability.Logger) error {
	for _, name := range cfg.Auth.Drivers {
		switch name {
		case auth.DriverBuiltin:
			manager.AddDriver(auth.NewBuiltinDriver(stores.Users, stores.Roles, issuer, metrics, logger))
		case auth.DriverGithub:
			driver, err := auth.NewGithubDriver(auth.GithubConfig{
				ClientID:       cfg.Auth.Github.ClientID,
				ClientSecret:   cfg.Auth.Github.ClientSecret,
				RedirectURL:    cfg.Auth.Github.RedirectURL,
				Org:            cfg.Auth.Github.Org,
				TeamRolePrefix: cfg.Auth.Github.TeamRolePrefix,
				TeamRoleMap:    cfg.Auth.Github.TeamRoleMap,
				APIBase:        cfg.Auth.Github.APIBase,
			}, stores.Users, stores.Roles, issuer, metrics, logger)
			if err != nil {
				return err
			}
			manager.AddDriver(driver)
		case auth.DriverOIDC:
			driver, err := auth.NewOIDCDriver(ctx, auth.OIDCConfig{
				Issuer:       cfg.Auth.OIDC.Issuer,
				ClientID:     cfg.Auth.OIDC.ClientID,
				ClientSecret: cfg.Auth.OIDC.ClientSecret,
				RedirectURL:  cfg.Auth.OIDC.RedirectURL,
				GroupsClaim:  cfg.Auth.OIDC.GroupsClaim,
			}, stores.Users, stores.Roles, issuer, metrics, logger)
			if err != nil {
				return err
			}
			manager.AddDriver(driver)
		case auth.DriverNull:
			manager.AddDriver(auth.NewNullDriver())
		default:
			return auth.NewConfigurationError(name, "unknown driver")
		}
	}
	return nil
}

// newHealthServer serves liveness, readiness, and metrics on a separate port
func newHealthServer(cfg *config.Config, db *sql.DB, redisClient *redis.Client,
	metrics *observability.Metrics) *http.Server {
	checker := observability.NewHealthChecker(db, redisClient)
	serveMux := http.NewServeMux()
	checker.Routes(serveMux)
	if cfg.Observability.MetricsEnabled {
		serveMux.Handle("/metrics", metrics.Handler())
	}
	return &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:      serveMux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}
