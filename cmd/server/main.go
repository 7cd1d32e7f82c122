package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/liamcoop/timerules/actions"
	"github.com/liamcoop/timerules/auth"
	"github.com/liamcoop/timerules/clockify"
	"github.com/liamcoop/timerules/idempotency"
	"github.com/liamcoop/timerules/installation"
	"github.com/liamcoop/timerules/internal/config"
	"github.com/liamcoop/timerules/internal/logger"
	"github.com/liamcoop/timerules/internal/metrics"
	"github.com/liamcoop/timerules/multitenantengine"
	"github.com/liamcoop/timerules/ratelimit"
	"github.com/liamcoop/timerules/rules"
	"github.com/liamcoop/timerules/webhook"
)

// meteredLimiter counts calls the governor refuses
type meteredLimiter struct {
	governor *ratelimit.Governor
	metrics  *metrics.Metrics
}

func (l meteredLimiter) Wait(ctx context.Context, workspaceID string) error {
	err := l.governor.Wait(ctx, workspaceID)
	if errors.Is(err, ratelimit.ErrRateLimited) {
		l.metrics.RateLimited()
	}
	return err
}

// purger is implemented by trackers that need expired keys removed
type purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

type app struct {
	server   *Server
	db       *sql.DB
	redis    *redis.Client
	tracker  idempotency.Tracker
	governor *ratelimit.Governor
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// build wires every component from the configuration
func build(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}
	m := metrics.New()

	var (
		ruleStore     rules.RuleStore
		installations installation.Store
		storageName   = "memory"
	)
	if cfg.Database.URL != "" {
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.db = db
		ruleStore = rules.NewPostgresRuleStore(db)
		installations = installation.NewPostgresStore(db)
		storageName = "postgres"
	} else {
		logger.Warn("DATABASE_URL not set, rules and installations are kept in memory")
		ruleStore = rules.NewInMemoryRuleStore()
		installations = installation.NewMemoryStore()
	}

	switch cfg.Idempotency.Backend {
	case config.BackendPostgres:
		a.tracker = idempotency.NewPostgresTracker(a.db, cfg.Idempotency.TTL)
	case config.BackendRedis:
		client, err := openRedis(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		a.tracker = idempotency.NewRedisTracker(client, cfg.Idempotency.TTL)
	default:
		a.tracker = idempotency.NewMemoryTracker(cfg.Idempotency.TTL, cfg.Idempotency.ShardCapacity)
	}

	var jwtVerifier *auth.JWTVerifier
	verifiers := []auth.Verifier{auth.HMACVerifier{}}
	if cfg.Addon.PublicKeyFile != "" {
		pub, err := auth.LoadPublicKey(cfg.Addon.PublicKeyFile)
		if err != nil {
			a.Close()
			return nil, err
		}
		jwtVerifier, err = auth.NewJWTVerifier(pub, cfg.Addon.Key, cfg.Addon.JWTLeeway)
		if err != nil {
			a.Close()
			return nil, err
		}
		verifiers = append(verifiers, jwtVerifier)
	} else if cfg.Addon.InsecureAllowUnsigned {
		logger.Warn("INSECURE: no platform public key configured, lifecycle and rule management calls are not authenticated")
	} else {
		a.Close()
		return nil, errors.New("addon.public_key_file is required unless addon.insecure_allow_unsigned is set")
	}
	authenticator := auth.NewAuthenticator(installations, verifiers...)

	engine, err := rules.NewEngine()
	if err != nil {
		a.Close()
		return nil, err
	}
	manager := multitenantengine.NewManager(ruleStore, engine, rules.CacheConfig{TTL: cfg.Rules.CacheTTL})
	manager.OnLoad(m.CacheLoaded)

	a.governor = ratelimit.NewGovernor(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		MaxWait:           cfg.RateLimit.MaxWait,
	})
	clients := actions.NewClientFactory(clockify.Config{
		HTTPClient: &http.Client{Timeout: cfg.Clockify.Timeout},
		Limiter:    meteredLimiter{governor: a.governor, metrics: m},
		MaxRetries: cfg.Clockify.MaxRetries,
	})
	if cfg.Clockify.BaseURL != "" {
		base := cfg.Clockify.BaseURL
		factory := clients
		clients = func(inst *installation.Installation) actions.Client {
			if inst.APIBaseURL == "" {
				copied := *inst
				copied.APIBaseURL = base
				inst = &copied
			}
			return factory(inst)
		}
	}
	executor := actions.NewExecutor(clients, actions.Config{
		ApplyChanges:  cfg.Rules.ApplyChanges,
		ActionTimeout: cfg.Rules.ActionTimeout,
	})

	processor, err := webhook.NewProcessor(authenticator, a.tracker, manager, engine, executor, webhook.WithObserver(m))
	if err != nil {
		a.Close()
		return nil, err
	}

	a.server = NewServer(Deps{
		DB:              a.db,
		Redis:           a.redis,
		Manager:         manager,
		Installations:   installations,
		Processor:       processor,
		JWT:             jwtVerifier,
		AllowUnsigned:   cfg.Addon.InsecureAllowUnsigned,
		Metrics:         m,
		Governor:        a.governor,
		StorageName:     storageName,
		IdempotencyName: cfg.Idempotency.Backend,
		ApplyChanges:    cfg.Rules.ApplyChanges,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		RequestTimeout:  cfg.Server.RequestTimeout,
	})
	return a, nil
}

// runBackground starts the maintenance loops; they stop with ctx
func (a *app) runBackground(ctx context.Context, purgeEvery time.Duration) {
	go a.governor.Run(ctx, time.Minute)

	p, ok := a.tracker.(purger)
	if !ok || purgeEvery <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(purgeEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := p.PurgeExpired(ctx)
				if err != nil {
					logger.Error("Failed to purge event keys", "error", err)
					continue
				}
				if n > 0 {
					logger.Debug("Purged event keys", "count", n)
				}
			}
		}
	}()
}

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("CONFIG_FILE"), "Path to YAML config file")
	envFiles := pflag.StringSlice("env-file", []string{".env"}, "Env files to load before reading config")
	port := pflag.StringP("port", "p", "", "Port to listen on (overrides config)")
	pflag.Parse()

	if err := config.LoadEnvFiles(*envFiles...); err != nil {
		logger.Fatal("Failed to load env files", "error", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", "error", err)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if err := logger.Configure(cfg.Log.Level, cfg.Log.SampleRate); err != nil {
		logger.Fatal("Failed to configure logger", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := build(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to create server", "error", err)
	}
	defer a.Close()
	a.runBackground(ctx, cfg.Idempotency.PurgeEvery)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      a.server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		logger.Info("Server starting",
			"port", cfg.Server.Port,
			"apply_changes", cfg.Rules.ApplyChanges,
			"idempotency", cfg.Idempotency.Backend,
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", "error", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}
	if err := logger.Shutdown(shutdownCtx); err != nil {
		logger.Error("Logger shutdown error", "error", err)
	}

	logger.Info("Server stopped")
}
