// Package server assembles the settlement negotiation API from configuration.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-negotiation/internal/config"
	"github.com/ksred/klear-negotiation/internal/database"
	"github.com/ksred/klear-negotiation/internal/hub"
	"github.com/ksred/klear-negotiation/internal/repository"
	"github.com/ksred/klear-negotiation/internal/settlement"
	"github.com/ksred/klear-negotiation/pkg/middleware"
)

// App is a fully wired server
type App struct {
	Config    *config.Config
	Router    *gin.Engine
	Hub       *hub.Hub[settlement.Event]
	Service   *settlement.Service
	Processor *settlement.Processor
	Limiter   *middleware.RateLimiter

	closers []func() error
}

// New opens the configured store and builds the router
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	store, closeStore, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	eventHub := hub.New[settlement.Event](settlement.EventSequence)
	service := settlement.NewService(store, eventHub)
	handlers := settlement.NewGinHandlers(service, eventHub)
	limiter := middleware.NewRateLimiter(cfg.RateLimit.ReadPerMinute, cfg.RateLimit.WritePerMinute)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(), limiter.Handler())
	setupRoutes(router, handlers)

	app := &App{
		Config:    cfg,
		Router:    router,
		Hub:       eventHub,
		Service:   service,
		Processor: settlement.NewProcessor(store, cfg.Processor.Interval),
		Limiter:   limiter,
	}
	if closeStore != nil {
		app.closers = append(app.closers, closeStore)
	}
	return app, nil
}

// Start runs the background loops until ctx is done
func (a *App) Start(ctx context.Context) {
	go a.Processor.Start(ctx)
	go a.Limiter.Cleanup(ctx)
}

// Close ends every stream and releases the store
func (a *App) Close() error {
	a.Hub.Close()

	var errs []error
	for _, closeFn := range a.closers {
		errs = append(errs, closeFn())
	}
	return errors.Join(errs...)
}

func setupRoutes(router *gin.Engine, settlementHandlers *settlement.GinHandlers) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	settlementHandlers.RegisterRoutes(router)
}

// OpenStore returns the configured settlement store and an optional close
// function
func OpenStore(ctx context.Context, cfg config.StoreConfig) (settlement.Store, func() error, error) {
	logger := log.With().Str("component", "server").Str("driver", cfg.Driver).Logger()

	switch cfg.Driver {
	case config.DriverMemory:
		logger.Info().Msg("using in-memory settlement store")
		return settlement.NewMemoryStore(), nil, nil

	case config.DriverSQLite:
		db, err := database.NewDatabase(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("using sqlite settlement store")
		return settlement.NewDatabase(db), sqlDB.Close, nil

	case config.DriverDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.DynamoDBRegion))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client := awsdynamodb.NewFromConfig(awsCfg, func(o *awsdynamodb.Options) {
			if cfg.DynamoDBEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.DynamoDBEndpoint)
			}
		})
		store, err := repository.NewDynamoStore(client, cfg.DynamoDBTable)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("table", cfg.DynamoDBTable).Msg("using dynamodb settlement store")
		return store, nil, nil

	case config.DriverPostgres:
		pool, err := repository.ConnectPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		store, err := repository.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info().Msg("using postgres settlement store")
		return store, func() error { pool.Close(); return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
