// Package bootstrap wires adapters and services for the API server and
// the worker.
package bootstrap

import (
	"time"

	"calsync_server/adapter/out/messaging"
	"calsync_server/adapter/out/persistence"
	"calsync_server/adapter/out/provider"
	"calsync_server/config"
	"calsync_server/core/domain"
	"calsync_server/core/port/out"
	"calsync_server/core/service/channel"
	"calsync_server/core/service/sync"
	"calsync_server/infra/database"
	"calsync_server/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// Dependencies holds all wired components shared by API and worker.
type Dependencies struct {
	Config *config.Config

	Pool  *pgxpool.Pool
	DB    *sqlx.DB
	Redis *redis.Client

	ChannelRepo     domain.ChannelRepository
	IntegrationRepo domain.IntegrationRepository
	EventRepo       domain.EventRepository

	Provider    *provider.GoogleCalendarAdapter
	Credentials *provider.CredentialAdapter
	Producer    out.MessageProducer

	ChannelManager  *channel.Manager
	StateController *sync.StateController
	SyncEngine      *sync.Engine
}

// NewDependencies builds the dependency graph. The returned cleanup
// closes connections.
func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	pool, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	db := database.NewSqlxFromPool(pool)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, idempotency and queueing disabled")
			redisClient = nil
		}
	}

	channelRepo := persistence.NewChannelAdapter(db)
	integrationRepo := persistence.NewIntegrationAdapter(db)
	eventRepo := persistence.NewEventAdapter(db)

	calendarProvider := provider.NewGoogleCalendarAdapter(nil)
	credentials := provider.NewCredentialAdapter(db, map[domain.ClientType]provider.OAuthClientConfig{
		domain.ClientTypeWeb: {
			ClientID:     cfg.GoogleWebClientID,
			ClientSecret: cfg.GoogleWebClientSecret,
		},
		domain.ClientTypeMobile: {
			ClientID:     cfg.GoogleMobileClientID,
			ClientSecret: cfg.GoogleMobileClientSecret,
		},
		domain.ClientTypeService: {
			ClientID:     cfg.GoogleServiceClientID,
			ClientSecret: cfg.GoogleServiceClientSecret,
		},
	})

	var producer out.MessageProducer
	if redisClient != nil {
		producer = messaging.NewRedisProducer(redisClient)
	}

	manager := channel.NewManager(
		channelRepo, integrationRepo, calendarProvider, credentials,
		cfg.WebhookAddress, cfg.WatchTTL,
	)
	state := sync.NewStateController(integrationRepo, channelRepo, manager)
	engine := sync.NewEngine(
		integrationRepo, eventRepo, calendarProvider, credentials, state,
		cfg.SyncMaxPages, cfg.SyncPageSize,
	)

	deps := &Dependencies{
		Config:          cfg,
		Pool:            pool,
		DB:              db,
		Redis:           redisClient,
		ChannelRepo:     channelRepo,
		IntegrationRepo: integrationRepo,
		EventRepo:       eventRepo,
		Provider:        calendarProvider,
		Credentials:     credentials,
		Producer:        producer,
		ChannelManager:  manager,
		StateController: state,
		SyncEngine:      engine,
	}

	cleanup := func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		_ = db.Close()
		pool.Close()
	}

	return deps, cleanup, nil
}

// ProviderTimeout returns the configured per-call provider timeout.
func (d *Dependencies) ProviderTimeout() time.Duration {
	return time.Duration(d.Config.ProviderTimeoutSec) * time.Second
}
