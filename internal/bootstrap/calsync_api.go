package bootstrap

import (
	"calsync_server/adapter/in/http"
	"calsync_server/config"
	"calsync_server/infra/middleware"
	"calsync_server/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
)

// NewAPI builds the HTTP server: the public notification receiver plus
// the JWT-protected management API.
func NewAPI(cfg *config.Config) (*fiber.App, func(), error) {
	logLevel := logger.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = logger.LevelDebug
	}
	logger.Init(logger.Config{
		Level:   logLevel,
		Service: "calsync-api",
	})

	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize dependencies")
		return nil, nil, err
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),

		// go-json over encoding/json for serialization throughput
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		BodyLimit:    1 * 1024 * 1024,
		ServerHeader: "",
	})

	// Global middleware stack (order matters)
	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.RequestLogger())
	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	// Health check (no auth required)
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Public notification receiver; channel token is the auth.
	notification := http.NewNotificationHandler(
		deps.ChannelRepo,
		deps.IntegrationRepo,
		deps.SyncEngine,
		deps.Producer,
		deps.Redis,
		deps.ProviderTimeout(),
	)
	notification.Register(app)

	// Management API behind JWT
	api := app.Group("/api/v1", middleware.JWTAuth(cfg.JWTSecret))
	channelHandler := http.NewChannelHandler(
		deps.ChannelRepo,
		deps.IntegrationRepo,
		deps.ChannelManager,
		deps.StateController,
		deps.Producer,
		notification,
	)
	channelHandler.Register(api)

	return app, cleanup, nil
}
