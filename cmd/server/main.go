package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sdtile/upscaler/internal/auth"
	"github.com/sdtile/upscaler/internal/client"
	"github.com/sdtile/upscaler/internal/config"
	"github.com/sdtile/upscaler/internal/handler"
	"github.com/sdtile/upscaler/internal/logging"
	"github.com/sdtile/upscaler/internal/middleware"
	"github.com/sdtile/upscaler/internal/pipeline"
	"github.com/sdtile/upscaler/internal/service"
	"github.com/sdtile/upscaler/internal/storage"
	"github.com/sdtile/upscaler/internal/upscaler"
	ws "github.com/sdtile/upscaler/internal/websocket"
	"github.com/sdtile/upscaler/internal/worker"
	"github.com/sdtile/upscaler/pkg/response"
)

const tokenIssuer = "sdtile-upscaler"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Setup(cfg.Server.Env, cfg.Server.LogLevel)

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis not available")
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	// Backend: remote diffusion service when configured, local resampling otherwise
	var factory pipeline.Factory
	diffusionClient := client.NewDiffusionClient(&cfg.Diffusion)
	if diffusionClient.IsConfigured() {
		if err := diffusionClient.HealthCheck(ctx); err != nil {
			log.Warn().Err(err).Str("url", cfg.Diffusion.ServiceURL).Msg("diffusion service not reachable yet")
		}
		factory = diffusionClient.Factory()
		log.Info().Str("url", cfg.Diffusion.ServiceURL).Msg("using diffusion service backend")
	} else {
		factory = client.ResampleFactory(cfg.Upscaler.Scale)
		log.Warn().Msg("DIFFUSION_SERVICE_URL not set, using resampling backend")
	}

	// Outputs: object storage when configured, local directory otherwise
	var persister upscaler.Persister
	if cfg.R2.Configured() {
		s3Client, err := client.NewS3Client(&cfg.R2)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create storage client")
		}
		persister = storage.NewObjectPersister(s3Client, time.Duration(cfg.R2.SignedURLTTL)*time.Minute)
		log.Info().Str("bucket", cfg.R2.BucketName).Msg("storing outputs in object storage")
	} else {
		disk, err := storage.NewDiskPersister(cfg.Upscaler.OutputDir)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create output directory")
		}
		persister = disk
		log.Info().Str("dir", disk.Dir()).Msg("storing outputs on disk")
	}

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	status := upscaler.NewStatusTracker()
	cache := pipeline.NewCache()
	runner := upscaler.NewRunner(cache, factory, persister, status, upscaler.RunnerConfig{
		TileSize: cfg.Upscaler.TileSize,
		Scale:    cfg.Upscaler.Scale,
	})

	opts := upscaler.Options{
		ModelsDir: cfg.Upscaler.ModelsDir,
		TileSize:  cfg.Upscaler.TileSize,
	}
	upscaleService := service.NewUpscaleService(service.NewRedisJobStore(redisClient), asynqClient, status, opts, cfg.Worker.MaxRetry)

	// Handlers
	validate := handler.NewValidator()
	upscaleHandler := handler.NewUpscaleHandler(upscaleService, validate)

	verifier := buildVerifier(cfg)
	authHandler := handler.NewAuthHandler(verifier)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	var authMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		authMiddleware = middleware.GatewayAuth()
		log.Info().Msg("trusting gateway identity headers")
	} else {
		authMiddleware = middleware.Authenticate(verifier)
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    50 * 1024 * 1024, // base64 source images
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"diffusion": diffusionClient.IsConfigured(),
				"r2":        cfg.R2.Configured(),
				"gateway":   cfg.Gateway.Enabled,
			},
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/auth/verify", authHandler.Verify)

	api := app.Group("/api", authMiddleware)
	api.Get("/status", rateLimiter.StatusLimit(cfg.RateLimit.StatusPerMin), upscaleHandler.GenerationStatus)

	up := api.Group("/upscale")
	up.Post("/start", rateLimiter.UpscaleLimit(cfg.RateLimit.UpscalePerHour), upscaleHandler.Start)
	up.Get("/status/:jobId", rateLimiter.StatusLimit(cfg.RateLimit.StatusPerMin), upscaleHandler.Status)
	up.Get("/result/:jobId", upscaleHandler.Result)
	up.Post("/cancel/:jobId", upscaleHandler.Cancel)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:jobId", wsAuth(cfg, verifier), websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("jobId"))
	}))

	// Worker
	upscaleWorker := worker.NewUpscaleWorker(upscaleService, runner, hub, opts)
	srv := newWorkerServer(cfg, redisOpt)
	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeUpscale, upscaleWorker.ProcessTask)
	if err := srv.Start(mux); err != nil {
		log.Fatal().Err(err).Msg("failed to start asynq worker")
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Info().Str("addr", addr).Msg("server starting")
	if err := app.Listen(addr); err != nil {
		log.Error().Err(err).Msg("server error")
	}

	srv.Shutdown()
	hub.Stop()
	if err := cache.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to release backend")
	}
}

func newWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt) *asynq.Server {
	var level asynq.LogLevel
	_ = level.Set(logging.AsynqLevel())

	return asynq.NewServer(redisOpt, asynq.Config{
		// one backend per process; more workers only wait for the guard
		Concurrency: cfg.Worker.Concurrency,
		Queues: map[string]int{
			service.QueueUpscale: 1,
		},
		IsFailure:      worker.IsFailure,
		RetryDelayFunc: worker.RetryDelay(time.Duration(cfg.Worker.BusyRetryDelay) * time.Second),
		Logger:         logging.AsynqLogger{},
		LogLevel:       level,
	})
}

// buildVerifier accepts identity provider tokens when an issuer is
// configured, and locally signed HMAC tokens always.
func buildVerifier(cfg *config.Config) auth.TokenVerifier {
	var chain auth.Chain
	if cfg.Zitadel.Issuer != "" {
		jwks, err := auth.NewJWKSVerifier(&cfg.Zitadel)
		if err != nil {
			log.Warn().Err(err).Msg("JWKS verifier unavailable, accepting HMAC tokens only")
		} else {
			chain = append(chain, jwks)
		}
	}
	return append(chain, auth.NewHMACVerifier(cfg.JWT.Secret, tokenIssuer))
}

// wsAuth checks the token query parameter; browsers cannot set headers on
// websocket upgrades.
func wsAuth(cfg *config.Config, verifier auth.TokenVerifier) fiber.Handler {
	if cfg.Gateway.Enabled {
		return middleware.GatewayAuth()
	}
	return func(c *fiber.Ctx) error {
		token := c.Query("token")
		if token == "" {
			return response.Unauthorized(c, "Missing token")
		}
		if _, err := verifier.Validate(token); err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}
		return c.Next()
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
