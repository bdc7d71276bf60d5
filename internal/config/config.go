package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	R2        R2Config
	Zitadel   ZitadelConfig
	Diffusion DiffusionConfig
	Upscaler  UpscalerConfig
	Worker    WorkerConfig
	Gateway   GatewayConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	UpscalePerHour int
	StatusPerMin   int
}

// R2Config describes the S3-compatible bucket that upscaled images go to.
// Endpoint overrides the Cloudflare account endpoint, e.g. for MinIO.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
	Endpoint        string
	Region          string
	SignedURLTTL    int // minutes, 0 returns public URLs
}

// Configured reports whether enough settings are present to build a client.
func (c R2Config) Configured() bool {
	return (c.AccountID != "" || c.Endpoint != "") && c.AccessKeyID != "" && c.SecretAccessKey != "" && c.BucketName != ""
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

// DiffusionConfig points at the external worker that runs the diffusion
// pipeline. An empty ServiceURL selects the local resampling backend.
type DiffusionConfig struct {
	ServiceURL string
	APIKey     string
	Timeout    int // seconds
}

type UpscalerConfig struct {
	TileSize  int
	Scale     int
	ModelsDir string
	OutputDir string
}

type WorkerConfig struct {
	Concurrency    int
	BusyRetryDelay int // seconds
	MaxRetry       int
}

type GatewayConfig struct {
	Enabled bool
}

func Load() (*Config, error) {
	// .env is optional; real environment variables take precedence
	_ = godotenv.Load()

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("ZITADEL_CLIENT_ID")
	readSecret("DIFFUSION_API_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.api_domain", "API_DOMAIN")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = v.BindEnv("ratelimit.upscale_per_hour", "RATELIMIT_UPSCALE_PER_HOUR")
	_ = v.BindEnv("ratelimit.status_per_min", "RATELIMIT_STATUS_PER_MIN")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("r2.endpoint", "R2_ENDPOINT")
	_ = v.BindEnv("r2.region", "R2_REGION")
	_ = v.BindEnv("r2.signed_url_ttl", "R2_SIGNED_URL_TTL")
	_ = v.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = v.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = v.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = v.BindEnv("diffusion.service_url", "DIFFUSION_SERVICE_URL")
	_ = v.BindEnv("diffusion.api_key", "DIFFUSION_API_KEY")
	_ = v.BindEnv("diffusion.timeout", "DIFFUSION_SERVICE_TIMEOUT")
	_ = v.BindEnv("upscaler.tile_size", "UPSCALER_TILE_SIZE")
	_ = v.BindEnv("upscaler.scale", "UPSCALER_SCALE")
	_ = v.BindEnv("upscaler.models_dir", "UPSCALER_MODELS_DIR")
	_ = v.BindEnv("upscaler.output_dir", "UPSCALER_OUTPUT_DIR")
	_ = v.BindEnv("worker.concurrency", "WORKER_CONCURRENCY")
	_ = v.BindEnv("worker.busy_retry_delay", "WORKER_BUSY_RETRY_DELAY")
	_ = v.BindEnv("worker.max_retry", "WORKER_MAX_RETRY")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.expiration", 24)
	v.SetDefault("ratelimit.upscale_per_hour", 20)
	v.SetDefault("ratelimit.status_per_min", 120)
	v.SetDefault("r2.region", "auto")

	// Diffusion service defaults
	v.SetDefault("diffusion.timeout", 300)

	// Upscaler defaults
	v.SetDefault("upscaler.tile_size", 128)
	v.SetDefault("upscaler.scale", 4)
	v.SetDefault("upscaler.models_dir", "./models")
	v.SetDefault("upscaler.output_dir", "./generated_imgs")

	// The backend runs one job at a time; extra workers only wait on the guard
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.busy_retry_delay", 5)
	v.SetDefault("worker.max_retry", 3)

	v.SetDefault("gateway.enabled", false)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  v.GetString("server.log_level"),
			ApiDomain: v.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("jwt.secret"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			UpscalePerHour: v.GetInt("ratelimit.upscale_per_hour"),
			StatusPerMin:   v.GetInt("ratelimit.status_per_min"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
			Endpoint:        v.GetString("r2.endpoint"),
			Region:          v.GetString("r2.region"),
			SignedURLTTL:    v.GetInt("r2.signed_url_ttl"),
		},
		Zitadel: ZitadelConfig{
			Domain:   v.GetString("zitadel.domain"),
			ClientID: v.GetString("zitadel.client_id"),
			Issuer:   v.GetString("zitadel.issuer"),
		},
		Diffusion: DiffusionConfig{
			ServiceURL: v.GetString("diffusion.service_url"),
			APIKey:     v.GetString("diffusion.api_key"),
			Timeout:    v.GetInt("diffusion.timeout"),
		},
		Upscaler: UpscalerConfig{
			TileSize:  v.GetInt("upscaler.tile_size"),
			Scale:     v.GetInt("upscaler.scale"),
			ModelsDir: v.GetString("upscaler.models_dir"),
			OutputDir: v.GetString("upscaler.output_dir"),
		},
		Worker: WorkerConfig{
			Concurrency:    v.GetInt("worker.concurrency"),
			BusyRetryDelay: v.GetInt("worker.busy_retry_delay"),
			MaxRetry:       v.GetInt("worker.max_retry"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
	}

	return cfg, nil
}
