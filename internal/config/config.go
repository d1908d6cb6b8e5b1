package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/styleshot/api/internal/model"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Provider  ProviderConfig
	R2        R2Config
	RateLimit RateLimitConfig
	Upload    UploadConfig
	Templates []model.StyleTemplate
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ProviderConfig configures the external image generation API.
type ProviderConfig struct {
	APIKey           string
	BaseURL          string
	PollIntervalSecs int
	PollTimeoutSecs  int
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type RateLimitConfig struct {
	TasksPerHour int
}

type UploadConfig struct {
	MaxSizeMB int
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("PROVIDER_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("provider.api_key", "PROVIDER_API_KEY")
	_ = viper.BindEnv("provider.base_url", "PROVIDER_BASE_URL")
	_ = viper.BindEnv("provider.poll_interval_secs", "PROVIDER_POLL_INTERVAL_SECS")
	_ = viper.BindEnv("provider.poll_timeout_secs", "PROVIDER_POLL_TIMEOUT_SECS")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("ratelimit.tasks_per_hour", "RATELIMIT_TASKS_PER_HOUR")
	_ = viper.BindEnv("upload.max_size_mb", "UPLOAD_MAX_SIZE_MB")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Provider defaults
	viper.SetDefault("provider.base_url", "https://api.styleshot-gen.dev")
	viper.SetDefault("provider.poll_interval_secs", 2)
	viper.SetDefault("provider.poll_timeout_secs", 180)

	viper.SetDefault("ratelimit.tasks_per_hour", 30)
	viper.SetDefault("upload.max_size_mb", 10)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	var templates []model.StyleTemplate
	if err := viper.UnmarshalKey("templates", &templates); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Provider: ProviderConfig{
			APIKey:           viper.GetString("provider.api_key"),
			BaseURL:          viper.GetString("provider.base_url"),
			PollIntervalSecs: viper.GetInt("provider.poll_interval_secs"),
			PollTimeoutSecs:  viper.GetInt("provider.poll_timeout_secs"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		RateLimit: RateLimitConfig{
			TasksPerHour: viper.GetInt("ratelimit.tasks_per_hour"),
		},
		Upload: UploadConfig{
			MaxSizeMB: viper.GetInt("upload.max_size_mb"),
		},
		Templates: templates,
	}

	return cfg, nil
}
