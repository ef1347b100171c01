package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type RateLimit struct {
	Votes    int           `mapstructure:"votes"`
	Interval time.Duration `mapstructure:"interval"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Persistence struct {
	Driver       string        `mapstructure:"driver"`
	Mode         string        `mapstructure:"mode"`
	Workers      int           `mapstructure:"workers"`
	QueueSize    int           `mapstructure:"queue_size"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	SQLitePath   string        `mapstructure:"sqlite_path"`
	PostgresDSN  string        `mapstructure:"postgres_dsn"`
	NATSURL      string        `mapstructure:"nats_url"`
	NATSBucket   string        `mapstructure:"nats_bucket"`
}

type Config struct {
	Mode           string        `mapstructure:"mode"`
	Port           int           `mapstructure:"port"`
	StaticPath     string        `mapstructure:"static_path"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	Secret         string        `mapstructure:"secret"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	Backpressure   string        `mapstructure:"backpressure"`
	Deck           []string      `mapstructure:"deck"`
	RateLimit      RateLimit     `mapstructure:"rate_limit"`
	Log            Log           `mapstructure:"log"`
	Persistence    Persistence   `mapstructure:"persistence"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "change-me")
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("send_buffer", 32)
	v.SetDefault("backpressure", "kick")
	v.SetDefault("deck", []string{})
	v.SetDefault("rate_limit.votes", 10)
	v.SetDefault("rate_limit.interval", "5s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("persistence.driver", "none")
	v.SetDefault("persistence.mode", "mirror")
	v.SetDefault("persistence.workers", 4)
	v.SetDefault("persistence.queue_size", 256)
	v.SetDefault("persistence.max_retries", 5)
	v.SetDefault("persistence.retry_delay", "200ms")
	v.SetDefault("persistence.poll_interval", "1s")
	v.SetDefault("persistence.sqlite_path", "./data/poker.db")
	v.SetDefault("persistence.postgres_dsn", "")
	v.SetDefault("persistence.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("persistence.nats_bucket", "POKER_ROOMS")
}

// Load reads config/config.<CONFIG_ENV>.yaml, then POKER_* environment overrides.
// A missing file is not an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("module", "config").Msg("failed to read .env")
	}

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("POKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Str("persistence", cfg.Persistence.Driver).Str("persistence_mode", cfg.Persistence.Mode).Msg("config ready")
	return &cfg, nil
}
