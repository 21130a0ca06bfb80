package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	ServerAddr string `env:"SERVER_ADDR" envDefault:":8080"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	// DBDriver is one of postgres, mysql or sqlite.
	DBDriver    string `env:"DB_DRIVER" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`

	SessionSecret   string        `env:"SESSION_SECRET"`
	SessionStore    string        `env:"SESSION_STORE" envDefault:"gorm"`
	SessionTTL      time.Duration `env:"SESSION_TTL" envDefault:"168h"`
	CookieCrossSite bool          `env:"COOKIE_CROSS_SITE" envDefault:"false"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleTokenInfoURL string `env:"GOOGLE_TOKENINFO_URL" envDefault:"https://oauth2.googleapis.com/tokeninfo"`

	BaseURL string `env:"BASE_URL" envDefault:"http://localhost:8080"`

	KafkaBrokers     []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaEventsTopic string   `env:"KAFKA_EVENTS_TOPIC" envDefault:"academy.user-events"`
	KafkaMailTopic   string   `env:"KAFKA_MAIL_TOPIC" envDefault:"academy.mail"`

	ESURL      string `env:"ES_URL"`
	ESUser     string `env:"ES_USER"`
	ESPassword string `env:"ES_PASSWORD"`
	ESIndex    string `env:"ES_USERS_INDEX" envDefault:"academy-users"`

	// RateLimitIPRPS bounds requests per second per client IP; 0 disables it.
	RateLimitIPRPS   float64 `env:"RATE_LIMIT_IP_RPS" envDefault:"20"`
	RateLimitIPBurst int     `env:"RATE_LIMIT_IP_BURST" envDefault:"40"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	AdminName     string `env:"ADMIN_NAME" envDefault:"Administrator"`
	AdminEmail    string `env:"ADMIN_EMAIL"`
	AdminPassword string `env:"ADMIN_PASSWORD"`
}

// Load reads an optional .env file, then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("notice: .env not loaded (%v), using process environment", err)
	}
	return Parse()
}

func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	cfg.SessionStore = strings.ToLower(strings.TrimSpace(cfg.SessionStore))
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.DBDriver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	switch c.SessionStore {
	case "gorm", "redis":
	default:
		return fmt.Errorf("unsupported SESSION_STORE %q", c.SessionStore)
	}
	if len(c.SessionSecret) < 16 {
		return fmt.Errorf("SESSION_SECRET must be at least 16 bytes")
	}
	return nil
}

func MustNonEmpty(value, envName string) {
	if value == "" {
		log.Fatalf("missing required env %s", envName)
	}
}
