package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	minJWTSecretLength = 32
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	App       AppConfig
	Auth      AuthConfig
	Postgres  PostgresConfig
	Log       LogConfig
	RateLimit RateLimitConfig
	Store     string
}

type AppConfig struct {
	Port            string
	Env             string
	Version         string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

type AuthConfig struct {
	JWTSecret             string
	AccessTTL             time.Duration
	RefreshTTL            time.Duration
	RefreshHashKey        string
	PasswordHashCost      int
	RegistrySweepInterval time.Duration
	RefreshPruneInterval  time.Duration
}

type PostgresConfig struct {
	DatabaseURL  string
	Host         string
	Port         string
	User         string
	Password     string
	Database     string
	SSLMode      string
	QueryTimeout time.Duration
	MaxConns     int32
}

type LogConfig struct {
	Level  string
	Pretty bool
}

type RateLimitConfig struct {
	Max        int
	Window     time.Duration
	AuthMax    int
	AuthWindow time.Duration
}

// Configured - DATABASE_URL 또는 PGUSER/PGDATABASE 가 있으면 Postgres 사용 가능
func (c PostgresConfig) Configured() bool {
	return c.DatabaseURL != "" || (c.User != "" && c.Database != "")
}

// Load - .env 파일(있으면)과 환경변수에서 설정을 읽는다.
func Load() (Config, error) {
	_ = godotenv.Load()
	return load(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("port", "4000")
	v.SetDefault("app_env", "development")
	v.SetDefault("app_version", "1.0.0")
	v.SetDefault("shutdown_timeout", "15s")

	v.SetDefault("access_token_ttl_min", 15)
	v.SetDefault("refresh_token_ttl_days", 7)
	v.SetDefault("password_hash_cost", 10)
	v.SetDefault("registry_sweep_interval", "1m")
	v.SetDefault("refresh_token_prune_interval", "1h")

	v.SetDefault("pghost", "localhost")
	v.SetDefault("pgport", "5432")
	v.SetDefault("pgsslmode", "disable")
	v.SetDefault("db_query_timeout", "3s")
	v.SetDefault("db_max_conns", 10)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)

	v.SetDefault("rate_limit_max", 120)
	v.SetDefault("rate_limit_window", "1m")
	v.SetDefault("auth_rate_limit_max", 50)
	v.SetDefault("auth_rate_limit_window", "10m")

	v.AutomaticEnv()
	return v
}

func load(v *viper.Viper) (Config, error) {
	cfg := Config{
		App: AppConfig{
			Port:            v.GetString("port"),
			Env:             v.GetString("app_env"),
			Version:         v.GetString("app_version"),
			AllowedOrigins:  splitList(v.GetString("cors_allowed_origins")),
			ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		},
		Auth: AuthConfig{
			JWTSecret:             v.GetString("jwt_secret"),
			AccessTTL:             time.Duration(v.GetInt("access_token_ttl_min")) * time.Minute,
			RefreshTTL:            time.Duration(v.GetInt("refresh_token_ttl_days")) * 24 * time.Hour,
			RefreshHashKey:        v.GetString("refresh_token_hash_key"),
			PasswordHashCost:      v.GetInt("password_hash_cost"),
			RegistrySweepInterval: v.GetDuration("registry_sweep_interval"),
			RefreshPruneInterval:  v.GetDuration("refresh_token_prune_interval"),
		},
		Postgres: PostgresConfig{
			DatabaseURL:  v.GetString("database_url"),
			Host:         v.GetString("pghost"),
			Port:         v.GetString("pgport"),
			User:         v.GetString("pguser"),
			Password:     v.GetString("pgpassword"),
			Database:     v.GetString("pgdatabase"),
			SSLMode:      v.GetString("pgsslmode"),
			QueryTimeout: v.GetDuration("db_query_timeout"),
			MaxConns:     v.GetInt32("db_max_conns"),
		},
		Log: LogConfig{
			Level:  v.GetString("log_level"),
			Pretty: v.GetBool("log_pretty"),
		},
		RateLimit: RateLimitConfig{
			Max:        v.GetInt("rate_limit_max"),
			Window:     v.GetDuration("rate_limit_window"),
			AuthMax:    v.GetInt("auth_rate_limit_max"),
			AuthWindow: v.GetDuration("auth_rate_limit_window"),
		},
		Store: strings.ToLower(strings.TrimSpace(v.GetString("store"))),
	}

	if cfg.Store == "" {
		cfg.Store = StoreMemory
		if cfg.Postgres.Configured() {
			cfg.Store = StorePostgres
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if len(c.Auth.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("%w: JWT_SECRET must be at least %d characters", ErrInvalid, minJWTSecretLength)
	}
	if c.Auth.AccessTTL <= 0 {
		return fmt.Errorf("%w: ACCESS_TOKEN_TTL_MIN must be positive", ErrInvalid)
	}
	if c.Auth.RefreshTTL <= 0 {
		return fmt.Errorf("%w: REFRESH_TOKEN_TTL_DAYS must be positive", ErrInvalid)
	}
	if c.Auth.RefreshTTL <= c.Auth.AccessTTL {
		return fmt.Errorf("%w: refresh token TTL must exceed access token TTL", ErrInvalid)
	}
	if c.Auth.PasswordHashCost < 4 || c.Auth.PasswordHashCost > 31 {
		return fmt.Errorf("%w: PASSWORD_HASH_COST must be between 4 and 31", ErrInvalid)
	}
	if c.Auth.RegistrySweepInterval <= 0 || c.Auth.RefreshPruneInterval <= 0 {
		return fmt.Errorf("%w: sweep intervals must be positive", ErrInvalid)
	}
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if !c.Postgres.Configured() {
			return fmt.Errorf("%w: STORE=postgres requires DATABASE_URL or PGUSER/PGDATABASE", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown STORE %q", ErrInvalid, c.Store)
	}
	if c.RateLimit.Max <= 0 || c.RateLimit.AuthMax <= 0 || c.RateLimit.Window <= 0 || c.RateLimit.AuthWindow <= 0 {
		return fmt.Errorf("%w: rate limits must be positive", ErrInvalid)
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
