package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/campusline/school-backend/internal/core/domain"
)

// Config is read once at startup and passed explicitly to every component.
// Nothing else in the process reads the environment.
type Config struct {
	Port     string `env:"PORT,      default=8080"`
	Env      string `env:"ENV,       default=development"`
	LogLevel string `env:"LOG_LEVEL, default=info"`

	Auth      AuthConfig
	Mongo     MongoConfig
	Redis     RedisConfig
	Transport TransportConfig
	Seed      SeedConfig
	Realtime  RealtimeConfig
}

type AuthConfig struct {
	JWTSecret  string        `env:"JWT_SECRET"`
	TokenTTL   time.Duration `env:"JWT_TTL,     default=1h"`
	Issuer     string        `env:"JWT_ISSUER,  default=school-api"`
	BcryptCost int           `env:"BCRYPT_COST, default=10"`
}

type MongoConfig struct {
	URI      string `env:"MONGO_URI, default=mongodb://localhost:27017"`
	Database string `env:"MONGO_DB,  default=school"`
}

// RedisConfig is optional. An empty Addr disables the distributed seed lock.
type RedisConfig struct {
	Addr string `env:"REDIS_ADDR"`
	DB   int    `env:"REDIS_DB, default=0"`
}

type TransportConfig struct {
	AllowedOrigins      []string `env:"CORS_ALLOWED_ORIGINS,   default=http://localhost:3000"`
	AllowCredentials    bool     `env:"CORS_ALLOW_CREDENTIALS, default=true"`
	RequireHTTPS        bool     `env:"REQUIRE_HTTPS,          default=true"`
	TrustForwardedProto bool     `env:"TRUST_FORWARDED_PROTO,  default=false"`
	TLSCertFile         string   `env:"TLS_CERT_FILE"`
	TLSKeyFile          string   `env:"TLS_KEY_FILE"`
}

// TLSEnabled reports whether the process terminates TLS itself.
func (t TransportConfig) TLSEnabled() bool {
	return t.TLSCertFile != "" && t.TLSKeyFile != ""
}

type SeedConfig struct {
	Username string        `env:"SEED_SUPERUSER_USERNAME, default=superuser"`
	Email    string        `env:"SEED_SUPERUSER_EMAIL,    default=superuser@school.local"`
	Password string        `env:"SEED_SUPERUSER_PASSWORD"`
	Timeout  time.Duration `env:"SEED_TIMEOUT,            default=15s"`
	LockTTL  time.Duration `env:"SEED_LOCK_TTL,           default=30s"`
}

type RealtimeConfig struct {
	Path               string        `env:"WS_PATH,                default=/ws"`
	PingInterval       time.Duration `env:"WS_PING_INTERVAL,       default=30s"`
	PongTimeout        time.Duration `env:"WS_PONG_TIMEOUT,        default=10s"`
	RevalidateInterval time.Duration `env:"WS_REVALIDATE_INTERVAL, default=15s"`
	MaxMessageBytes    int64         `env:"WS_MAX_MESSAGE_BYTES,   default=65536"`
	MessagesPerSecond  float64       `env:"WS_MESSAGES_PER_SECOND, default=20"`
	Burst              int           `env:"WS_BURST,               default=40"`
	NotifyWorkers      int           `env:"NOTIFY_WORKERS,         default=4"`
}

// IsProduction reports whether the process runs with ENV=production.
func (c *Config) IsProduction() bool { return c.Env == "production" }

// Load reads configuration from environment variables using go-envconfig.
func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, domain.NewConfigError("environment", err)
	}
	if cfg.Seed.Timeout <= 0 {
		return nil, domain.NewConfigError("environment", fmt.Errorf("SEED_TIMEOUT must be positive, got %s", cfg.Seed.Timeout))
	}
	if (cfg.Transport.TLSCertFile == "") != (cfg.Transport.TLSKeyFile == "") {
		return nil, domain.NewConfigError("environment", errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together"))
	}
	return &cfg, nil
}
