package config

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Server       ServerConfig       `env:",prefix=SERVER_"`
	Postgres     PostgresConfig     `env:",prefix=POSTGRES_"`
	Redis        RedisConfig        `env:",prefix=REDIS_"`
	JWT          JWTConfig          `env:",prefix=JWT_"`
	Encryption   EncryptionConfig   `env:",prefix=ENCRYPTION_"`
	OAuth        OAuthConfig        `env:",prefix="`
	StageUpdater StageUpdaterConfig `env:",prefix=STAGE_UPDATER_"`
	Probe        ProbeConfig        `env:",prefix=IMAP_PROBE_"`
	Security     SecurityConfig     `env:",prefix="`
	CORS         CORSConfig         `env:",prefix=CORS_"`
	Env          string             `env:"ENV,default=development"`
}

type ServerConfig struct {
	Port         string   `env:"PORT,default=8080"`
	Host         string   `env:"HOST,default=0.0.0.0"`
	ReadTimeout  Duration `env:"READ_TIMEOUT,default=15s"`
	WriteTimeout Duration `env:"WRITE_TIMEOUT,default=15s"`
}

type PostgresConfig struct {
	Host     string `env:"HOST,default=localhost"`
	Port     string `env:"PORT,default=5432"`
	User     string `env:"USER,default=mailbox_connections"`
	Password string `env:"PASSWORD,default=mailbox_connections_password"`
	DBName   string `env:"DB,default=mailbox_connections_db"`
	SSLMode  string `env:"SSLMODE,default=disable"`
	Migrate  bool   `env:"MIGRATE,default=true"`
}

type RedisConfig struct {
	Host     string `env:"HOST,default=localhost"`
	Port     string `env:"PORT,default=6379"`
	Password string `env:"PASSWORD,default="`
	DB       int    `env:"DB,default=0"`
}

// JWTConfig holds the secret shared with the identity service that signs caller tokens
type JWTConfig struct {
	Secret string `env:"SECRET,required"`
}

// EncryptionConfig holds the base64 AES-256 key. It is checked on first use, not at startup.
type EncryptionConfig struct {
	Key string `env:"KEY"`
}

type OAuthClientConfig struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
}

type OAuthConfig struct {
	Google          OAuthClientConfig `env:",prefix=GOOGLE_"`
	Microsoft       OAuthClientConfig `env:",prefix=MICROSOFT_"`
	MicrosoftTenant string            `env:"MICROSOFT_TENANT,default=common"`
	Yahoo           OAuthClientConfig `env:",prefix=YAHOO_"`
	HTTPTimeout     Duration          `env:"OAUTH_HTTP_TIMEOUT,default=10s"`
}

type StageUpdaterConfig struct {
	URL               string   `env:"URL"`
	ServiceKey        string   `env:"SERVICE_KEY"`
	Timeout           Duration `env:"TIMEOUT,default=10s"`
	RetryAttempts     int      `env:"RETRY_ATTEMPTS,default=5"`
	RetryInitialDelay Duration `env:"RETRY_INITIAL_DELAY,default=2s"`
	RetryMaxDelay     Duration `env:"RETRY_MAX_DELAY,default=5m"`
	PollInterval      Duration `env:"POLL_INTERVAL,default=2s"`
	RateLimit         float64  `env:"RATE_LIMIT,default=5"`
}

type ProbeConfig struct {
	Timeout       Duration `env:"TIMEOUT,default=10s"`
	AllowInsecure bool     `env:"ALLOW_INSECURE,default=false"`
}

type SecurityConfig struct {
	RateLimitRequests int      `env:"RATE_LIMIT_REQUESTS,default=10"`
	RateLimitWindow   Duration `env:"RATE_LIMIT_WINDOW,default=1m"`
}

type CORSConfig struct {
	AllowedOrigins []string `env:"ALLOWED_ORIGINS,default=http://localhost:3000"`
	AllowedMethods []string `env:"ALLOWED_METHODS,default=GET,POST,PATCH,DELETE,OPTIONS"`
	AllowedHeaders []string `env:"ALLOWED_HEADERS,default=Content-Type,Authorization,X-Request-ID"`
}

// DSN returns PostgreSQL connection string
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode)
}

// Address returns Redis connection address
func (r RedisConfig) Address() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// Load loads configuration from environment variables
func Load(ctx context.Context) (*Config, error) {
	var config Config

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Validate JWT secret length
	if len(config.JWT.Secret) < 32 {
		return nil, fmt.Errorf("JWT_SECRET must be at least 32 characters long")
	}

	if config.StageUpdater.RetryAttempts < 1 {
		return nil, fmt.Errorf("STAGE_UPDATER_RETRY_ATTEMPTS must be at least 1")
	}

	return &config, nil
}
