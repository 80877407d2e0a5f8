package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration. It is assembled once at
// startup and passed down by value; nothing mutates it afterwards.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Token         TokenConfig
	Session       SessionConfig
	Tenant        TenantConfig
	Permission    PermissionConfig
	Security      SecurityConfig
	Observability ObservabilityConfig
	RateLimit     RateLimitConfig
	Federated     FederatedConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         string
	Issuer       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds cache backend configuration
type RedisConfig struct {
	URL string
}

// TokenConfig holds token issuance and rotation configuration
type TokenConfig struct {
	AccessTokenLifetime  time.Duration
	RefreshTokenLifetime time.Duration
	AuthCodeLifetime     time.Duration
	// RotationGrace tolerates legitimate refresh retransmissions: a token
	// rotated less than this long ago is replayed, not treated as stolen.
	// Zero disables the window.
	RotationGrace time.Duration
	Audience      string
}

// SessionConfig holds session lifecycle and cookie configuration
type SessionConfig struct {
	Lifetime      time.Duration
	IdleTimeout   time.Duration
	SlidingExpiry bool
	// MaxConcurrent caps active sessions per user when the tenant's plan
	// has no entry in PlanLimits; the lowest-scored session is evicted
	// when a new login exceeds the cap.
	MaxConcurrent int
	// PlanLimits maps tenant plans to their session caps,
	// e.g. "free=3,team=10,enterprise=25".
	PlanLimits     map[string]int
	CookieName     string
	CookieDomain   string
	CookiePath     string
	CookieSecure   bool
	CookieHTTPOnly bool
	CookieSameSite string
}

// TenantConfig holds hierarchy limits
type TenantConfig struct {
	MaxDepth int
}

// PermissionConfig holds permission engine configuration
type PermissionConfig struct {
	CacheTTL     time.Duration
	MaxBulkGrant int
}

// SecurityConfig holds password hashing and lockout configuration
type SecurityConfig struct {
	Argon2Memory       uint32
	Argon2Iterations   uint32
	Argon2Parallelism  uint8
	Argon2SaltLength   uint32
	Argon2KeyLength    uint32
	LockoutMaxAttempts int
	LockoutDuration    time.Duration
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	OTELEnabled    bool
	ServiceName    string
	ServiceVersion string
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// FederatedConfig describes an optional upstream identity provider for
// federated login. Empty Name disables federation.
type FederatedConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	RevokeURL    string
	RedirectURL  string
	Scopes       []string
}

// Enabled reports whether a federated provider is configured
func (f FederatedConfig) Enabled() bool {
	return f.Name != "" && f.ClientID != ""
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			Issuer:       getEnv("SERVER_ISSUER", "http://localhost:8080"),
			ReadTimeout:  parseDuration("SERVER_READ_TIMEOUT", "15s"),
			WriteTimeout: parseDuration("SERVER_WRITE_TIMEOUT", "15s"),
			IdleTimeout:  parseDuration("SERVER_IDLE_TIMEOUT", "60s"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "heimdall"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "heimdall"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    parseInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    parseInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: parseDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379/0"),
		},
		Token: TokenConfig{
			AccessTokenLifetime:  parseDuration("TOKEN_ACCESS_LIFETIME", "15m"),
			RefreshTokenLifetime: parseDuration("TOKEN_REFRESH_LIFETIME", "168h"),
			AuthCodeLifetime:     parseDuration("TOKEN_AUTH_CODE_LIFETIME", "10m"),
			RotationGrace:        parseDuration("TOKEN_ROTATION_GRACE", "10s"),
			Audience:             getEnv("TOKEN_AUDIENCE", "heimdall-api"),
		},
		Session: SessionConfig{
			Lifetime:       parseDuration("SESSION_LIFETIME", "24h"),
			IdleTimeout:    parseDuration("SESSION_IDLE_TIMEOUT", "30m"),
			SlidingExpiry:  parseBool("SESSION_SLIDING_EXPIRY", true),
			MaxConcurrent:  parseInt("SESSION_MAX_CONCURRENT", 5),
			PlanLimits:     parseIntMap("SESSION_PLAN_LIMITS", "free=3,team=10,enterprise=25"),
			CookieName:     getEnv("SESSION_COOKIE_NAME", "heimdall_session"),
			CookieDomain:   getEnv("SESSION_COOKIE_DOMAIN", ""),
			CookiePath:     getEnv("SESSION_COOKIE_PATH", "/"),
			CookieSecure:   parseBool("SESSION_COOKIE_SECURE", true),
			CookieHTTPOnly: parseBool("SESSION_COOKIE_HTTPONLY", true),
			CookieSameSite: getEnv("SESSION_COOKIE_SAMESITE", "Lax"),
		},
		Tenant: TenantConfig{
			MaxDepth: parseInt("TENANT_MAX_DEPTH", 5),
		},
		Permission: PermissionConfig{
			CacheTTL:     parseDuration("PERMISSION_CACHE_TTL", "5s"),
			MaxBulkGrant: parseInt("PERMISSION_MAX_BULK_GRANT", 100),
		},
		Security: SecurityConfig{
			Argon2Memory:       uint32(parseInt("ARGON2_MEMORY", 65536)),
			Argon2Iterations:   uint32(parseInt("ARGON2_ITERATIONS", 3)),
			Argon2Parallelism:  uint8(parseInt("ARGON2_PARALLELISM", 4)),
			Argon2SaltLength:   uint32(parseInt("ARGON2_SALT_LENGTH", 16)),
			Argon2KeyLength:    uint32(parseInt("ARGON2_KEY_LENGTH", 32)),
			LockoutMaxAttempts: parseInt("LOCKOUT_MAX_ATTEMPTS", 5),
			LockoutDuration:    parseDuration("LOCKOUT_DURATION", "15m"),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			OTELEnabled:    parseBool("OTEL_ENABLED", false),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "heimdall"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "0.1.0"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: float64(parseInt("RATELIMIT_RPS", 10)),
			Burst:             parseInt("RATELIMIT_BURST", 20),
		},
		Federated: FederatedConfig{
			Name:         getEnv("FEDERATED_PROVIDER_NAME", ""),
			ClientID:     getEnv("FEDERATED_CLIENT_ID", ""),
			ClientSecret: getEnv("FEDERATED_CLIENT_SECRET", ""),
			AuthURL:      getEnv("FEDERATED_AUTH_URL", ""),
			TokenURL:     getEnv("FEDERATED_TOKEN_URL", ""),
			UserInfoURL:  getEnv("FEDERATED_USERINFO_URL", ""),
			RevokeURL:    getEnv("FEDERATED_REVOKE_URL", ""),
			RedirectURL:  getEnv("FEDERATED_REDIRECT_URL", ""),
			Scopes:       parseList("FEDERATED_SCOPES", "openid profile email"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.Token.AccessTokenLifetime <= 0 {
		return fmt.Errorf("TOKEN_ACCESS_LIFETIME must be positive")
	}
	if c.Token.RotationGrace < 0 {
		return fmt.Errorf("TOKEN_ROTATION_GRACE must not be negative")
	}
	if c.Session.MaxConcurrent < 1 {
		return fmt.Errorf("SESSION_MAX_CONCURRENT must be at least 1")
	}
	if c.Permission.MaxBulkGrant < 1 {
		return fmt.Errorf("PERMISSION_MAX_BULK_GRANT must be at least 1")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseList(key, defaultValue string) []string {
	return strings.Fields(getEnv(key, defaultValue))
}

// parseIntMap reads "key=value" pairs separated by commas, e.g.
// "free=3,team=10". Entries that fail to parse are dropped.
func parseIntMap(key, defaultValue string) map[string]int {
	out := make(map[string]int)
	for _, pair := range strings.Split(getEnv(key, defaultValue), ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			out[name] = n
		}
	}
	return out
}

func parseDuration(key string, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	d, err := time.ParseDuration(value)
	if err != nil {
		// Fallback to default
		d, _ = time.ParseDuration(defaultValue)
	}
	return d
}
