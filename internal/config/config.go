package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Mode        string
	Environment string

	HTTPAddr string

	OTLPEndpoint string

	DefaultAccountID  int64
	CredentialSealKey string

	Cloud CloudConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Portal    PortalConfig
	Sync      SyncConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig

	API       APIConfig
	Bootstrap BootstrapConfig
}

// APIConfig tunes the operator HTTP API.
type APIConfig struct {
	// AuthDisabled turns off token auth entirely; every request then acts
	// as the unrestricted system actor. Development only.
	AuthDisabled bool
}

// PortalConfig points at the utility portal. Form-level tuning lives in the
// hot-reloadable portal profile, not here.
type PortalConfig struct {
	BaseURL   string
	UserAgent string

	// InsecureSkipVerify accepts self-signed portal certificates. Meant
	// for staging mirrors of the portal, never for production.
	InsecureSkipVerify bool
}

// SyncConfig carries the scheduling knobs consumed by the sync coordinator.
type SyncConfig struct {
	RunInterval       time.Duration
	AccountInterval   time.Duration
	LookbackWindow    time.Duration
	ResyncMargin      time.Duration
	RetryBase         time.Duration
	MaxBackoff        time.Duration
	FetchTimeout      time.Duration
	RecoveryThreshold time.Duration
	FailureThreshold  int
	BatchSize         int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RateLimitConfig throttles outbound portal traffic and leases the
// per-account locks that keep replicas from syncing the same account
// twice. It rides on the shared Redis connection; without Redis the
// limiter stays off and in-process serialization stands alone.
type RateLimitConfig struct {
	Enabled     bool
	PortalRate  float64
	PortalBurst int
	LockTTL     time.Duration
}

type CloudConfig struct {
	FleetID   string
	FleetName string
	Metrics   CloudMetricsConfig
}

type CloudMetricsConfig struct {
	Enabled   bool
	Exporter  string
	Endpoint  string
	AuthToken string
}

type BootstrapConfig struct {
	EnsureDefaultAccount   bool
	DefaultAccountUsername string
	DefaultAccountPassword string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	mode := normalizeMode(getenv("APP_MODE", ModeOSS))
	environment := getenv("ENVIRONMENT", "development")

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "tidemark"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Mode:              mode,
		Environment:       environment,
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DefaultAccountID:  getenvInt64("DEFAULT_ACCOUNT", 0),
		CredentialSealKey: strings.TrimSpace(getenv("CREDENTIAL_SEAL_KEY", "")),
		Cloud: CloudConfig{
			FleetID:   strings.TrimSpace(getenv("CLOUD_FLEET_ID", "")),
			FleetName: getenv("CLOUD_FLEET_NAME", ""),
			Metrics: CloudMetricsConfig{
				Enabled:   getenvBool("CLOUD_METRICS_ENABLED", true),
				Exporter:  strings.ToLower(getenv("CLOUD_METRICS_EXPORTER", "")),
				Endpoint:  strings.TrimSpace(getenv("CLOUD_METRICS_ENDPOINT", "")),
				AuthToken: strings.TrimSpace(getenv("CLOUD_METRICS_AUTH_TOKEN", "")),
			},
		},
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "tidemark"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 10)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 50)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 30)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 5)),
		Portal: PortalConfig{
			BaseURL:            strings.TrimSpace(getenv("PORTAL_BASE_URL", "https://myaccount-water.example.org")),
			UserAgent:          getenv("PORTAL_USER_AGENT", "tidemark/0.1"),
			InsecureSkipVerify: getenvBool("PORTAL_TLS_SKIP_VERIFY", false),
		},
		Sync: SyncConfig{
			RunInterval:       getenvDuration("SYNC_RUN_INTERVAL", time.Minute),
			AccountInterval:   getenvDuration("SYNC_ACCOUNT_INTERVAL", time.Hour),
			LookbackWindow:    getenvDuration("SYNC_LOOKBACK_WINDOW", 90*24*time.Hour),
			ResyncMargin:      getenvDuration("SYNC_RESYNC_MARGIN", 24*time.Hour),
			RetryBase:         getenvDuration("SYNC_RETRY_BASE", time.Minute),
			MaxBackoff:        getenvDuration("SYNC_MAX_BACKOFF", time.Hour),
			FetchTimeout:      getenvDuration("SYNC_FETCH_TIMEOUT", 30*time.Second),
			RecoveryThreshold: getenvDuration("SYNC_RECOVERY_THRESHOLD", 15*time.Minute),
			FailureThreshold:  int(getenvInt64("SYNC_FAILURE_THRESHOLD", 3)),
			BatchSize:         int(getenvInt64("SYNC_BATCH_SIZE", 10)),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		RateLimit: RateLimitConfig{
			Enabled:     getenvBool("RATE_LIMIT_ENABLED", true),
			PortalRate:  getenvFloat("PORTAL_RATE_LIMIT_RPS", 0.5),
			PortalBurst: int(getenvInt64("PORTAL_RATE_LIMIT_BURST", 3)),
			LockTTL:     getenvDuration("SYNC_LOCK_TTL", 5*time.Minute),
		},
		API: APIConfig{
			AuthDisabled: getenvBool("API_AUTH_DISABLED", false),
		},
		Bootstrap: BootstrapConfig{
			EnsureDefaultAccount:   getenvBool("BOOTSTRAP_DEFAULT_ACCOUNT", false),
			DefaultAccountUsername: strings.TrimSpace(getenv("BOOTSTRAP_ACCOUNT_USERNAME", "")),
			DefaultAccountPassword: getenv("BOOTSTRAP_ACCOUNT_PASSWORD", ""),
		},
	}

	return cfg
}

const (
	ModeOSS        = "oss"
	ModeCloud      = "cloud"
	ModeStandalone = "standalone"
)

func (c Config) IsCloud() bool {
	return c.Mode == ModeCloud
}

func normalizeMode(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case ModeCloud:
		return ModeCloud
	case ModeStandalone, ModeOSS:
		return ModeOSS
	default:
		return ModeOSS
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
