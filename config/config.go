package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"data_gateway/logger"
)

type Config struct {
	Port        string
	Environment string

	DBDriver   string // postgres or sqlite
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	SQLitePath string

	RedisURL      string // empty selects the in-memory cache
	MongoURI      string // empty disables the Mongo kline archive
	MongoDatabase string

	LogLevel string
	LogFile  string

	AdminJWTSecret string

	CacheTTLQuote       time.Duration
	CacheTTLKline       time.Duration
	CacheTTLFundamental time.Duration
	CacheTTLMoneyFlow   time.Duration
	CacheTTLSector      time.Duration

	RateLimitPerMinute int
	RateLimitPerHour   int
	RequireAPIKey      bool

	SourcesFile string

	FreeEnabled       bool
	FreeBaseURL       string
	HistoryEnabled    bool
	HistoryBaseURL    string
	CommercialEnabled bool
	CommercialBaseURL string
	CommercialToken   string
	ProviderTimeout   time.Duration

	HealthWindow           int
	HealthRecoveryInterval time.Duration

	SyncWorkers         int
	SyncStaleAfter      time.Duration
	SyncIncrementalDays int
	SyncSymbols         map[string][]string

	RequestLogRetentionDays int
	RequestLogBuffer        int

	RealtimePollInterval time.Duration
	RealtimeMaxClients   int
}

var AppConfig *Config
var DB *gorm.DB

const defaultSyncSymbols = "cn_a:000001,000002,000858,300750,600000,600036,600519;hk:00700,09988;us:AAPL,MSFT"

// LoadConfig loads environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		logger.WithComponent("config").Debug("no .env file found, using environment variables")
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8001"),
		Environment: getEnv("ENVIRONMENT", "development"),

		DBDriver:   strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "data_gateway"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),
		SQLitePath: getEnv("SQLITE_PATH", "data_gateway.db"),

		RedisURL:      getEnv("REDIS_URL", ""),
		MongoURI:      getEnv("MONGODB_URI", ""),
		MongoDatabase: getEnv("MONGODB_DATABASE", "data_gateway"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		CacheTTLQuote:       getEnvDuration("DG_CACHE_TTL_QUOTE", 5*time.Second),
		CacheTTLKline:       getEnvDuration("DG_CACHE_TTL_KLINE", 60*time.Second),
		CacheTTLFundamental: getEnvDuration("DG_CACHE_TTL_FUNDAMENTAL", time.Hour),
		CacheTTLMoneyFlow:   getEnvDuration("DG_CACHE_TTL_MONEY_FLOW", 60*time.Second),
		CacheTTLSector:      getEnvDuration("DG_CACHE_TTL_SECTOR", 30*time.Second),

		RateLimitPerMinute: getEnvInt("DG_RATE_LIMIT_PER_MINUTE", 120),
		RateLimitPerHour:   getEnvInt("DG_RATE_LIMIT_PER_HOUR", 1000),
		RequireAPIKey:      getEnvBool("DG_REQUIRE_API_KEY", false),

		SourcesFile: getEnv("DG_SOURCES_FILE", ""),

		FreeEnabled:       getEnvBool("DG_FREE_ENABLED", true),
		FreeBaseURL:       getEnv("DG_FREE_BASE_URL", "http://localhost:9001"),
		HistoryEnabled:    getEnvBool("DG_HISTORY_ENABLED", true),
		HistoryBaseURL:    getEnv("DG_HISTORY_BASE_URL", "http://localhost:9002"),
		CommercialEnabled: getEnvBool("DG_COMMERCIAL_ENABLED", false),
		CommercialBaseURL: getEnv("DG_COMMERCIAL_BASE_URL", ""),
		CommercialToken:   getEnv("DG_COMMERCIAL_TOKEN", ""),
		ProviderTimeout:   getEnvDuration("DG_PROVIDER_TIMEOUT", 0),

		HealthWindow:           getEnvInt("DG_HEALTH_WINDOW", 20),
		HealthRecoveryInterval: getEnvDuration("DG_HEALTH_RECOVERY_INTERVAL", 30*time.Second),

		SyncWorkers:         getEnvInt("DG_SYNC_WORKERS", 4),
		SyncStaleAfter:      getEnvDuration("DG_SYNC_STALE_AFTER", 10*time.Minute),
		SyncIncrementalDays: getEnvInt("DG_SYNC_INCREMENTAL_DAYS", 30),

		RequestLogRetentionDays: getEnvInt("DG_REQUEST_LOG_RETENTION_DAYS", 30),
		RequestLogBuffer:        getEnvInt("DG_REQUEST_LOG_BUFFER", 1024),

		RealtimePollInterval: getEnvDuration("DG_REALTIME_POLL_INTERVAL", 3*time.Second),
		RealtimeMaxClients:   getEnvInt("DG_REALTIME_MAX_CLIENTS", 500),
	}

	symbols, err := ParseSymbolUniverse(getEnv("DG_SYNC_SYMBOLS", defaultSyncSymbols))
	if err != nil {
		return nil, err
	}
	cfg.SyncSymbols = symbols

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return cfg, nil
}

// Validate checks that values are usable
func (c *Config) Validate() error {
	if c.DBDriver != "postgres" && c.DBDriver != "sqlite" {
		return fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.DBDriver)
	}
	if c.CacheTTLQuote <= 0 || c.CacheTTLKline <= 0 || c.CacheTTLFundamental <= 0 ||
		c.CacheTTLMoneyFlow <= 0 || c.CacheTTLSector <= 0 {
		return fmt.Errorf("cache TTLs must be > 0")
	}
	if c.RateLimitPerMinute < 1 {
		return fmt.Errorf("DG_RATE_LIMIT_PER_MINUTE must be >= 1")
	}
	if c.RateLimitPerHour < c.RateLimitPerMinute {
		return fmt.Errorf("DG_RATE_LIMIT_PER_HOUR (%d) cannot be below DG_RATE_LIMIT_PER_MINUTE (%d)",
			c.RateLimitPerHour, c.RateLimitPerMinute)
	}
	if c.CommercialEnabled && c.CommercialToken == "" {
		return fmt.Errorf("DG_COMMERCIAL_TOKEN is required when DG_COMMERCIAL_ENABLED is set")
	}
	if c.HealthWindow < 1 {
		return fmt.Errorf("DG_HEALTH_WINDOW must be >= 1")
	}
	if c.SyncWorkers < 1 {
		return fmt.Errorf("DG_SYNC_WORKERS must be >= 1")
	}
	if c.RequestLogBuffer < 1 {
		return fmt.Errorf("DG_REQUEST_LOG_BUFFER must be >= 1")
	}
	if c.Environment == "production" && c.AdminJWTSecret == "" {
		return fmt.Errorf("ADMIN_JWT_SECRET is required in production")
	}
	return nil
}

// InitDB initializes database connection
func InitDB() (*gorm.DB, error) {
	log := logger.WithComponent("config")

	var logLevel gormlogger.LogLevel
	if AppConfig.Environment == "production" {
		logLevel = gormlogger.Error
	} else {
		logLevel = gormlogger.Warn
	}

	var dialector gorm.Dialector
	switch AppConfig.DBDriver {
	case "postgres":
		// Log connection info (masked)
		log.WithFields(logger.Fields{
			"host":   maskHost(AppConfig.DBHost),
			"port":   AppConfig.DBPort,
			"user":   AppConfig.DBUser,
			"dbname": AppConfig.DBName,
		}).Info("connecting to postgres")

		dsn := fmt.Sprintf(
			"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			AppConfig.DBHost,
			AppConfig.DBUser,
			AppConfig.DBPassword,
			AppConfig.DBName,
			AppConfig.DBPort,
			AppConfig.DBSSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		log.WithField("path", AppConfig.SQLitePath).Info("opening sqlite database")
		dialector = sqlite.Open(AppConfig.SQLitePath + "?_busy_timeout=5000&_journal_mode=WAL")
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection with ping
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if AppConfig.DBDriver == "sqlite" {
		// sqlite allows a single writer
		sqlDB.SetMaxOpenConns(1)
	}

	log.Info("database connection verified")
	DB = db
	return db, nil
}

// ParseSymbolUniverse parses "cn_a:600519,000001;us:AAPL" into a per-market list
func ParseSymbolUniverse(s string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, group := range strings.Split(s, ";") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		market, list, ok := strings.Cut(group, ":")
		if !ok || strings.TrimSpace(market) == "" {
			return nil, fmt.Errorf("DG_SYNC_SYMBOLS: malformed group %q", group)
		}
		market = strings.TrimSpace(market)
		for _, sym := range strings.Split(list, ",") {
			if sym = strings.TrimSpace(sym); sym != "" {
				out[market] = append(out[market], sym)
			}
		}
	}
	return out, nil
}

// maskHost masks host for logging, preserving domain structure
func maskHost(host string) string {
	if len(host) <= 3 {
		return "***"
	}
	if len(host) <= 15 {
		return host[:3] + "***"
	}
	return host[:8] + "***" + host[len(host)-10:]
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvBool(key string, defaultValue bool) bool {
	v, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return defaultValue
	}
	return d
}
