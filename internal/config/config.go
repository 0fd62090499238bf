package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                     string        `mapstructure:"PORT"`
	Env                      string        `mapstructure:"ENV"`
	DatabaseURL              string        `mapstructure:"DATABASE_URL"`
	DBMaxConns               int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns               int32         `mapstructure:"DB_MIN_CONNS"`
	SessionStore             string        `mapstructure:"SESSION_STORE"`
	SessionSecret            string        `mapstructure:"SESSION_SECRET"`
	SessionTTL               time.Duration `mapstructure:"SESSION_TTL"`
	SessionCookieSecure      bool          `mapstructure:"SESSION_COOKIE_SECURE"`
	PatientProtectionEnabled bool          `mapstructure:"PATIENT_PROTECTION_ENABLED"`
	GrantTTL                 time.Duration `mapstructure:"GRANT_TTL"`
	VerifyMaxAttempts        int           `mapstructure:"VERIFY_MAX_ATTEMPTS"`
	VerifyWindow             time.Duration `mapstructure:"VERIFY_WINDOW"`
	LoginMaxAttempts         int           `mapstructure:"LOGIN_MAX_ATTEMPTS"`
	LoginWindow              time.Duration `mapstructure:"LOGIN_WINDOW"`
	RateLimitStore           string        `mapstructure:"RATE_LIMIT_STORE"`
	AuditSink                string        `mapstructure:"AUDIT_SINK"`
	APIBaseURL               string        `mapstructure:"API_BASE_URL"`
	APITimeout               time.Duration `mapstructure:"API_TIMEOUT"`
	APIRetryMax              int           `mapstructure:"API_RETRY_MAX"`
	APITokenSecret           string        `mapstructure:"API_TOKEN_SECRET"`
	RateLimitRPS             float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst           int           `mapstructure:"RATE_LIMIT_BURST"`
	CORSOrigins              []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout           time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	SetupWizard              bool          `mapstructure:"SETUP_WIZARD"`
	SetupConfigFile          string        `mapstructure:"SETUP_CONFIG_FILE"`
	EncryptionKey            string        `mapstructure:"ENCRYPTION_KEY"`

	// Populated from the setup wizard's file, not from the environment.
	AdminUsername     string `mapstructure:"-"`
	AdminPasswordHash string `mapstructure:"-"`
	SetupComplete     bool   `mapstructure:"-"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("SESSION_STORE", "memory")
	v.SetDefault("SESSION_TTL", "8h")
	v.SetDefault("SESSION_COOKIE_SECURE", true)
	v.SetDefault("PATIENT_PROTECTION_ENABLED", true)
	v.SetDefault("GRANT_TTL", "30m")
	v.SetDefault("VERIFY_MAX_ATTEMPTS", 5)
	v.SetDefault("VERIFY_WINDOW", "15m")
	v.SetDefault("LOGIN_MAX_ATTEMPTS", 5)
	v.SetDefault("LOGIN_WINDOW", "5m")
	v.SetDefault("RATE_LIMIT_STORE", "memory")
	v.SetDefault("AUDIT_SINK", "log")
	v.SetDefault("API_TIMEOUT", "10s")
	v.SetDefault("API_RETRY_MAX", 2)
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("SETUP_WIZARD", true)
	v.SetDefault("SETUP_CONFIG_FILE", "./config/ehr-portal.yaml")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"SESSION_STORE", "SESSION_SECRET", "SESSION_TTL", "SESSION_COOKIE_SECURE",
		"PATIENT_PROTECTION_ENABLED", "GRANT_TTL",
		"VERIFY_MAX_ATTEMPTS", "VERIFY_WINDOW", "LOGIN_MAX_ATTEMPTS", "LOGIN_WINDOW",
		"RATE_LIMIT_STORE", "AUDIT_SINK",
		"API_BASE_URL", "API_TIMEOUT", "API_RETRY_MAX", "API_TOKEN_SECRET",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "CORS_ORIGINS", "REQUEST_TIMEOUT",
		"SETUP_WIZARD", "SETUP_CONFIG_FILE", "ENCRYPTION_KEY",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	// The setup wizard's output is layered underneath the environment.
	setupFile := v.GetString("SETUP_CONFIG_FILE")
	if _, err := os.Stat(setupFile); err == nil {
		v.SetConfigFile(setupFile)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read setup config %s: %w", setupFile, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	cfg.SetupComplete = v.GetString("setup.step") == "complete"
	cfg.AdminUsername = v.GetString("admin.username")
	cfg.AdminPasswordHash = v.GetString("admin.password_hash")
	if cfg.DatabaseURL == "" && v.GetString("database.host") != "" {
		cfg.DatabaseURL = PostgresURL(
			v.GetString("database.host"),
			v.GetInt("database.port"),
			v.GetString("database.name"),
			v.GetString("database.user"),
			v.GetString("database.password"),
			v.GetString("database.sslmode"),
		)
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Session cookies may be sent over plain HTTP and a random")
		log.Println("WARNING: session secret is generated when SESSION_SECRET is unset.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

// PostgresURL assembles a postgres DSN from the discrete fields the setup
// wizard collects.
func PostgresURL(host string, port int, name, user, password, sslmode string) string {
	if port == 0 {
		port = 5432
	}
	if sslmode == "" {
		sslmode = "prefer"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, password),
		Host:     host + ":" + strconv.Itoa(port),
		Path:     "/" + name,
		RawQuery: "sslmode=" + url.QueryEscape(sslmode),
	}
	return u.String()
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// NeedsDatabase reports whether any configured backend requires Postgres.
func (c *Config) NeedsDatabase() bool {
	return c.SessionStore == "postgres" || c.RateLimitStore == "postgres" || c.AuditSink == "postgres"
}

// Validate checks that the configuration is safe to run. SESSION_SECRET signs
// patient access grants and must be 32 bytes of hex outside development.
func (c *Config) Validate() error {
	for name, val := range map[string]string{
		"SESSION_STORE":    c.SessionStore,
		"RATE_LIMIT_STORE": c.RateLimitStore,
	} {
		if val != "memory" && val != "postgres" {
			return fmt.Errorf("%s must be \"memory\" or \"postgres\", got %q", name, val)
		}
	}
	if c.AuditSink != "log" && c.AuditSink != "postgres" {
		return fmt.Errorf("AUDIT_SINK must be \"log\" or \"postgres\", got %q", c.AuditSink)
	}
	if c.NeedsDatabase() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when a postgres-backed store is configured")
	}

	if !c.IsDev() && c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required outside development")
	}
	if c.SessionSecret != "" {
		if err := validateHexKey("SESSION_SECRET", c.SessionSecret); err != nil {
			return err
		}
	}

	if c.SessionStore == "postgres" && c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required when SESSION_STORE is \"postgres\"")
	}
	if c.EncryptionKey != "" {
		if err := validateHexKey("ENCRYPTION_KEY", c.EncryptionKey); err != nil {
			return err
		}
	}

	if c.GrantTTL <= 0 {
		return fmt.Errorf("GRANT_TTL must be positive, got %s", c.GrantTTL)
	}
	if c.VerifyMaxAttempts <= 0 || c.VerifyWindow <= 0 {
		return fmt.Errorf("VERIFY_MAX_ATTEMPTS and VERIFY_WINDOW must be positive")
	}
	if c.LoginMaxAttempts <= 0 || c.LoginWindow <= 0 {
		return fmt.Errorf("LOGIN_MAX_ATTEMPTS and LOGIN_WINDOW must be positive")
	}

	if c.APIBaseURL != "" {
		u, err := url.Parse(c.APIBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("API_BASE_URL must be an absolute URL, got %q", c.APIBaseURL)
		}
	}

	return nil
}

func validateHexKey(name, value string) error {
	keyBytes, err := hex.DecodeString(value)
	if err != nil {
		return fmt.Errorf("%s is not valid hex: %w", name, err)
	}
	if len(keyBytes) != 32 {
		return fmt.Errorf("%s must be 32 bytes (64 hex chars), got %d bytes", name, len(keyBytes))
	}
	return nil
}
