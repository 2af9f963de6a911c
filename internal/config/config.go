package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	AuthMode    string   `mapstructure:"AUTH_MODE"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	DevFacilityID  string `mapstructure:"DEV_FACILITY_ID"`

	EmergencyRateLimit        int           `mapstructure:"EMERGENCY_RATE_LIMIT"`
	EmergencyRateWindow       time.Duration `mapstructure:"EMERGENCY_RATE_WINDOW"`
	EmergencyMinJustification int           `mapstructure:"EMERGENCY_MIN_JUSTIFICATION"`
	ClinicalPreOpDays         int           `mapstructure:"CLINICAL_PRE_OP_DAYS"`
	ClinicalPostCompleteDays  int           `mapstructure:"CLINICAL_POST_COMPLETION_DAYS"`
	FacilityConfigCacheTTL    time.Duration `mapstructure:"FACILITY_CONFIG_CACHE_TTL"`

	AuditWriteTimeout time.Duration `mapstructure:"AUDIT_WRITE_TIMEOUT"`
	AuditStore        string        `mapstructure:"AUDIT_STORE"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

var envKeys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "DEV_FACILITY_ID",
	"EMERGENCY_RATE_LIMIT", "EMERGENCY_RATE_WINDOW", "EMERGENCY_MIN_JUSTIFICATION",
	"CLINICAL_PRE_OP_DAYS", "CLINICAL_POST_COMPLETION_DAYS", "FACILITY_CONFIG_CACHE_TTL",
	"AUDIT_WRITE_TIMEOUT", "AUDIT_STORE",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("DEV_FACILITY_ID", "dev-facility")
	v.SetDefault("EMERGENCY_RATE_LIMIT", 10)
	v.SetDefault("EMERGENCY_RATE_WINDOW", "1h")
	v.SetDefault("EMERGENCY_MIN_JUSTIFICATION", 10)
	v.SetDefault("CLINICAL_PRE_OP_DAYS", 7)
	v.SetDefault("CLINICAL_POST_COMPLETION_DAYS", 30)
	v.SetDefault("FACILITY_CONFIG_CACHE_TTL", "1m")
	v.SetDefault("AUDIT_WRITE_TIMEOUT", "5s")
	v.SetDefault("AUDIT_STORE", "postgres")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, requests get a fixed facility.")
		log.Println("WARNING: Do NOT use this configuration with real patient data.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise, the mode is inferred:
//   - ENV=development  → "development" (fixed principal and facility)
//   - AUTH_JWKS_URL set → "jwks" (RS256 tokens from an external IdP)
//   - Otherwise         → "hmac" (HS256 tokens signed with AUTH_SIGNING_KEY)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	if c.AuthJWKSURL != "" {
		return "jwks"
	}
	return "hmac"
}

// UseMemoryAuditStore reports whether PHI access audit records are kept in
// process instead of Postgres.
func (c *Config) UseMemoryAuditStore() bool {
	return strings.EqualFold(c.AuditStore, "memory")
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.ResolvedAuthMode() {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE \"development\" is not allowed in production")
		}
	case "jwks":
		if c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_JWKS_URL must be set when AUTH_MODE is \"jwks\"")
		}
	case "hmac":
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes when AUTH_MODE is \"hmac\"")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\", \"jwks\", or \"hmac\", got %q", c.AuthMode)
	}

	if c.EmergencyRateLimit <= 0 {
		return fmt.Errorf("EMERGENCY_RATE_LIMIT must be positive, got %d", c.EmergencyRateLimit)
	}
	if c.EmergencyRateWindow <= 0 {
		return fmt.Errorf("EMERGENCY_RATE_WINDOW must be positive, got %s", c.EmergencyRateWindow)
	}
	if c.ClinicalPreOpDays < 0 || c.ClinicalPostCompleteDays < 0 {
		return fmt.Errorf("clinical window days must not be negative")
	}

	switch strings.ToLower(c.AuditStore) {
	case "postgres", "memory":
	default:
		return fmt.Errorf("AUDIT_STORE must be \"postgres\" or \"memory\", got %q", c.AuditStore)
	}
	if c.IsProduction() && c.UseMemoryAuditStore() {
		return fmt.Errorf("AUDIT_STORE=memory is not allowed in production")
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
