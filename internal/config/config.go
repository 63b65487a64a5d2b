package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	OTPStoreDriver     string        `mapstructure:"OTP_STORE_DRIVER"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	OTPTTL             time.Duration `mapstructure:"OTP_TTL"`
	OTPLength          int           `mapstructure:"OTP_LENGTH"`
	OTPRetention       time.Duration `mapstructure:"OTP_RETENTION"`
	OTPVerifiedTTL     time.Duration `mapstructure:"OTP_VERIFIED_TTL"`
	OTPRequireForReset bool          `mapstructure:"OTP_REQUIRE_FOR_RESET"`

	JWTAccessSecret  string        `mapstructure:"JWT_ACCESS_SECRET"`
	JWTRefreshSecret string        `mapstructure:"JWT_REFRESH_SECRET"`
	JWTAccessTTL     time.Duration `mapstructure:"JWT_ACCESS_TTL"`
	JWTRefreshTTL    time.Duration `mapstructure:"JWT_REFRESH_TTL"`
	JWTIssuer        string        `mapstructure:"JWT_ISSUER"`
	BcryptCost       int           `mapstructure:"BCRYPT_COST"`

	SMTPHost     string `mapstructure:"SMTP_HOST"`
	SMTPPort     int    `mapstructure:"SMTP_PORT"`
	SMTPUsername string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword string `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom     string `mapstructure:"SMTP_FROM"`

	GoogleClientID     string `mapstructure:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `mapstructure:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `mapstructure:"GOOGLE_REDIRECT_URL"`
	FrontendURL        string `mapstructure:"FRONTEND_URL"`

	UploadDir     string `mapstructure:"UPLOAD_DIR"`
	PublicBaseURL string `mapstructure:"PUBLIC_BASE_URL"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	TLSEnabled     bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string   `mapstructure:"TLS_KEY_FILE"`
}

var envKeys = []string{
	"PORT", "ENV", "STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"OTP_STORE_DRIVER", "REDIS_URL", "OTP_TTL", "OTP_LENGTH", "OTP_RETENTION", "OTP_VERIFIED_TTL", "OTP_REQUIRE_FOR_RESET",
	"JWT_ACCESS_SECRET", "JWT_REFRESH_SECRET", "JWT_ACCESS_TTL", "JWT_REFRESH_TTL", "JWT_ISSUER", "BCRYPT_COST",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_FROM",
	"GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_SECRET", "GOOGLE_REDIRECT_URL", "FRONTEND_URL",
	"UPLOAD_DIR", "PUBLIC_BASE_URL",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("OTP_STORE_DRIVER", DriverRedis)
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("OTP_TTL", "60s")
	v.SetDefault("OTP_LENGTH", 6)
	v.SetDefault("OTP_RETENTION", "10m")
	v.SetDefault("OTP_VERIFIED_TTL", "10m")
	v.SetDefault("OTP_REQUIRE_FOR_RESET", false)
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("JWT_REFRESH_TTL", "168h")
	v.SetDefault("JWT_ISSUER", "carebridge")
	v.SetDefault("BCRYPT_COST", 10)
	v.SetDefault("SMTP_PORT", 465)
	v.SetDefault("FRONTEND_URL", "http://localhost:3000")
	v.SetDefault("UPLOAD_DIR", "./uploads")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 10)
	v.SetDefault("RATE_LIMIT_BURST", 20)

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

	if len(cfg.CORSOrigins) <= 1 {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "http://localhost:" + cfg.Port
	}

	if cfg.StoreDriver == DriverPostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.SMTPHost == "" {
		log.Println("WARNING: SMTP_HOST is not set; OTP codes are written to the log instead of being emailed.")
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

// GoogleEnabled reports whether the Google OAuth routes should be mounted.
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// Validate checks that the configuration is safe to run. Token secrets are
// always required; the process must not start without them.
func (c *Config) Validate() error {
	if c.JWTAccessSecret == "" || c.JWTRefreshSecret == "" {
		return fmt.Errorf("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET are required")
	}
	if c.IsProduction() && c.JWTAccessSecret == c.JWTRefreshSecret {
		return fmt.Errorf("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ in production")
	}
	if c.JWTAccessTTL <= 0 || c.JWTRefreshTTL <= 0 {
		return fmt.Errorf("JWT_ACCESS_TTL and JWT_REFRESH_TTL must be positive")
	}

	switch c.StoreDriver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.StoreDriver)
	}
	switch c.OTPStoreDriver {
	case DriverRedis, DriverMemory:
	default:
		return fmt.Errorf("OTP_STORE_DRIVER must be %q or %q, got %q", DriverRedis, DriverMemory, c.OTPStoreDriver)
	}
	if c.IsProduction() && (c.StoreDriver == DriverMemory || c.OTPStoreDriver == DriverMemory) {
		return fmt.Errorf("in-memory stores are not allowed in production")
	}

	if c.OTPLength < 4 || c.OTPLength > 10 {
		return fmt.Errorf("OTP_LENGTH must be between 4 and 10, got %d", c.OTPLength)
	}
	if c.OTPTTL <= 0 {
		return fmt.Errorf("OTP_TTL must be positive")
	}
	if c.OTPRetention < c.OTPTTL {
		return fmt.Errorf("OTP_RETENTION (%s) must not be shorter than OTP_TTL (%s)", c.OTPRetention, c.OTPTTL)
	}

	if c.IsProduction() && c.SMTPHost == "" {
		return fmt.Errorf("SMTP_HOST is required in production")
	}
	if c.SMTPHost != "" && c.SMTPFrom == "" {
		return fmt.Errorf("SMTP_FROM is required when SMTP_HOST is set")
	}

	if (c.GoogleClientID == "") != (c.GoogleClientSecret == "") {
		return fmt.Errorf("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET must be set together")
	}
	if c.GoogleEnabled() && c.GoogleRedirectURL == "" {
		return fmt.Errorf("GOOGLE_REDIRECT_URL is required when Google sign-in is enabled")
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
