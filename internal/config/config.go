// Package config holds settings shared by the server and the operator CLI.
// Values are layered: defaults < '.env' file < environment < command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/usermanager/internal/logger"
	"github.com/nkiryanov/usermanager/internal/service/auth/tokenmanager"
	"github.com/nkiryanov/usermanager/internal/service/refresh"
	"github.com/nkiryanov/usermanager/internal/service/sweeper"
)

const (
	defaultListenAddr           = "localhost:8000"
	defaultLoggingLevel         = logger.LevelInfo
	defaultEnvironment          = logger.EnvProduction
	defaultRefreshLifetimeDays  = 7
	defaultCleanupRetentionDays = 30
	defaultAccessTTL            = 30 * time.Minute
)

type Config struct {
	// Default logging level
	LogLevel string

	// Address on which the server will be run
	ListenAddr string

	// Database to connect to
	DatabaseDSN string

	// Redis to keep reuse incidents and sweeper lock in
	// Optional, both features are off without it
	RedisURL string

	// Secret key
	// Some internal parts (like signing JWT tokens) uses symmetric encryption, so this key is used for that purpose
	SecretKey string

	// Environment
	Environment string

	// Refresh tokens
	MaxTokensPerUser     int
	RefreshLifetimeDays  int
	CleanupRetentionDays int

	// How often revoked tokens are purged. Zero disables the sweeper
	CleanupInterval time.Duration

	// Access tokens
	AccessTTL   time.Duration
	JWTIssuer   string
	JWTAudience string
}

func NewConfig() *Config {
	return &Config{
		LogLevel:             defaultLoggingLevel,
		ListenAddr:           defaultListenAddr,
		Environment:          defaultEnvironment,
		MaxTokensPerUser:     refresh.DefaultMaxTokensPerUser,
		RefreshLifetimeDays:  defaultRefreshLifetimeDays,
		CleanupRetentionDays: defaultCleanupRetentionDays,
		CleanupInterval:      sweeper.DefaultInterval,
		AccessTTL:            defaultAccessTTL,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = value
			}
			return nil
		}
	}
	setInt := func(o *int) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			v, err := strconv.Atoi(value)
			if err != nil {
				return err
			}
			*o = v
			return nil
		}
	}
	setDuration := func(o *time.Duration) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			v, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			*o = v
			return nil
		}
	}

	envMap := map[string]func(string) error{
		"RUN_ADDRESS":                 setString(&c.ListenAddr),
		"DATABASE_URI":                setString(&c.DatabaseDSN),
		"REDIS_URL":                   setString(&c.RedisURL),
		"SECRET_KEY":                  setString(&c.SecretKey),
		"LOG_LEVEL":                   setString(&c.LogLevel),
		"ENVIRONMENT":                 setString(&c.Environment),
		"MAX_TOKENS_PER_USER":         setInt(&c.MaxTokensPerUser),
		"REFRESH_TOKEN_LIFETIME_DAYS": setInt(&c.RefreshLifetimeDays),
		"CLEANUP_RETENTION_DAYS":      setInt(&c.CleanupRetentionDays),
		"CLEANUP_INTERVAL":            setDuration(&c.CleanupInterval),
		"ACCESS_TOKEN_TTL":            setDuration(&c.AccessTTL),
		"JWT_ISSUER":                  setString(&c.JWTIssuer),
		"JWT_AUDIENCE":                setString(&c.JWTAudience),
	}

	var errs []error
	for key, parseFn := range envMap {
		if err := parseFn(getenv(key)); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s. Err: %w", key, err))
		}
	}

	return errors.Join(errs...)
}

// Register flags on the flag set. Current values are used as flag defaults
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string")
	fs.StringVar(&c.RedisURL, "redis", c.RedisURL, "Redis connection url (redis://...)")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, production)")
	fs.IntVar(&c.CleanupRetentionDays, "cleanup-retention-days", c.CleanupRetentionDays, "Days revoked tokens are kept after expiration")
}

// Register server only flags on the flag set
func (c *Config) BindServerFlags(fs *pflag.FlagSet) {
	c.BindFlags(fs)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.SecretKey, "secret-key", "s", c.SecretKey, "Secret key")
	fs.IntVar(&c.MaxTokensPerUser, "max-tokens-per-user", c.MaxTokensPerUser, "Max active sessions per user")
	fs.IntVar(&c.RefreshLifetimeDays, "refresh-lifetime-days", c.RefreshLifetimeDays, "Refresh token lifetime in days")
	fs.DurationVar(&c.CleanupInterval, "cleanup-interval", c.CleanupInterval, "How often revoked tokens are purged, 0 disables")
	fs.DurationVar(&c.AccessTTL, "access-ttl", c.AccessTTL, "Access token lifetime")
	fs.StringVar(&c.JWTIssuer, "jwt-issuer", c.JWTIssuer, "Access token issuer")
	fs.StringVar(&c.JWTAudience, "jwt-audience", c.JWTAudience, "Access token audience")
}

func (c *Config) ParseFlags(name string, args []string) error {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	c.BindServerFlags(fs)

	return fs.Parse(args)
}

func (c *Config) Validate() error {
	var errs []error

	if c.MaxTokensPerUser < 1 {
		errs = append(errs, fmt.Errorf("max tokens per user must be positive, got %d", c.MaxTokensPerUser))
	}
	if c.RefreshLifetimeDays < 1 {
		errs = append(errs, fmt.Errorf("refresh token lifetime must be positive, got %d days", c.RefreshLifetimeDays))
	}
	if c.CleanupRetentionDays < 1 {
		errs = append(errs, fmt.Errorf("cleanup retention must be positive, got %d days", c.CleanupRetentionDays))
	}
	if c.CleanupInterval < 0 {
		errs = append(errs, fmt.Errorf("cleanup interval must not be negative, got %s", c.CleanupInterval))
	}
	if c.AccessTTL <= 0 {
		errs = append(errs, fmt.Errorf("access token ttl must be positive, got %s", c.AccessTTL))
	}
	if err := logger.CheckLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (c *Config) Refresh() refresh.Config {
	return refresh.Config{
		MaxTokensPerUser: c.MaxTokensPerUser,
		Lifetime:         days(c.RefreshLifetimeDays),
		Retention:        c.Retention(),
	}
}

func (c *Config) Retention() time.Duration {
	return days(c.CleanupRetentionDays)
}

func (c *Config) Tokens() tokenmanager.Config {
	return tokenmanager.Config{
		SecretKey: c.SecretKey,
		AccessTTL: c.AccessTTL,
		Issuer:    c.JWTIssuer,
		Audience:  c.JWTAudience,
	}
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
