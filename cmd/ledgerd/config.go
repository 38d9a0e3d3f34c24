package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/creditledger/internal/logger"
	"github.com/nkiryanov/creditledger/internal/service/ledger"
	"github.com/nkiryanov/creditledger/internal/service/sweeper"
)

const (
	defaultListenAddr   = "localhost:8000"
	defaultLoggingLevel = logger.LevelInfo
	defaultEnvironment  = logger.EnvProduction
	defaultEarnRate     = "0.01"
)

type Config struct {
	// Default logging level
	LogLevel string

	// Address on which the ledger service will be run
	ListenAddr string

	// Database to connect to
	DatabaseDSN string

	// Redis used for per user locks across replicas. Locks are in-database only if empty
	RedisAddr string

	// Environment
	Environment string

	// How often due batches are expired and how many workers do it
	SweepInterval time.Duration
	SweepWorkers  int

	// Lifetime of earned and refunded credits
	CreditLifetime time.Duration

	// Share of payment total earned as credits
	EarnRate string

	StrictShortfall bool

	// Expire due credits once and exit instead of serving
	SweepOnce bool
}

func NewConfig() *Config {
	return &Config{
		LogLevel:       defaultLoggingLevel,
		ListenAddr:     defaultListenAddr,
		Environment:    defaultEnvironment,
		SweepInterval:  sweeper.DefaultInterval,
		SweepWorkers:   sweeper.DefaultCountWorkers,
		CreditLifetime: ledger.DefaultLifetime,
		EarnRate:       defaultEarnRate,
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
	setDuration := func(o *time.Duration) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			*o = d
			return nil
		}
	}
	setInt := func(o *int) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			i, err := strconv.Atoi(value)
			if err != nil {
				return err
			}
			*o = i
			return nil
		}
	}
	setBool := func(o *bool) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			b, err := strconv.ParseBool(value)
			if err != nil {
				return err
			}
			*o = b
			return nil
		}
	}

	envMap := map[string]func(string) error{
		"RUN_ADDRESS":      setString(&c.ListenAddr),
		"DATABASE_URI":     setString(&c.DatabaseDSN),
		"LOG_LEVEL":        setString(&c.LogLevel),
		"ENVIRONMENT":      setString(&c.Environment),
		"REDIS_ADDR":       setString(&c.RedisAddr),
		"SWEEP_INTERVAL":   setDuration(&c.SweepInterval),
		"SWEEP_WORKERS":    setInt(&c.SweepWorkers),
		"CREDIT_LIFETIME":  setDuration(&c.CreditLifetime),
		"EARN_RATE":        setString(&c.EarnRate),
		"STRICT_SHORTFALL": setBool(&c.StrictShortfall),
	}

	for key, parseFn := range envMap {
		if err := parseFn(getenv(key)); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	return nil
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("ledgerd", pflag.ContinueOnError)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")
	fs.StringVarP(&c.RedisAddr, "redis", "r", c.RedisAddr, "Redis address for per user locks")
	fs.DurationVarP(&c.SweepInterval, "sweep-interval", "i", c.SweepInterval, "How often expired credits are swept")
	fs.IntVarP(&c.SweepWorkers, "sweep-workers", "w", c.SweepWorkers, "Count of sweep workers")
	fs.DurationVarP(&c.CreditLifetime, "credit-lifetime", "t", c.CreditLifetime, "Lifetime of earned credits")
	fs.StringVarP(&c.EarnRate, "earn-rate", "p", c.EarnRate, "Share of payment total earned as credits")
	fs.BoolVar(&c.StrictShortfall, "strict-shortfall", c.StrictShortfall, "Reject spends not covered by open batches")
	fs.BoolVar(&c.SweepOnce, "sweep-once", c.SweepOnce, "Expire due credits once and exit")

	return fs.Parse(args)
}

func (c *Config) Validate() error {
	switch {
	case c.DatabaseDSN == "":
		return errors.New("database DSN is required")
	case c.SweepInterval <= 0:
		return errors.New("sweep interval must be positive")
	case c.SweepWorkers <= 0:
		return errors.New("sweep workers must be positive")
	case c.CreditLifetime <= 0:
		return errors.New("credit lifetime must be positive")
	}
	return nil
}
