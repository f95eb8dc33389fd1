package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"

	LedgerDriverSim  = "sim"
	LedgerDriverNATS = "nats"
)

type Config struct {
	DBSource    string
	StoreDriver string
	SQLitePath  string
	Port        string
	Env         string

	LedgerDriver  string
	NATSURL       string
	SubjectPrefix string
	LedgerTimeout time.Duration

	MaxSubmitAttempts int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	SubmitInterval    time.Duration
	SubmitConcurrency int

	ReconcileInterval   time.Duration
	AmbiguousGrace      time.Duration
	MatchWindow         time.Duration
	DivergenceTolerance int64
	EventPageSize       int

	AmountDecimals int32
}

func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		DBSource:      os.Getenv("DB_SOURCE"),
		StoreDriver:   getString("STORE_DRIVER", ""),
		SQLitePath:    getString("SQLITE_PATH", filepath.Join(xdg.DataHome, "settlement", "settlement.db")),
		Port:          getString("SERVER_PORT", "8080"),
		Env:           getString("ENVIRONMENT", "development"),
		LedgerDriver:  getString("LEDGER_DRIVER", LedgerDriverSim),
		NATSURL:       getString("NATS_URL", "nats://127.0.0.1:4222"),
		SubjectPrefix: getString("LEDGER_SUBJECT_PREFIX", "settlement.ledger"),
	}
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = StoreDriverSQLite
		if cfg.DBSource != "" {
			cfg.StoreDriver = StoreDriverPostgres
		}
	}

	var err error
	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"LEDGER_TIMEOUT", 10 * time.Second, &cfg.LedgerTimeout},
		{"BACKOFF_BASE", time.Second, &cfg.BackoffBase},
		{"BACKOFF_MAX", time.Minute, &cfg.BackoffMax},
		{"SUBMIT_INTERVAL", time.Second, &cfg.SubmitInterval},
		{"RECONCILE_INTERVAL", 5 * time.Second, &cfg.ReconcileInterval},
		{"AMBIGUOUS_GRACE", 10 * time.Minute, &cfg.AmbiguousGrace},
		{"MATCH_WINDOW", 30 * time.Minute, &cfg.MatchWindow},
	}
	for _, d := range durations {
		if *d.dest, err = getDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		key  string
		def  int
		dest *int
	}{
		{"MAX_SUBMIT_ATTEMPTS", 5, &cfg.MaxSubmitAttempts},
		{"SUBMIT_CONCURRENCY", 8, &cfg.SubmitConcurrency},
		{"EVENT_PAGE_SIZE", 100, &cfg.EventPageSize},
	}
	for _, i := range ints {
		if *i.dest, err = getInt(i.key, i.def); err != nil {
			return nil, err
		}
	}

	tolerance, err := getInt("DIVERGENCE_TOLERANCE", 0)
	if err != nil {
		return nil, err
	}
	cfg.DivergenceTolerance = int64(tolerance)

	decimals, err := getInt("AMOUNT_DECIMALS", 6)
	if err != nil {
		return nil, err
	}
	cfg.AmountDecimals = int32(decimals)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DBSource == "" {
			return fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case StoreDriverSQLite:
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.LedgerDriver {
	case LedgerDriverSim, LedgerDriverNATS:
	default:
		return fmt.Errorf("unsupported LEDGER_DRIVER %q", c.LedgerDriver)
	}

	if c.MaxSubmitAttempts < 1 {
		return fmt.Errorf("MAX_SUBMIT_ATTEMPTS must be at least 1")
	}
	if c.SubmitConcurrency < 1 {
		return fmt.Errorf("SUBMIT_CONCURRENCY must be at least 1")
	}
	if c.AmountDecimals < 0 || c.AmountDecimals > 18 {
		return fmt.Errorf("AMOUNT_DECIMALS must be between 0 and 18")
	}
	return nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
