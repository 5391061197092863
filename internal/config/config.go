// Package config loads run configuration from the environment, with an
// optional .env file for local use. Command-line flags in main override the
// loaded values; env vars carry the stable site settings, flags the per-run
// ones.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// PeerConfig identifies the archive being queried.
type PeerConfig struct {
	Host    string
	Port    int
	AETitle string
}

// LocalConfig is this node's identity: the calling AE title and the port the
// storage receiver listens on.
type LocalConfig struct {
	AETitle string
	Port    int
}

// RedisConfig configures the shared retrieved-study ledger. Disabled means
// the ledger lives in process memory and resume only works within one run.
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// JournalConfig configures the postgres run journal.
type JournalConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	LogLevel string
}

// WebConfig configures the HTTP status endpoint.
type WebConfig struct {
	Enabled bool
	Port    int
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string
	Format string
}

// Config is the full run configuration.
type Config struct {
	Peer  PeerConfig
	Local LocalConfig

	OutputRoot string
	DateFrom   string // YYYYMMDD inclusive
	DateTo     string // YYYYMMDD inclusive
	Modalities []string
	MaxStudies int
	MaxImages  int
	QueryModel string // "study" or "patient"
	DryRun     bool

	Timeout      time.Duration
	StudyTimeout time.Duration
	LedgerTTL    time.Duration

	Redis   RedisConfig
	Journal JournalConfig
	Web     WebConfig
	Log     LogConfig
}

// Load reads configuration from the environment. A missing .env file is not
// an error; shell environment always wins over the file.
func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Peer: PeerConfig{
			Host:    getEnv("PACS_HOST", ""),
			Port:    getEnvInt("PACS_PORT", 11112),
			AETitle: getEnv("PACS_AE_TITLE", ""),
		},
		Local: LocalConfig{
			AETitle: getEnv("LOCAL_AE_TITLE", "PACSFETCH"),
			Port:    getEnvInt("LOCAL_PORT", 11112),
		},
		OutputRoot: getEnv("OUTPUT_ROOT", "./dicom_out"),
		DateFrom:   getEnv("DATE_FROM", ""),
		DateTo:     getEnv("DATE_TO", ""),
		Modalities: splitList(getEnv("MODALITIES", "")),
		MaxStudies: getEnvInt("MAX_STUDIES", 0),
		MaxImages:  getEnvInt("MAX_IMAGES", 0),
		QueryModel: getEnv("QUERY_MODEL", "study"),
		DryRun:     getEnvBool("DRY_RUN", false),

		Timeout:      getEnvDuration("NETWORK_TIMEOUT", 30*time.Second),
		StudyTimeout: getEnvDuration("STUDY_TIMEOUT", 5*time.Minute),
		LedgerTTL:    getEnvDuration("LEDGER_TTL", 0),

		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Journal: JournalConfig{
			Enabled:  getEnvBool("JOURNAL_ENABLED", false),
			Host:     getEnv("JOURNAL_DB_HOST", "localhost"),
			Port:     getEnvInt("JOURNAL_DB_PORT", 5432),
			User:     getEnv("JOURNAL_DB_USER", "pacsfetch"),
			Password: getEnv("JOURNAL_DB_PASSWORD", ""),
			DBName:   getEnv("JOURNAL_DB_NAME", "pacsfetch"),
			SSLMode:  getEnv("JOURNAL_DB_SSLMODE", "disable"),
			LogLevel: getEnv("JOURNAL_DB_LOG_LEVEL", "warn"),
		},
		Web: WebConfig{
			Enabled: getEnvBool("WEB_ENABLED", false),
			Port:    getEnvInt("WEB_PORT", 8080),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
	}

	return cfg, nil
}

// Validate checks the loaded configuration before the run starts.
func (c *Config) Validate() error {
	if c.Peer.Host == "" {
		return fmt.Errorf("peer host is required")
	}
	if c.Peer.AETitle == "" {
		return fmt.Errorf("peer AE title is required")
	}
	for name, aet := range map[string]string{
		"peer":  c.Peer.AETitle,
		"local": c.Local.AETitle,
	} {
		if len(aet) > 16 {
			return fmt.Errorf("%s AE title %q exceeds 16 characters", name, aet)
		}
	}
	if c.Peer.Port <= 0 || c.Peer.Port > 65535 {
		return fmt.Errorf("invalid peer port %d", c.Peer.Port)
	}
	if c.Local.Port <= 0 || c.Local.Port > 65535 {
		return fmt.Errorf("invalid local port %d", c.Local.Port)
	}
	for name, date := range map[string]string{
		"DATE_FROM": c.DateFrom,
		"DATE_TO":   c.DateTo,
	} {
		if err := validDate(date); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.DateFrom != "" && c.DateTo != "" && c.DateTo < c.DateFrom {
		return fmt.Errorf("date range end %s precedes start %s", c.DateTo, c.DateFrom)
	}
	if c.QueryModel != "study" && c.QueryModel != "patient" {
		return fmt.Errorf("query model must be study or patient, got %q", c.QueryModel)
	}
	if c.OutputRoot == "" {
		return fmt.Errorf("output root is required")
	}
	return nil
}

func validDate(date string) error {
	if date == "" {
		return nil
	}
	if _, err := time.Parse("20060102", date); err != nil {
		return fmt.Errorf("invalid date %q, want YYYYMMDD", date)
	}
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
