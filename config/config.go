// Package config loads the daemon configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"agreementflow/ledger"
	"agreementflow/setting"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Journal drivers.
const (
	JournalMemory   = "memory"
	JournalPostgres = "postgres"
	JournalSQLite   = "sqlite"
)

type Config struct {
	ListenAddr  string     `yaml:"listen_addr"`
	LogLevel    string     `yaml:"log_level"`
	JWTSecret   string     `yaml:"jwt_secret"`
	DatabaseURL string     `yaml:"database_url"`
	Journal     Journal    `yaml:"journal"`
	Redis       Redis      `yaml:"redis"`
	Relay       Relay      `yaml:"relay"`
	RateLimit   RateLimit  `yaml:"rate_limit"`
	Operator    Account    `yaml:"operator"`
	Arbitrator  Arbitrator `yaml:"arbitrator"`
	Agreement   Agreement  `yaml:"agreement"`
}

type Journal struct {
	Driver     string `yaml:"driver"`
	SQLitePath string `yaml:"sqlite_path"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"max_len"`
}

type Relay struct {
	Interval    Duration `yaml:"interval"`
	BatchSize   int      `yaml:"batch_size"`
	MaxAttempts int      `yaml:"max_attempts"`
}

type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Account is a seeded login. ID becomes the ledger account.
type Account struct {
	ID       string `yaml:"id"`
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

// Arbitrator configures the in-process court.
type Arbitrator struct {
	Account   Account `yaml:",inline"`
	FeeToken  string  `yaml:"fee_token"`
	FeeAmount uint64  `yaml:"fee_amount"`
}

// Agreement is the initial setting.
type Agreement struct {
	Title               string   `yaml:"title"`
	Content             string   `yaml:"content"`
	CollateralToken     string   `yaml:"collateral_token"`
	ActionCollateral    uint64   `yaml:"action_collateral"`
	ChallengeCollateral uint64   `yaml:"challenge_collateral"`
	ChallengeDuration   Duration `yaml:"challenge_duration"`
	SettlementDuration  Duration `yaml:"settlement_duration"`
	DelayPeriod         Duration `yaml:"delay_period"`
}

// Duration decodes Go duration strings such as "72h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns a config that runs fully in memory.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Journal:    Journal{Driver: JournalMemory, SQLitePath: "agreementflow.db"},
		Redis:      Redis{Stream: "agreement-events", MaxLen: 100000},
		Relay:      Relay{Interval: Duration(500 * time.Millisecond), BatchSize: 50, MaxAttempts: 5},
		RateLimit:  RateLimit{RPS: 20, Burst: 40},
		Agreement: Agreement{
			Title:               "Default agreement",
			ActionCollateral:    10,
			ChallengeCollateral: 5,
			ChallengeDuration:   Duration(72 * time.Hour),
			SettlementDuration:  Duration(24 * time.Hour),
			DelayPeriod:         Duration(0),
		},
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	overrides := map[string]*string{
		"LISTEN_ADDR":    &c.ListenAddr,
		"DATABASE_URL":   &c.DatabaseURL,
		"REDIS_ADDR":     &c.Redis.Addr,
		"JWT_SECRET":     &c.JWTSecret,
		"LOG_LEVEL":      &c.LogLevel,
		"JOURNAL_DRIVER": &c.Journal.Driver,
		"SQLITE_PATH":    &c.Journal.SQLitePath,
	}
	for key, dst := range overrides {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("jwt_secret is required"))
	}
	if c.Arbitrator.Account.ID == "" {
		errs = append(errs, errors.New("arbitrator.id is required"))
	}
	if c.Operator.ID == "" {
		errs = append(errs, errors.New("operator.id is required"))
	}
	if c.Agreement.CollateralToken == "" {
		errs = append(errs, errors.New("agreement.collateral_token is required"))
	}
	switch c.Journal.Driver {
	case JournalMemory:
	case JournalPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("database_url is required for the postgres journal"))
		}
	case JournalSQLite:
		if c.Journal.SQLitePath == "" {
			errs = append(errs, errors.New("journal.sqlite_path is required for the sqlite journal"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown journal driver %q", c.Journal.Driver))
	}
	if c.Redis.Addr != "" && c.Journal.Driver != JournalPostgres {
		errs = append(errs, errors.New("redis relay requires the postgres journal"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// SettingParams converts the agreement section into the initial setting.
func (c Config) SettingParams() setting.Params {
	a := c.Agreement
	return setting.Params{
		Title:               a.Title,
		Content:             []byte(a.Content),
		Arbitrator:          ledger.AccountID(c.Arbitrator.Account.ID),
		CollateralToken:     ledger.TokenID(a.CollateralToken),
		ActionCollateral:    ledger.Amount(a.ActionCollateral),
		ChallengeCollateral: ledger.Amount(a.ChallengeCollateral),
		ChallengeDuration:   a.ChallengeDuration.Std(),
		SettlementDuration:  a.SettlementDuration.Std(),
		DelayPeriod:         a.DelayPeriod.Std(),
	}
}
