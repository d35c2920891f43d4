package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	DefaultConfigDirPath = "/.config/Chimata/"
	DefaultKeyFileName   = "ledger-key.json"
	DefaultDBFileName    = "ledger.db"
)

// Supported store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config holds all ledger configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	CKKS     CKKSConfig     `mapstructure:"ckks"`
	Key      KeyConfig      `mapstructure:"key"`
	Store    StoreConfig    `mapstructure:"store"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // console output
}

// CKKSConfig selects the scheme parameters. When Preset is set it wins over
// the custom fields.
type CKKSConfig struct {
	Preset       string  `mapstructure:"preset"`
	LogN         int     `mapstructure:"log_n"`
	LogQ         []int   `mapstructure:"log_q"`
	LogP         []int   `mapstructure:"log_p"`
	LogScale     int     `mapstructure:"log_scale"`
	LogSlots     int     `mapstructure:"log_slots"`
	MaxMagnitude float64 `mapstructure:"max_magnitude"`
}

type KeyConfig struct {
	Path       string `mapstructure:"path"`
	Passphrase string `mapstructure:"passphrase"`
}

type StoreConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type LedgerConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	OpTimeout    time.Duration `mapstructure:"op_timeout"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

func defaultConfigDir() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		return "." + DefaultConfigDirPath
	}
	return filepath.Join(homedir, DefaultConfigDirPath)
}

// Load reads configuration from file and environment variables.
// Environment variables override file values. Prefix: LEDGER_.
// Nested keys use underscore: LEDGER_STORE_DRIVER, LEDGER_CKKS_PRESET, etc.
func Load(path string) (*Config, error) {
	v := viper.New()
	dir := defaultConfigDir()

	// 默认 CKKS 参数：N = 2^13，模数链 [60, 40, 40] + [60]，scale = 2^40
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("ckks.preset", "")
	v.SetDefault("ckks.log_n", 13)
	v.SetDefault("ckks.log_q", []int{60, 40, 40})
	v.SetDefault("ckks.log_p", []int{60})
	v.SetDefault("ckks.log_scale", 40)
	v.SetDefault("ckks.log_slots", 12)
	v.SetDefault("ckks.max_magnitude", 1e12)
	v.SetDefault("key.path", filepath.Join(dir, DefaultKeyFileName))
	v.SetDefault("key.passphrase", "")
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.sqlite_path", filepath.Join(dir, DefaultDBFileName))
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "chimata_ledger")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "ledger:")
	v.SetDefault("ledger.max_attempts", 5)
	v.SetDefault("ledger.op_timeout", "10s")
	v.SetDefault("ledger.retry_backoff", "5ms")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ledger")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(dir)
	}

	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 配置文件不是必需的
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the ledger cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite, DriverPostgres, DriverRedis:
	default:
		return errors.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Ledger.MaxAttempts < 1 {
		return errors.Errorf("ledger.max_attempts must be positive, got %d", c.Ledger.MaxAttempts)
	}
	if c.Ledger.OpTimeout < 0 {
		return errors.New("ledger.op_timeout must not be negative")
	}
	if c.CKKS.Preset == "" {
		if c.CKKS.LogN <= 0 || len(c.CKKS.LogQ) == 0 || c.CKKS.LogScale <= 0 {
			return errors.New("ckks: either preset or log_n, log_q and log_scale must be set")
		}
	}
	if c.CKKS.MaxMagnitude <= 0 {
		return errors.New("ckks.max_magnitude must be positive")
	}
	return nil
}
