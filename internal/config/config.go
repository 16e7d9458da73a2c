package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/rpmd/internal/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix = "RPMD"
	DefaultLogLevel  = string(LogLevelInfo)
	configName       = "rpmd"
	configType       = "toml"
)

type Config struct {
	ListenAddr string        `mapstructure:"listen_addr"`
	LogLevel   string        `mapstructure:"log_level"`
	PIDFile    string        `mapstructure:"pid_file"`
	DB         DBConfig      `mapstructure:"db"`
	Pool       PoolConfig    `mapstructure:"pool"`
	Persist    PersistConfig `mapstructure:"persist"`
	Stream     StreamConfig  `mapstructure:"stream"`
	History    HistoryConfig `mapstructure:"history"`
	Seed       SeedConfig    `mapstructure:"seed"`
}

type DBConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`

	// Used to build a postgres DSN when db.dsn is left unset.
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

type PoolConfig struct {
	Size           int           `mapstructure:"size"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
}

type PersistConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	Workers      int           `mapstructure:"workers"`
	QueueSize    int           `mapstructure:"queue_size"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type StreamConfig struct {
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	PingPeriod      time.Duration `mapstructure:"ping_period"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
}

type HistoryConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
	MaxLimit     int `mapstructure:"max_limit"`
}

type SeedConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

var defaults = map[string]any{
	"listen_addr":              ":8000",
	"log_level":                DefaultLogLevel,
	"pid_file":                 "",
	"db.driver":                "sqlite3",
	"db.dsn":                   "/var/lib/rpmd/telemetry.db",
	"db.host":                  "",
	"db.port":                  "5432",
	"db.user":                  "",
	"db.password":              "",
	"db.name":                  "rpmd",
	"db.sslmode":               "require",
	"pool.size":                5,
	"pool.acquire_timeout":     200 * time.Millisecond,
	"pool.dial_timeout":        2 * time.Second,
	"persist.interval":         2 * time.Second,
	"persist.workers":          2,
	"persist.queue_size":       64,
	"persist.write_timeout":    5 * time.Second,
	"stream.idle_timeout":      60 * time.Second,
	"stream.ping_period":       54 * time.Second,
	"stream.max_message_bytes": 4096,
	"history.default_limit":    50,
	"history.max_limit":        100,
	"seed.enabled":             false,
	"seed.username":            "",
	"seed.password":            "",
}

// Load reads configuration from, in increasing precedence: defaults, the
// TOML config file, the environment (after dotenv files) and flags.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{
		envPrefix: DefaultEnvPrefix,
		envFiles:  []string{".env"},
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}
	if !o.argsSet {
		o.args = os.Args[1:]
	}

	loadEnvFiles(o.envFiles)

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	fs := newFlagSet()
	if err := fs.Parse(o.args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}
	if err := bindFlags(v, fs); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Plain DB_* names are what existing deployments export.
	for _, key := range []string{"host", "port", "user", "password", "name"} {
		envKey := "DB_" + strings.ToUpper(key)
		if err := v.BindEnv("db."+key, o.envPrefix+"_"+envKey, envKey); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	configPath := o.configPath
	if configPath == "" {
		configPath, _ = fs.GetString("config")
	}
	if configPath == "" {
		configPath = os.Getenv(o.envPrefix + "_CONFIG")
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType(configType)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath("/etc/rpmd")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if cfg.DB.Driver == "postgres" && cfg.DB.DSN == defaults["db.dsn"] {
		if cfg.DB.Host == "" {
			return nil, errFactory.WithData(errors.ErrInvalidConfig, "postgres requires db.dsn or db.host")
		}
		cfg.DB.DSN = cfg.DB.PostgresDSN()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the values that would otherwise fail deep inside a
// component at runtime.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	switch c.DB.Driver {
	case "sqlite3", "postgres":
	default:
		return errFactory.WithData(errors.ErrInvalidConfig, "unsupported db.driver "+c.DB.Driver)
	}
	if c.DB.DSN == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, "db.dsn is empty")
	}

	if c.Pool.Size <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("pool.size must be positive, got %d", c.Pool.Size))
	}
	if c.Persist.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Persist.Interval.String())
	}
	if c.Persist.Workers <= 0 || c.Persist.QueueSize <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "persist.workers and persist.queue_size must be positive")
	}
	if c.Stream.PingPeriod <= 0 || c.Stream.PingPeriod >= c.Stream.IdleTimeout {
		return errFactory.WithData(errors.ErrInvalidInterval, "stream.ping_period must be positive and below stream.idle_timeout")
	}
	if c.History.DefaultLimit <= 0 || c.History.MaxLimit < c.History.DefaultLimit {
		return errFactory.WithData(errors.ErrInvalidConfig, "history limits out of range")
	}

	return nil
}

// PostgresDSN builds a connection URL from the individual db fields.
func (c DBConfig) PostgresDSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + c.Port,
		Path:     "/" + c.Name,
		RawQuery: url.Values{"sslmode": []string{c.SSLMode}}.Encode(),
	}
	return u.String()
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet(configName, pflag.ContinueOnError)
	fs.String("config", "", "Path to the TOML configuration file")
	fs.String("listen-addr", defaults["listen_addr"].(string), "HTTP listen address")
	fs.String("log-level", DefaultLogLevel, "Log level: debug, info, warning, error")
	fs.String("pid-file", "", "Write the process ID to this file")
	fs.String("db-driver", defaults["db.driver"].(string), "Storage driver: sqlite3 or postgres")
	fs.String("db-dsn", defaults["db.dsn"].(string), "Storage data source name")
	fs.Int("pool-size", defaults["pool.size"].(int), "Maximum concurrent storage connections")
	fs.Duration("persist-interval", defaults["persist.interval"].(time.Duration), "Minimum time between stored frames per machine")
	fs.Bool("seed", false, "Insert the demo roster and seed user on startup")
	return fs
}

var flagKeys = map[string]string{
	"listen-addr":      "listen_addr",
	"log-level":        "log_level",
	"pid-file":         "pid_file",
	"db-driver":        "db.driver",
	"db-dsn":           "db.dsn",
	"pool-size":        "pool.size",
	"persist-interval": "persist.interval",
	"seed":             "seed.enabled",
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for flagName, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(flagName)); err != nil {
			return err
		}
	}
	return nil
}

func loadEnvFiles(files []string) {
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		// A malformed dotenv file is not fatal; the environment still applies.
		_ = godotenv.Load(file)
	}
}
