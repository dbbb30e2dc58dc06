// Package config loads process settings from an optional bulkfs.yaml, the
// environment (BULKFS_ prefix) and built-in defaults, in that precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"
)

// Config keys.
const (
	KeyRepositoryDriver       = "repository.driver"
	KeyRepositoryPath         = "repository.path"
	KeyImportBatchSize        = "import.batch_size"
	KeyImportThreads          = "import.threads"
	KeyImportMaxRetries       = "import.max_retries"
	KeyImportQueueDepth       = "import.queue_depth"
	KeyImportFailureThreshold = "import.failure_threshold"
	KeyImportSkipHidden       = "import.skip_hidden"
	KeyImportExclude          = "import.exclude"
	KeyImportUser             = "import.user"
	KeyMetadataSeparator      = "metadata.separator"
	KeyDictionaryPath         = "dictionary.path"
	KeyServerAddr             = "server.addr"
	KeyLogLevel               = "log.level"
	KeyLogFormat              = "log.format"
	KeyTelemetryEnabled       = "telemetry.enabled"
	KeyTelemetryInterval      = "telemetry.interval"
)

// Repository drivers.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// EnvPrefix prefixes every environment override: import.threads is read
// from BULKFS_IMPORT_THREADS.
const EnvPrefix = "BULKFS"

// Config is the resolved process configuration.
type Config struct {
	Repository Repository `mapstructure:"repository"`
	Import     Import     `mapstructure:"import"`
	Metadata   Metadata   `mapstructure:"metadata"`
	Dictionary Dictionary `mapstructure:"dictionary"`
	Server     Server     `mapstructure:"server"`
	Log        Log        `mapstructure:"log"`
	Telemetry  Telemetry  `mapstructure:"telemetry"`
}

type Repository struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type Import struct {
	BatchSize        int      `mapstructure:"batch_size"`
	Threads          int      `mapstructure:"threads"`
	MaxRetries       int      `mapstructure:"max_retries"`
	QueueDepth       int      `mapstructure:"queue_depth"`
	FailureThreshold int      `mapstructure:"failure_threshold"`
	SkipHidden       bool     `mapstructure:"skip_hidden"`
	Exclude          []string `mapstructure:"exclude"`
	// User is stamped as cm:creator by the auditable rule.
	User string `mapstructure:"user"`
}

type Metadata struct {
	Separator string `mapstructure:"separator"`
}

type Dictionary struct {
	// Path is an HCL model extending the built-in one; empty means built-in only.
	Path string `mapstructure:"path"`
}

type Server struct {
	Addr string `mapstructure:"addr"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Telemetry struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyRepositoryDriver, DriverSQLite)
	v.SetDefault(KeyRepositoryPath, "bulkfs.db")
	v.SetDefault(KeyImportBatchSize, 20)
	v.SetDefault(KeyImportThreads, 4)
	v.SetDefault(KeyImportMaxRetries, 5)
	v.SetDefault(KeyImportQueueDepth, 0)
	v.SetDefault(KeyImportFailureThreshold, 0)
	v.SetDefault(KeyImportSkipHidden, true)
	v.SetDefault(KeyImportExclude, []string{})
	v.SetDefault(KeyImportUser, "bulkfs")
	v.SetDefault(KeyMetadataSeparator, ",")
	v.SetDefault(KeyDictionaryPath, "")
	v.SetDefault(KeyServerAddr, ":8080")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "console")
	v.SetDefault(KeyTelemetryEnabled, false)
	v.SetDefault(KeyTelemetryInterval, "10s")
}

// Load reads configuration. With path empty, bulkfs.yaml is looked up in the
// working directory and is optional; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("bulkfs")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no component could run with.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(&c.Repository,
		validation.Field(&c.Repository.Driver, validation.Required, validation.In(DriverSQLite, DriverMemory)),
		validation.Field(&c.Repository.Path, validation.When(c.Repository.Driver == DriverSQLite, validation.Required)),
	); err != nil {
		return fmt.Errorf("config repository: %w", err)
	}
	if err := validation.ValidateStruct(&c.Import,
		validation.Field(&c.Import.BatchSize, validation.Required, validation.Min(1)),
		validation.Field(&c.Import.Threads, validation.Required, validation.Min(1)),
		validation.Field(&c.Import.MaxRetries, validation.Min(0)),
		validation.Field(&c.Import.QueueDepth, validation.Min(0)),
		validation.Field(&c.Import.FailureThreshold, validation.Min(0)),
	); err != nil {
		return fmt.Errorf("config import: %w", err)
	}
	if err := validation.Validate(c.Metadata.Separator, validation.Required); err != nil {
		return fmt.Errorf("config metadata.separator: %w", err)
	}
	return nil
}
