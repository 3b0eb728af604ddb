package aggregator

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the main configuration
type Config struct {
	Env      string         `yaml:"env"`
	HTTP     HTTPConfig     `yaml:"http"`
	Storage  StorageConfig  `yaml:"storage"`
	Readings ReadingsConfig `yaml:"readings"`
	AMQP     AMQPConfig     `yaml:"amqp"`
	Topics   []string       `yaml:"topics"`
	MySQL    MySQLConfig    `yaml:"mysql"`
	Writer   WriterConfig   `yaml:"writer"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// HTTPConfig represents the config of the HTTP server
type HTTPConfig struct {
	Listen          string        `yaml:"listen"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// ReadingsConfig represents the validation policy for incoming readings
type ReadingsConfig struct {
	NegativeCounts string `yaml:"negative_counts"`
}

// CountPolicy returns the parsed negative count policy
func (c ReadingsConfig) CountPolicy() CountPolicy {
	policy, err := ParseCountPolicy(c.NegativeCounts)
	if err != nil {
		return RejectNegativeCounts
	}

	return policy
}

// DefaultConfig returns a Config with the defaults applied before the file is read
func DefaultConfig() Config {
	return Config{
		Env: "prod",
		HTTP: HTTPConfig{
			Listen:          ":4567",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Storage: StorageConfig{
			DataDir:         "./data",
			PersistOnWrite:  true,
			RestoreOnAccess: true,
			FlushOnShutdown: true,
		},
		Readings: ReadingsConfig{
			NegativeCounts: string(RejectNegativeCounts),
		},
		AMQP: AMQPConfig{
			Tag: "default",
		},
		Topics: []string{"*.readings"},
		Writer: WriterConfig{
			Table:   "device_counter",
			Timeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads the YAML file at path on top of the defaults and applies
// environment overrides
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()

	if path != "" {
		f, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(f, &c); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(&c)

	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("validating config: %w", err)
	}

	return c, nil
}

// applyEnvOverrides applies AGGREGATOR_* environment variables
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("AGGREGATOR_ENV"); v != "" {
		c.Env = v
	}
	if v := os.Getenv("AGGREGATOR_HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}
	if v := os.Getenv("AGGREGATOR_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("AGGREGATOR_AMQP_DSN"); v != "" {
		c.AMQP.DSN = v
		c.AMQP.Enabled = true
	}
	if v := os.Getenv("AGGREGATOR_MYSQL_DSN"); v != "" {
		c.MySQL.DSN = v
	}
	if v := os.Getenv("AGGREGATOR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the configuration for consistency
func (c Config) Validate() error {
	if c.HTTP.Listen == "" {
		return fmt.Errorf("http.listen is required")
	}

	if _, err := ParseCountPolicy(c.Readings.NegativeCounts); err != nil {
		return fmt.Errorf("readings.negative_counts: %w", err)
	}

	if (c.Storage.PersistOnWrite || c.Storage.RestoreOnAccess || c.Storage.FlushOnShutdown) && c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required when persistence is enabled")
	}

	if c.AMQP.Enabled {
		if c.AMQP.DSN == "" {
			return fmt.Errorf("amqp.dsn is required when amqp is enabled")
		}
		if c.AMQP.Exchange == "" {
			return fmt.Errorf("amqp.exchange is required when amqp is enabled")
		}
		if len(c.Topics) == 0 {
			return fmt.Errorf("topics must not be empty when amqp is enabled")
		}
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// PersistenceEnabled reports whether a FileStore is needed
func (c Config) PersistenceEnabled() bool {
	return c.Storage.PersistOnWrite || c.Storage.RestoreOnAccess || c.Storage.FlushOnShutdown
}
