package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fly-io/vmpool/pkg/pool"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// EC2 configuration
	Region          string `mapstructure:"region"`
	InstanceType    string `mapstructure:"instance-type"`
	EC2Endpoint     string `mapstructure:"ec2-endpoint"`
	AccessKeyID     string `mapstructure:"access-key-id"`
	SecretAccessKey string `mapstructure:"secret-access-key"`

	// How long synchronous start/stop/delete wait for EC2 to settle
	EC2WaitTimeout time.Duration `mapstructure:"ec2-wait-timeout"`

	// Image template
	SourceID      string `mapstructure:"source-id"`
	MaxInstances  int    `mapstructure:"max-instances"`
	UseOriginal   bool   `mapstructure:"use-original"`
	NamePrefix    string `mapstructure:"name-prefix"`
	ResourceGroup string `mapstructure:"resource-group"`

	// Action queue
	Async            bool          `mapstructure:"async"`
	PollInterval     time.Duration `mapstructure:"poll-interval"`
	MaxCheckFailures int           `mapstructure:"max-check-failures"`

	ReconcileInterval time.Duration `mapstructure:"reconcile-interval"`

	// User data (S3)
	UserDataBucket    string `mapstructure:"user-data-bucket"`
	UserDataRegion    string `mapstructure:"user-data-region"`
	UserDataAnonymous bool   `mapstructure:"user-data-anonymous"`
	MaxUserDataSize   int64  `mapstructure:"max-user-data-size"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`

	LogLevel string `mapstructure:"log-level"`
}

// Load reads configuration from .env, environment, config file, and defaults
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	// Set defaults
	viper.SetDefault("sqlite-path", ".artifacts/vmpool.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm")
	viper.SetDefault("region", "us-east-1")
	viper.SetDefault("instance-type", "t3.micro")
	viper.SetDefault("ec2-endpoint", "")
	viper.SetDefault("access-key-id", "")
	viper.SetDefault("secret-access-key", "")
	viper.SetDefault("ec2-wait-timeout", 10*time.Minute)
	viper.SetDefault("source-id", "")
	viper.SetDefault("user-data-bucket", "")
	viper.SetDefault("max-instances", 1)
	viper.SetDefault("use-original", false)
	viper.SetDefault("name-prefix", "vmpool")
	viper.SetDefault("resource-group", "default")
	viper.SetDefault("async", false)
	viper.SetDefault("poll-interval", 5*time.Second)
	viper.SetDefault("max-check-failures", 5)
	viper.SetDefault("reconcile-interval", 30*time.Second)
	viper.SetDefault("user-data-region", "us-east-1")
	viper.SetDefault("user-data-anonymous", false)
	viper.SetDefault("max-user-data-size", 16*1024)
	viper.SetDefault("fsm-max-retries", 5)
	viper.SetDefault("log-level", "info")

	// Environment variables (will be VMPOOL_SOURCE_ID, etc.)
	viper.SetEnvPrefix("VMPOOL")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.vmpool")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors. Image details are validated
// separately when the registry is built.
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.Region == "" {
		return fmt.Errorf("region cannot be empty")
	}
	if c.SourceID == "" {
		return fmt.Errorf("source-id cannot be empty")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile-interval must be positive")
	}
	if c.EC2WaitTimeout <= 0 {
		return fmt.Errorf("ec2-wait-timeout must be positive")
	}
	if c.MaxCheckFailures <= 0 {
		return fmt.Errorf("max-check-failures must be positive")
	}
	if c.MaxUserDataSize <= 0 {
		return fmt.Errorf("max-user-data-size must be positive")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	return nil
}

// Image builds the image details the registry is created from
func (c *Config) Image() pool.ImageDetails {
	return pool.ImageDetails{
		SourceID:      c.SourceID,
		MaxInstances:  c.MaxInstances,
		UseOriginal:   c.UseOriginal,
		NamePrefix:    c.NamePrefix,
		ResourceGroup: c.ResourceGroup,
		Credentials: pool.Credentials{
			AccessKeyID:     c.AccessKeyID,
			SecretAccessKey: c.SecretAccessKey,
		},
	}
}
