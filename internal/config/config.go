package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete orchestrator configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	RabbitMQ      RabbitMQConfig      `yaml:"rabbitmq"`
	Redis         RedisConfig         `yaml:"redis"`
	Logging       LoggingConfig       `yaml:"logging"`
	App           AppConfig           `yaml:"app"`
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Workers       WorkersConfig       `yaml:"workers"`
	Autoscaling   AutoscalingConfig   `yaml:"autoscaling"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds the connection and queue settings for the
// training-jobs queue
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// RedisConfig holds the progress event pub/sub bridge settings
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// OrchestrationConfig tunes the dispatch loop
type OrchestrationConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	BatchSize         int           `yaml:"batch_size"`
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	ErrorBackoff      time.Duration `yaml:"error_backoff"`
}

// JobsConfig tunes the job lifecycle manager. StaleAfter is the inline
// staleness threshold checked on resubmission; SweepStaleAfter is the longer
// threshold used by the periodic sweep. The two are intentionally distinct.
type JobsConfig struct {
	MaxRetries      MaxRetriesConfig `yaml:"max_retries"`
	StaleAfter      time.Duration    `yaml:"stale_after"`
	SweepStaleAfter time.Duration    `yaml:"sweep_stale_after"`
	CompletedGrace  time.Duration    `yaml:"completed_grace"`
	CleanupOldAfter time.Duration    `yaml:"cleanup_old_after"`
}

// MaxRetriesConfig holds per-job-type retry budgets
type MaxRetriesConfig struct {
	Analysis         int `yaml:"analysis"`
	Generation       int `yaml:"generation"`
	SourceSeparation int `yaml:"source_separation"`
	Training         int `yaml:"training"`
	Default          int `yaml:"default"`
}

// WorkersConfig holds worker endpoints and the callback address workers use
// to reach back into this service
type WorkersConfig struct {
	AnalysisURL     string        `yaml:"analysis_url"`
	GenerationURL   string        `yaml:"generation_url"`
	CallbackBaseURL string        `yaml:"callback_base_url"`
	SubmitTimeout   time.Duration `yaml:"submit_timeout"`
}

// AutoscalingConfig tunes the worker-pool autoscaler
type AutoscalingConfig struct {
	Enabled            bool              `yaml:"enabled"`
	Interval           time.Duration     `yaml:"interval"`
	MinWorkers         int               `yaml:"min_workers"`
	MaxWorkers         int               `yaml:"max_workers"`
	ScaleUpThreshold   int               `yaml:"scale_up_threshold"`
	ScaleDownThreshold int               `yaml:"scale_down_threshold"`
	Cooldown           time.Duration     `yaml:"cooldown"`
	ControllerURL      string            `yaml:"controller_url"`
	Pools              map[string]string `yaml:"pools"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when redis is enabled")
	}

	if c.Orchestration.BatchSize < 0 {
		return fmt.Errorf("orchestration batch_size must not be negative")
	}

	if c.Orchestration.MaxConcurrentJobs < 0 {
		return fmt.Errorf("orchestration max_concurrent_jobs must not be negative")
	}

	if c.Workers.AnalysisURL == "" {
		return fmt.Errorf("workers analysis_url is required")
	}

	if c.Workers.GenerationURL == "" {
		return fmt.Errorf("workers generation_url is required")
	}

	if c.Workers.CallbackBaseURL == "" {
		return fmt.Errorf("workers callback_base_url is required")
	}

	if c.Autoscaling.Enabled {
		if c.Autoscaling.ControllerURL == "" {
			return fmt.Errorf("autoscaling controller_url is required when autoscaling is enabled")
		}
		if c.Autoscaling.MaxWorkers > 0 && c.Autoscaling.MinWorkers > c.Autoscaling.MaxWorkers {
			return fmt.Errorf("autoscaling min_workers must not exceed max_workers")
		}
	}

	return nil
}
