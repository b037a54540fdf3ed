package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "orchestrator_db", cfg.Database.Database)
				assert.Equal(t, "training_jobs", cfg.RabbitMQ.Queue.Name)
				assert.Equal(t, "orchestrator", cfg.App.Name)
				assert.Equal(t, 2*time.Second, cfg.Orchestration.PollInterval)
				assert.Equal(t, 10, cfg.Orchestration.BatchSize)
				assert.Equal(t, 5, cfg.Orchestration.MaxConcurrentJobs)
				assert.Equal(t, 15*time.Minute, cfg.Jobs.StaleAfter)
				assert.Equal(t, 30*time.Minute, cfg.Jobs.SweepStaleAfter)
				assert.Equal(t, 1, cfg.Jobs.MaxRetries.Training)
				assert.Equal(t, "http://localhost:8001", cfg.Workers.AnalysisURL)
				assert.True(t, cfg.Autoscaling.Enabled)
				assert.Equal(t, "analysis-workers", cfg.Autoscaling.Pools["ANALYSIS"])
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server: ServerConfig{Port: 8080},
			Database: DatabaseConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "orchestrator_db",
			},
			RabbitMQ: RabbitMQConfig{
				Host: "localhost",
				Port: 5672,
				Queue: QueueConfig{
					Name: "training_jobs",
				},
			},
			Workers: WorkersConfig{
				AnalysisURL:     "http://localhost:8001",
				GenerationURL:   "http://localhost:8002",
				CallbackBaseURL: "http://localhost:8080",
			},
		}
	}

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name:      "empty queue name",
			mutate:    func(c *Config) { c.RabbitMQ.Queue.Name = "" },
			wantErr:   true,
			errString: "rabbitmq queue name is required",
		},
		{
			name:      "redis enabled without addr",
			mutate:    func(c *Config) { c.Redis.Enabled = true },
			wantErr:   true,
			errString: "redis addr is required",
		},
		{
			name:      "negative batch size",
			mutate:    func(c *Config) { c.Orchestration.BatchSize = -1 },
			wantErr:   true,
			errString: "batch_size must not be negative",
		},
		{
			name:      "missing analysis url",
			mutate:    func(c *Config) { c.Workers.AnalysisURL = "" },
			wantErr:   true,
			errString: "analysis_url is required",
		},
		{
			name:      "missing callback base url",
			mutate:    func(c *Config) { c.Workers.CallbackBaseURL = "" },
			wantErr:   true,
			errString: "callback_base_url is required",
		},
		{
			name: "autoscaling enabled without controller url",
			mutate: func(c *Config) {
				c.Autoscaling.Enabled = true
			},
			wantErr:   true,
			errString: "controller_url is required",
		},
		{
			name: "autoscaling min above max",
			mutate: func(c *Config) {
				c.Autoscaling.Enabled = true
				c.Autoscaling.ControllerURL = "http://localhost:9000"
				c.Autoscaling.MinWorkers = 6
				c.Autoscaling.MaxWorkers = 5
			},
			wantErr:   true,
			errString: "min_workers must not exceed max_workers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.NoError(t, err)
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}
