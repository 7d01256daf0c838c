package config

import "time"

// DefaultConfig returns the built-in defaults. File values are merged on top.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port: "8080",
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "storyforge",
			Database:        "storyforge",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Cache: CacheConfig{
			Backend:       "memory",
			CheckpointTTL: time.Hour,
		},
		Gateway: GatewayConfig{
			BaseURL:            "http://localhost:9090",
			APIKeyEnv:          "MODEL_API_KEY",
			CallTimeout:        60 * time.Second,
			BreakerMaxFailures: 5,
			BreakerOpenTimeout: 30 * time.Second,
		},
		Pipeline: PipelineConfig{
			MaxPhaseRetries:        3,
			MaxSessionRetries:      3,
			RetryBackoffBase:       1 * time.Second,
			ImageRetryBackoffBase:  2 * time.Second,
			Retention:              30 * 24 * time.Hour,
			RetentionSweepInterval: 6 * time.Hour,
		},
		Queue: QueueConfig{
			WorkerCount:             4,
			MaxConcurrentSessions:   8,
			PollInterval:            1 * time.Second,
			PollIntervalJitter:      500 * time.Millisecond,
			SessionTimeout:          15 * time.Minute,
			HeartbeatInterval:       30 * time.Second,
			StaleThreshold:          5 * time.Minute,
			StaleScanInterval:       1 * time.Minute,
			GracefulShutdownTimeout: 15 * time.Minute,
		},
	}
}
