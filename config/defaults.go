package config

import (
	"runtime"
	"time"
)

// DefaultConfig returns the configuration used when no file or
// environment overrides are present: a local backend sized to the
// machine, file storage next to the working directory and no
// convergence checks.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			WorkingDirectory: "working-data",
		},
		Backend: BackendConfig{
			WorkerCount:     runtime.NumCPU(),
			CPUsPerTask:     1,
			GPUsPerTask:     0,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Type:      "local",
			LocalRoot: "stored-data",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "propflow:data:",
			},
		},
		Estimation: EstimationConfig{
			ConvergenceMode:             "no_checks",
			RelativeUncertaintyFraction: 1.0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "propflow",
			Port:      9090,
		},
	}
}
