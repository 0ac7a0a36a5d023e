// Package config loads the engine's configuration from YAML files with
// environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("propflow.yaml").
//	    WithEnvPrefix("PROPFLOW").
//	    Load()
//
// Precedence: defaults, then the YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/propflow/propflow/backend"
	"github.com/propflow/propflow/types"
	"github.com/propflow/propflow/workflow"
)

// Config is the complete engine configuration.
type Config struct {
	// Engine holds the scheduling and filesystem settings.
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Backend configures the local compute backend.
	Backend BackendConfig `yaml:"backend" env:"BACKEND"`

	// Storage selects where stored outputs are persisted.
	Storage StorageConfig `yaml:"storage" env:"STORAGE"`

	// Estimation holds the convergence settings applied to workflows.
	Estimation EstimationConfig `yaml:"estimation" env:"ESTIMATION"`

	// Log configures logging.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Metrics configures prometheus instrumentation.
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// EngineConfig holds the engine wide settings.
type EngineConfig struct {
	// WorkingDirectory is the root under which every protocol gets its
	// working directory.
	WorkingDirectory string `yaml:"working_directory" env:"WORKING_DIRECTORY"`
}

// BackendConfig configures the local compute backend.
type BackendConfig struct {
	// WorkerCount is the number of concurrently executing protocols.
	WorkerCount int `yaml:"worker_count" env:"WORKER_COUNT"`
	// CPUsPerTask is the CPU count advertised to each task.
	CPUsPerTask int `yaml:"cpus_per_task" env:"CPUS_PER_TASK"`
	// GPUsPerTask is the GPU count advertised to each task.
	GPUsPerTask int `yaml:"gpus_per_task" env:"GPUS_PER_TASK"`
	// ShutdownTimeout bounds the wait for in-flight tasks at shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// StorageConfig selects and configures the artifact store.
type StorageConfig struct {
	// Type is "local" or "redis".
	Type string `yaml:"type" env:"TYPE"`
	// LocalRoot is the directory of the local file store.
	LocalRoot string `yaml:"local_root" env:"LOCAL_ROOT"`
	// Redis holds the connection settings for the redis store.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// EstimationConfig holds the convergence settings applied to workflows.
type EstimationConfig struct {
	// ConvergenceMode is "no_checks", "relative_uncertainty" or
	// "absolute_uncertainty".
	ConvergenceMode string `yaml:"convergence_mode" env:"CONVERGENCE_MODE"`
	// RelativeUncertaintyFraction scales the measured uncertainty in
	// relative mode.
	RelativeUncertaintyFraction float64 `yaml:"relative_uncertainty_fraction" env:"RELATIVE_UNCERTAINTY_FRACTION"`
	// AbsoluteUncertainty is the fixed target value in absolute mode.
	AbsoluteUncertainty float64 `yaml:"absolute_uncertainty" env:"ABSOLUTE_UNCERTAINTY"`
	// AbsoluteUncertaintyUnit is the unit of the fixed target.
	AbsoluteUncertaintyUnit string `yaml:"absolute_uncertainty_unit" env:"ABSOLUTE_UNCERTAINTY_UNIT"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is a zap level name: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is "json" or "console".
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig configures prometheus instrumentation.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// Port is where the metrics endpoint listens.
	Port int `yaml:"port" env:"PORT"`
}

// Loader loads configuration with the builder pattern.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the default environment prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "PROPFLOW"}
}

// WithConfigPath sets the YAML file to load.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds an extra validation step.
func (l *Loader) WithValidator(validator func(*Config) error) *Loader {
	l.validators = append(l.validators, validator)
	return l
}

// Load resolves the configuration: defaults, then the YAML file, then
// environment variables, then validation.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, validator := range l.validators {
		if err := validator(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

// loadFromFile overlays the YAML file onto the config. A missing file
// is not an error; the defaults apply.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (l *Loader) setFieldsFromEnv(value reflect.Value, prefix string) error {
	structType := value.Type()
	for index := 0; index < value.NumField(); index++ {
		field := value.Field(index)
		envTag := structType.Field(index).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(duration))
			return nil
		}
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(parsed)
	case reflect.Float32, reflect.Float64:
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(parsed)
	case reflect.Bool:
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(parsed)
	}
	return nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	var problems []string

	if c.Engine.WorkingDirectory == "" {
		problems = append(problems, "engine.working_directory must not be empty")
	}
	if c.Backend.WorkerCount <= 0 {
		problems = append(problems, "backend.worker_count must be positive")
	}
	if c.Backend.CPUsPerTask <= 0 {
		problems = append(problems, "backend.cpus_per_task must be positive")
	}
	if c.Backend.GPUsPerTask < 0 {
		problems = append(problems, "backend.gpus_per_task must not be negative")
	}

	switch c.Storage.Type {
	case "local":
		if c.Storage.LocalRoot == "" {
			problems = append(problems, "storage.local_root must be set for local storage")
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			problems = append(problems, "storage.redis.addr must be set for redis storage")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.type %q is not supported", c.Storage.Type))
	}

	if _, err := c.WorkflowOptions(); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(problems, "; "))
	}
	return nil
}

// WorkflowOptions converts the estimation settings into workflow
// options.
func (c *Config) WorkflowOptions() (*workflow.WorkflowOptions, error) {
	options := workflow.NewWorkflowOptions(workflow.ConvergenceMode(c.Estimation.ConvergenceMode))
	if c.Estimation.RelativeUncertaintyFraction > 0 {
		options.RelativeUncertaintyFraction = c.Estimation.RelativeUncertaintyFraction
	}
	if c.Estimation.AbsoluteUncertainty != 0 {
		options.AbsoluteUncertainty = types.NewQuantity(
			c.Estimation.AbsoluteUncertainty, c.Estimation.AbsoluteUncertaintyUnit)
	}
	if err := options.Validate(); err != nil {
		return nil, err
	}
	return options, nil
}

// ComputeResources returns the per-task resources advertised by the
// backend.
func (c *Config) ComputeResources() backend.ComputeResources {
	return backend.ComputeResources{
		CPUCount: c.Backend.CPUsPerTask,
		GPUCount: c.Backend.GPUsPerTask,
	}
}

// BuildLogger constructs a zap logger from the log settings.
func (c *LogConfig) BuildLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", c.Level, err)
	}

	var zapConfig zap.Config
	if c.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}
	zapConfig.Level = level
	return zapConfig.Build()
}

// MustLoad loads the configuration and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}
