package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Engines EnginesConfig `yaml:"engines"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	ListenAddress     string        `yaml:"listen_address"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects where rules come from. Exactly one of DatabaseURL
// and RulesFile must be set.
type StorageConfig struct {
	DatabaseURL string `yaml:"database_url"`
	RulesFile   string `yaml:"rules_file"`
	// Watch reloads the rules file when it changes
	Watch bool `yaml:"watch"`
	// EnableMissing and EnableOnError are the file mode failure policies;
	// tenants carry their own in database mode.
	EnableMissing bool `yaml:"enable_missing"`
	EnableOnError bool `yaml:"enable_on_error"`
}

// EnginesConfig tunes the script engines
type EnginesConfig struct {
	CELCostLimit        uint64 `yaml:"cel_cost_limit"`
	CELProgramCacheSize int    `yaml:"cel_program_cache_size"`
	JSMaxCallStackSize  int    `yaml:"js_max_call_stack_size"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`
}

// LoadConfig reads path (optional), applies defaults and environment
// overrides, then validates the result.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	ApplyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 60 * time.Second
	}
	if cfg.Server.EvaluationTimeout == 0 {
		cfg.Server.EvaluationTimeout = 2 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Engines.CELCostLimit == 0 {
		cfg.Engines.CELCostLimit = 1000000
	}
	if cfg.Engines.CELProgramCacheSize == 0 {
		cfg.Engines.CELProgramCacheSize = 4096
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "featurerules"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// applyEnvOverrides applies FEATURERULES_SECTION_FIELD variables. The plain
// DATABASE_URL, RULES_FILE and PORT variables are honoured as well.
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("PORT"); val != "" {
		cfg.Server.ListenAddress = ":" + val
	}
	if val := os.Getenv("FEATURERULES_SERVER_LISTEN_ADDRESS"); val != "" {
		cfg.Server.ListenAddress = val
	}
	envDuration("FEATURERULES_SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("FEATURERULES_SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("FEATURERULES_SERVER_IDLE_TIMEOUT", &cfg.Server.IdleTimeout)
	envDuration("FEATURERULES_SERVER_REQUEST_TIMEOUT", &cfg.Server.RequestTimeout)
	envDuration("FEATURERULES_SERVER_EVALUATION_TIMEOUT", &cfg.Server.EvaluationTimeout)
	envDuration("FEATURERULES_SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	if val := os.Getenv("DATABASE_URL"); val != "" {
		cfg.Storage.DatabaseURL = val
	}
	if val := os.Getenv("FEATURERULES_STORAGE_DATABASE_URL"); val != "" {
		cfg.Storage.DatabaseURL = val
	}
	if val := os.Getenv("RULES_FILE"); val != "" {
		cfg.Storage.RulesFile = val
	}
	if val := os.Getenv("FEATURERULES_STORAGE_RULES_FILE"); val != "" {
		cfg.Storage.RulesFile = val
	}
	envBool("FEATURERULES_STORAGE_WATCH", &cfg.Storage.Watch)
	envBool("FEATURERULES_STORAGE_ENABLE_MISSING", &cfg.Storage.EnableMissing)
	envBool("FEATURERULES_STORAGE_ENABLE_ON_ERROR", &cfg.Storage.EnableOnError)

	if val := os.Getenv("FEATURERULES_ENGINES_CEL_COST_LIMIT"); val != "" {
		if n, err := strconv.ParseUint(val, 10, 64); err == nil {
			cfg.Engines.CELCostLimit = n
		}
	}
	if val := os.Getenv("FEATURERULES_ENGINES_CEL_PROGRAM_CACHE_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Engines.CELProgramCacheSize = n
		}
	}
	if val := os.Getenv("FEATURERULES_ENGINES_JS_MAX_CALL_STACK_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Engines.JSMaxCallStackSize = n
		}
	}

	if val := os.Getenv("FEATURERULES_METRICS_NAMESPACE"); val != "" {
		cfg.Metrics.Namespace = val
	}
	if val := os.Getenv("FEATURERULES_METRICS_PATH"); val != "" {
		cfg.Metrics.Path = val
	}
}

func envDuration(key string, dst *time.Duration) {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

func envBool(key string, dst *bool) {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

// Validate checks the configuration after defaults and overrides
func Validate(cfg *Config) error {
	var errs []error

	switch {
	case cfg.Storage.DatabaseURL == "" && cfg.Storage.RulesFile == "":
		errs = append(errs, errors.New("storage: one of database_url or rules_file is required"))
	case cfg.Storage.DatabaseURL != "" && cfg.Storage.RulesFile != "":
		errs = append(errs, errors.New("storage: database_url and rules_file are mutually exclusive"))
	}

	timeouts := map[string]time.Duration{
		"read_timeout":       cfg.Server.ReadTimeout,
		"write_timeout":      cfg.Server.WriteTimeout,
		"idle_timeout":       cfg.Server.IdleTimeout,
		"request_timeout":    cfg.Server.RequestTimeout,
		"evaluation_timeout": cfg.Server.EvaluationTimeout,
		"shutdown_timeout":   cfg.Server.ShutdownTimeout,
	}
	for name, d := range timeouts {
		if d < 0 {
			errs = append(errs, fmt.Errorf("server: %s must not be negative, got %s", name, d))
		}
	}

	if cfg.Engines.CELProgramCacheSize < 0 {
		errs = append(errs, fmt.Errorf("engines: cel_program_cache_size must not be negative, got %d", cfg.Engines.CELProgramCacheSize))
	}
	if cfg.Engines.JSMaxCallStackSize < 0 {
		errs = append(errs, fmt.Errorf("engines: js_max_call_stack_size must not be negative, got %d", cfg.Engines.JSMaxCallStackSize))
	}

	if len(cfg.Metrics.Path) == 0 || cfg.Metrics.Path[0] != '/' {
		errs = append(errs, fmt.Errorf("metrics: path must start with '/', got %q", cfg.Metrics.Path))
	}

	return errors.Join(errs...)
}
