package vacalibration

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds configuration for the Orchestrator and every subsystem the
// engine builds from it.
type Config struct {
	// StoreBackend selects the persistence backend: "redis" or "memory".
	StoreBackend string `yaml:"store_backend"`

	// RedisURL is the connection string of the backing store.
	RedisURL string `yaml:"redis_url"`

	// KeyPrefix namespaces every key written to the backing store.
	KeyPrefix string `yaml:"key_prefix"`

	// HTTPAddr is the listen address of the HTTP API.
	HTTPAddr string `yaml:"http_addr"`

	// Concurrency is the maximum number of execution units run concurrently
	// by the local worker pool.
	Concurrency int `yaml:"concurrency"`

	// PollInterval is how often idle workers poll the dispatch queue.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// JobTTL bounds how long a job record lives after its last write.
	JobTTL time.Duration `yaml:"job_ttl"`

	// CacheTTL bounds how long a cached result lives after it was stored.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// MaxLogEntries caps the retained log lines per job. Oldest lines are
	// evicted first.
	MaxLogEntries int `yaml:"max_log_entries"`

	// ReplayBufferSize caps the per-job event history kept for late
	// subscribers.
	ReplayBufferSize int `yaml:"replay_buffer_size"`

	// HeartbeatInterval is how often live subscribers are pinged.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// PongTimeout is how long a subscriber may stay silent before it is
	// considered dead.
	PongTimeout time.Duration `yaml:"pong_timeout"`

	// MaxConnections caps concurrent live subscribers per process.
	MaxConnections int `yaml:"max_connections"`

	// DefaultTimeout applies to jobs created without an explicit timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// MaxTimeout is the largest timeout a job may request.
	MaxTimeout time.Duration `yaml:"max_timeout"`

	// Priority bounds and default.
	MinPriority     int `yaml:"min_priority"`
	MaxPriority     int `yaml:"max_priority"`
	DefaultPriority int `yaml:"default_priority"`

	// MaxRetries is the default retry budget for new jobs.
	MaxRetries int `yaml:"max_retries"`

	// UserConcurrency caps running jobs per owner in a worker process.
	// Zero disables the cap.
	UserConcurrency int `yaml:"user_concurrency"`

	// BatchMaxSize caps the number of members in one batch.
	BatchMaxSize int `yaml:"batch_max_size"`

	// DefaultParallelLimit applies to batches created without one.
	DefaultParallelLimit int `yaml:"default_parallel_limit"`

	// ReaperInterval is how often running jobs are checked for timeouts.
	ReaperInterval time.Duration `yaml:"reaper_interval"`

	// SweepInterval is how often expired entries are dropped from the
	// recency index.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// RunnerName is the job name served by the command runner.
	RunnerName string `yaml:"runner_name"`

	// RunnerCommand and RunnerArgs describe the external execution unit.
	RunnerCommand string   `yaml:"runner_command"`
	RunnerArgs    []string `yaml:"runner_args"`

	// WorkDir is where execution units get their scratch directories.
	// Empty means the OS temp directory.
	WorkDir string `yaml:"work_dir"`

	// APIKeys maps API keys to subjects ("key:subject,key2:subject2").
	APIKeys map[string]string `yaml:"api_keys"`

	// RunnerImage, when set, runs the execution unit inside this container
	// image instead of as a local process.
	RunnerImage string `yaml:"runner_image"`

	// ArtifactBackend selects where execution unit documents are archived:
	// "" (disabled) or "minio".
	ArtifactBackend string `yaml:"artifact_backend"`
	MinIOEndpoint   string `yaml:"minio_endpoint"`
	MinIOAccessKey  string `yaml:"minio_access_key"`
	MinIOSecretKey  string `yaml:"minio_secret_key"`
	MinIOBucket     string `yaml:"minio_bucket"`
	MinIOUseSSL     bool   `yaml:"minio_use_ssl"`

	// CORSOrigins lists the browser origins allowed to call the HTTP API.
	CORSOrigins []string `yaml:"cors_origins"`

	// Tracing exporter: "none", "stdout", "otlp-http" or "otlp-grpc".
	OTelExporter    string  `yaml:"otel_exporter"`
	OTelEndpoint    string  `yaml:"otel_endpoint"`
	OTelInsecure    bool    `yaml:"otel_insecure"`
	OTelSampleRatio float64 `yaml:"otel_sample_ratio"`

	// LogLevel and LogFormat configure the process logger.
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		StoreBackend:         "redis",
		RedisURL:             "redis://localhost:6379/0",
		KeyPrefix:            "vacal:",
		HTTPAddr:             ":8000",
		Concurrency:          4,
		PollInterval:         1 * time.Second,
		ShutdownTimeout:      30 * time.Second,
		JobTTL:               7 * 24 * time.Hour,
		CacheTTL:             1 * time.Hour,
		MaxLogEntries:        1000,
		ReplayBufferSize:     100,
		HeartbeatInterval:    30 * time.Second,
		PongTimeout:          90 * time.Second,
		MaxConnections:       1024,
		DefaultTimeout:       30 * time.Minute,
		MaxTimeout:           120 * time.Minute,
		MinPriority:          1,
		MaxPriority:          10,
		DefaultPriority:      5,
		MaxRetries:           3,
		BatchMaxSize:         50,
		DefaultParallelLimit: 5,
		ReaperInterval:       30 * time.Second,
		SweepInterval:        10 * time.Minute,
		RunnerName:           "calibration",
		RunnerCommand:        "Rscript",
		MinIOBucket:          "vacalibration-artifacts",
		OTelExporter:         "none",
		OTelSampleRatio:      1,
		LogLevel:             "info",
		LogFormat:            "json",
	}
}

// LoadConfig builds a Config from DefaultConfig, an optional .env file, an
// optional YAML file named by CONFIG_FILE, and the process environment, in
// increasing order of precedence. A missing env file is not an error.
func LoadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("vacalibration: load env file: %w", err)
		}
	}

	d := DefaultConfig()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadYAML(path, &d); err != nil {
			return Config{}, err
		}
	}
	cfg := Config{
		StoreBackend:         getEnv("STORE_BACKEND", d.StoreBackend),
		RedisURL:             getEnv("REDIS_URL", d.RedisURL),
		KeyPrefix:            getEnv("KEY_PREFIX", d.KeyPrefix),
		HTTPAddr:             getEnv("HTTP_ADDR", d.HTTPAddr),
		Concurrency:          getEnvAsInt("WORKER_CONCURRENCY", d.Concurrency),
		PollInterval:         getEnvAsDuration("POLL_INTERVAL", d.PollInterval),
		ShutdownTimeout:      getEnvAsDuration("SHUTDOWN_TIMEOUT", d.ShutdownTimeout),
		JobTTL:               getEnvAsDuration("JOB_TTL", d.JobTTL),
		CacheTTL:             getEnvAsDuration("CACHE_TTL", d.CacheTTL),
		MaxLogEntries:        getEnvAsInt("MAX_LOG_ENTRIES", d.MaxLogEntries),
		ReplayBufferSize:     getEnvAsInt("REPLAY_BUFFER_SIZE", d.ReplayBufferSize),
		HeartbeatInterval:    getEnvAsDuration("HEARTBEAT_INTERVAL", d.HeartbeatInterval),
		PongTimeout:          getEnvAsDuration("PONG_TIMEOUT", d.PongTimeout),
		MaxConnections:       getEnvAsInt("MAX_CONNECTIONS", d.MaxConnections),
		DefaultTimeout:       getEnvAsDuration("DEFAULT_TIMEOUT", d.DefaultTimeout),
		MaxTimeout:           getEnvAsDuration("MAX_TIMEOUT", d.MaxTimeout),
		MinPriority:          getEnvAsInt("MIN_PRIORITY", d.MinPriority),
		MaxPriority:          getEnvAsInt("MAX_PRIORITY", d.MaxPriority),
		DefaultPriority:      getEnvAsInt("DEFAULT_PRIORITY", d.DefaultPriority),
		MaxRetries:           getEnvAsInt("MAX_RETRIES", d.MaxRetries),
		UserConcurrency:      getEnvAsInt("USER_CONCURRENCY", d.UserConcurrency),
		BatchMaxSize:         getEnvAsInt("BATCH_MAX_SIZE", d.BatchMaxSize),
		DefaultParallelLimit: getEnvAsInt("DEFAULT_PARALLEL_LIMIT", d.DefaultParallelLimit),
		ReaperInterval:       getEnvAsDuration("REAPER_INTERVAL", d.ReaperInterval),
		SweepInterval:        getEnvAsDuration("SWEEP_INTERVAL", d.SweepInterval),
		RunnerName:           getEnv("RUNNER_NAME", d.RunnerName),
		RunnerCommand:        getEnv("RUNNER_COMMAND", d.RunnerCommand),
		RunnerArgs:           getEnvAsList("RUNNER_ARGS", d.RunnerArgs),
		WorkDir:              getEnv("WORK_DIR", d.WorkDir),
		APIKeys:              getEnvAsPairs("API_KEYS", d.APIKeys),
		RunnerImage:          getEnv("RUNNER_IMAGE", d.RunnerImage),
		ArtifactBackend:      getEnv("ARTIFACT_BACKEND", d.ArtifactBackend),
		MinIOEndpoint:        getEnv("MINIO_ENDPOINT", d.MinIOEndpoint),
		MinIOAccessKey:       getEnv("MINIO_ACCESS_KEY", d.MinIOAccessKey),
		MinIOSecretKey:       getEnv("MINIO_SECRET_KEY", d.MinIOSecretKey),
		MinIOBucket:          getEnv("MINIO_BUCKET", d.MinIOBucket),
		MinIOUseSSL:          getEnvAsBool("MINIO_USE_SSL", d.MinIOUseSSL),
		CORSOrigins:          getEnvAsCSV("CORS_ORIGINS", d.CORSOrigins),
		OTelExporter:         getEnv("OTEL_EXPORTER", d.OTelExporter),
		OTelEndpoint:         getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", d.OTelEndpoint),
		OTelInsecure:         getEnvAsBool("OTEL_EXPORTER_OTLP_INSECURE", d.OTelInsecure),
		OTelSampleRatio:      getEnvAsFloat("OTEL_TRACES_SAMPLER_RATIO", d.OTelSampleRatio),
		LogLevel:             getEnv("LOG_LEVEL", d.LogLevel),
		LogFormat:            getEnv("LOG_FORMAT", d.LogFormat),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the cross-field constraints of a Config.
func (c Config) Validate() error {
	switch {
	case c.Concurrency < 1:
		return fmt.Errorf("%w: concurrency must be positive", ErrInvalidInput)
	case c.MinPriority > c.MaxPriority:
		return fmt.Errorf("%w: min priority %d above max priority %d", ErrInvalidInput, c.MinPriority, c.MaxPriority)
	case c.DefaultPriority < c.MinPriority || c.DefaultPriority > c.MaxPriority:
		return fmt.Errorf("%w: default priority %d out of range", ErrInvalidInput, c.DefaultPriority)
	case c.DefaultTimeout <= 0 || c.DefaultTimeout > c.MaxTimeout:
		return fmt.Errorf("%w: default timeout %s out of range", ErrInvalidInput, c.DefaultTimeout)
	case c.JobTTL <= 0 || c.CacheTTL <= 0:
		return fmt.Errorf("%w: ttl must be positive", ErrInvalidInput)
	case c.StoreBackend != "redis" && c.StoreBackend != "memory":
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidInput, c.StoreBackend)
	case c.ArtifactBackend == "minio" && c.MinIOEndpoint == "":
		return fmt.Errorf("%w: minio artifact backend needs an endpoint", ErrInvalidInput)
	case c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1:
		return fmt.Errorf("%w: sampler ratio %v out of range", ErrInvalidInput, c.OTelSampleRatio)
	}
	return nil
}

func loadYAML(path string, into *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("vacalibration: read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("vacalibration: parse config file %s: %w", path, err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go duration strings ("90s") and bare integers,
// which are read as seconds to stay compatible with the legacy settings.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	return strings.Fields(valueStr)
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsCSV(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvAsPairs(key string, defaultValue map[string]string) map[string]string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(valueStr, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}
