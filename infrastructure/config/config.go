package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Cache backends for the local mirror.
const (
	CacheMemory   = "memory"
	CacheBadger   = "badger"
	CacheDynamoDB = "dynamodb"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	ServerAddress string `yaml:"server_address"`
	Environment   string `yaml:"environment"`
	LogLevel      string `yaml:"log_level"`

	// Conversation server
	RemoteBaseURL  string        `yaml:"remote_base_url"`
	RemoteTimeout  time.Duration `yaml:"remote_timeout"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	VerifyAttempts int           `yaml:"verify_attempts"`

	// Circuit breaker
	BreakerFailureThreshold float64       `yaml:"breaker_failure_threshold"`
	BreakerMinRequests      int           `yaml:"breaker_min_requests"`
	BreakerOpenTimeout      time.Duration `yaml:"breaker_open_timeout"`

	// Local mirror
	CacheBackend  string        `yaml:"cache_backend"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	BadgerPath    string        `yaml:"badger_path"`
	DynamoDBTable string        `yaml:"dynamodb_table"`
	CacheItemTTL  time.Duration `yaml:"cache_item_ttl"`

	// AWS configuration
	AWSRegion        string `yaml:"aws_region"`
	EventBusName     string `yaml:"event_bus_name"`
	MetricsNamespace string `yaml:"metrics_namespace"`

	// Lambda configuration
	IsLambda bool `yaml:"is_lambda"`

	TransitionLogSize int      `yaml:"transition_log_size"`
	CORSOrigins       []string `yaml:"cors_origins"`

	// Feature flags
	EnableEvents  bool `yaml:"enable_events"`
	EnableMetrics bool `yaml:"enable_metrics"`
	EnableTracing bool `yaml:"enable_tracing"`
	EnableCORS    bool `yaml:"enable_cors"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		ServerAddress:           ":8080",
		Environment:             "development",
		LogLevel:                "info",
		RemoteBaseURL:           "http://localhost:8000/api",
		RemoteTimeout:           30 * time.Second,
		RetryAttempts:           3,
		RetryBaseDelay:          200 * time.Millisecond,
		RetryMaxDelay:           5 * time.Second,
		VerifyAttempts:          3,
		BreakerFailureThreshold: 0.8,
		BreakerMinRequests:      5,
		BreakerOpenTimeout:      60 * time.Second,
		CacheBackend:            CacheMemory,
		CacheTTL:                60 * time.Second,
		BadgerPath:              "./data/cache",
		DynamoDBTable:           "treechat-cache",
		AWSRegion:               "us-west-2",
		EventBusName:            "treechat-events",
		MetricsNamespace:        "TreeChat",
		TransitionLogSize:       100,
		CORSOrigins:             []string{"*"},
		EnableCORS:              true,
	}
}

// LoadConfig builds the configuration from defaults, the optional YAML file
// named by CONFIG_FILE, and environment variables, in that order.
func LoadConfig() (*Config, error) {
	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load is an alias for LoadConfig
func Load() (*Config, error) {
	return LoadConfig()
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ServerAddress = getEnv("SERVER_ADDRESS", c.ServerAddress)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.RemoteBaseURL = getEnv("REMOTE_BASE_URL", c.RemoteBaseURL)
	c.RemoteTimeout = getEnvDuration("REMOTE_TIMEOUT", c.RemoteTimeout)
	c.RetryAttempts = getEnvInt("RETRY_ATTEMPTS", c.RetryAttempts)
	c.RetryBaseDelay = getEnvDuration("RETRY_BASE_DELAY", c.RetryBaseDelay)
	c.RetryMaxDelay = getEnvDuration("RETRY_MAX_DELAY", c.RetryMaxDelay)
	c.VerifyAttempts = getEnvInt("VERIFY_ATTEMPTS", c.VerifyAttempts)

	c.BreakerFailureThreshold = getEnvFloat("BREAKER_FAILURE_THRESHOLD", c.BreakerFailureThreshold)
	c.BreakerMinRequests = getEnvInt("BREAKER_MIN_REQUESTS", c.BreakerMinRequests)
	c.BreakerOpenTimeout = getEnvDuration("BREAKER_OPEN_TIMEOUT", c.BreakerOpenTimeout)

	c.CacheBackend = strings.ToLower(getEnv("CACHE_BACKEND", c.CacheBackend))
	c.CacheTTL = getEnvDuration("CACHE_TTL", c.CacheTTL)
	c.BadgerPath = getEnv("BADGER_PATH", c.BadgerPath)
	c.DynamoDBTable = getEnv("TABLE_NAME", getEnv("DYNAMODB_TABLE", c.DynamoDBTable))
	c.CacheItemTTL = getEnvDuration("CACHE_ITEM_TTL", c.CacheItemTTL)

	c.AWSRegion = getEnv("AWS_REGION", c.AWSRegion)
	c.EventBusName = getEnv("EVENT_BUS_NAME", c.EventBusName)
	c.MetricsNamespace = getEnv("METRICS_NAMESPACE", c.MetricsNamespace)

	c.IsLambda = getEnvBool("IS_LAMBDA", c.IsLambda || os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "")
	c.TransitionLogSize = getEnvInt("TRANSITION_LOG_SIZE", c.TransitionLogSize)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		c.CORSOrigins = splitList(origins)
	}

	c.EnableEvents = getEnvBool("ENABLE_EVENTS", c.EnableEvents)
	c.EnableMetrics = getEnvBool("ENABLE_METRICS", c.EnableMetrics)
	c.EnableTracing = getEnvBool("ENABLE_TRACING", c.EnableTracing)
	c.EnableCORS = getEnvBool("ENABLE_CORS", c.EnableCORS)
}

// Validate checks that the settings are consistent
func (c *Config) Validate() error {
	if c.RemoteBaseURL == "" {
		return fmt.Errorf("REMOTE_BASE_URL is required")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("RETRY_ATTEMPTS must be at least 1, got %d", c.RetryAttempts)
	}
	if c.VerifyAttempts < 1 {
		return fmt.Errorf("VERIFY_ATTEMPTS must be at least 1, got %d", c.VerifyAttempts)
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("RETRY_MAX_DELAY (%s) is shorter than RETRY_BASE_DELAY (%s)", c.RetryMaxDelay, c.RetryBaseDelay)
	}
	if c.BreakerFailureThreshold <= 0 || c.BreakerFailureThreshold > 1 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be in (0, 1], got %v", c.BreakerFailureThreshold)
	}
	if c.TransitionLogSize < 0 {
		return fmt.Errorf("TRANSITION_LOG_SIZE must not be negative")
	}

	switch c.CacheBackend {
	case CacheMemory:
	case CacheBadger:
		if c.BadgerPath == "" {
			return fmt.Errorf("BADGER_PATH is required for the badger cache")
		}
	case CacheDynamoDB:
		if c.DynamoDBTable == "" {
			return fmt.Errorf("DYNAMODB_TABLE is required for the dynamodb cache")
		}
	default:
		return fmt.Errorf("unknown CACHE_BACKEND %q", c.CacheBackend)
	}

	if c.IsProduction() && c.CacheBackend == CacheMemory {
		return fmt.Errorf("the memory cache does not survive restarts and is not allowed in production")
	}
	if c.EnableEvents && c.EventBusName == "" {
		return fmt.Errorf("EVENT_BUS_NAME is required when events are enabled")
	}
	return nil
}

// NeedsAWS reports whether any configured component talks to AWS.
func (c *Config) NeedsAWS() bool {
	return c.CacheBackend == CacheDynamoDB || c.EnableEvents || c.EnableMetrics
}

// IsDevelopment checks if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction checks if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("750ms") or plain seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
