package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Token      TokenConfig      `yaml:"token"`
	Evidence   EvidenceConfig   `yaml:"evidence"`
	Auth       AuthConfig       `yaml:"auth"`
	Push       PushConfig       `yaml:"push"`
	Hooks      HooksConfig      `yaml:"hooks"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Agent      AgentConfig      `yaml:"agent"`
}

// WorkerPoolConfig holds the configuration for the post-transition hook worker pool.
type WorkerPoolConfig struct {
	Size              int           `yaml:"size"`
	JobTimeoutSeconds int           `yaml:"job_timeout_seconds"`
	JobTimeout        time.Duration `yaml:"-"`
}

// HooksConfig points the arrival hooks at external webhooks. An empty URL
// disables that hook.
type HooksConfig struct {
	PaymentCaptureURL string        `yaml:"payment_capture_url"`
	DoorOpenURL       string        `yaml:"door_open_url"`
	TimeoutSeconds    int           `yaml:"timeout_seconds"`
	Timeout           time.Duration `yaml:"-"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey      string        `yaml:"vapid_public_key"`
	PrivateKey     string        `yaml:"vapid_private_key"`
	Subject        string        `yaml:"subject"`
	TTL            int           `yaml:"ttl"`
	TimeoutSeconds int           `yaml:"timeout_seconds"`
	Timeout        time.Duration `yaml:"-"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // "postgres" or "sqlite"
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// TokenConfig controls credential signing and lifetimes.
type TokenConfig struct {
	Secret            string        `yaml:"secret"`
	ArrivalTTLHours   int           `yaml:"arrival_ttl_hours"`
	DepartureTTLHours int           `yaml:"departure_ttl_hours"`
	ArrivalTTL        time.Duration `yaml:"-"`
	DepartureTTL      time.Duration `yaml:"-"`
}

// EvidenceConfig is the photo evidence policy.
type EvidenceConfig struct {
	MinItems           int           `yaml:"min_items"`
	MaxItems           int           `yaml:"max_items"`
	MaxSizeBytes       int64         `yaml:"max_size_bytes"`
	AllowedTypes       []string      `yaml:"allowed_types"`
	RetentionDays      int           `yaml:"retention_days"`
	PruneIntervalHours int           `yaml:"prune_interval_hours"`
	UploadDir          string        `yaml:"upload_dir"`
	Retention          time.Duration `yaml:"-"`
	PruneInterval      time.Duration `yaml:"-"`
}

// AuthConfig holds the bearer token verification secret.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// AgentConfig configures the device-side synchronizer.
type AgentConfig struct {
	ServerURL             string        `yaml:"server_url"`
	BearerToken           string        `yaml:"bearer_token"`
	SubjectID             string        `yaml:"subject_id"`
	QueuePath             string        `yaml:"queue_path"`
	FlushIntervalSeconds  int           `yaml:"flush_interval_seconds"`
	RequestTimeoutSeconds int           `yaml:"request_timeout_seconds"`
	MaxAttempts           int           `yaml:"max_attempts"`
	FlushInterval         time.Duration `yaml:"-"`
	RequestTimeout        time.Duration `yaml:"-"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if v := os.Getenv("CHECKIN_TOKEN_SECRET"); v != "" {
		cfg.Token.Secret = v
	}
	if v := os.Getenv("CHECKIN_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills unset fields and derives the duration fields.
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 5
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}

	if cfg.Token.ArrivalTTLHours <= 0 {
		cfg.Token.ArrivalTTLHours = 48
	}
	if cfg.Token.DepartureTTLHours <= 0 {
		cfg.Token.DepartureTTLHours = 24
	}
	cfg.Token.ArrivalTTL = time.Duration(cfg.Token.ArrivalTTLHours) * time.Hour
	cfg.Token.DepartureTTL = time.Duration(cfg.Token.DepartureTTLHours) * time.Hour

	if cfg.Evidence.MinItems <= 0 {
		cfg.Evidence.MinItems = 2
	}
	if cfg.Evidence.MaxItems <= 0 {
		cfg.Evidence.MaxItems = 5
	}
	if cfg.Evidence.MaxItems < cfg.Evidence.MinItems {
		log.Printf("evidence.max_items (%d) is below min_items (%d); raising it", cfg.Evidence.MaxItems, cfg.Evidence.MinItems)
		cfg.Evidence.MaxItems = cfg.Evidence.MinItems
	}
	if cfg.Evidence.MaxSizeBytes <= 0 {
		cfg.Evidence.MaxSizeBytes = 5 * 1024 * 1024
	}
	if len(cfg.Evidence.AllowedTypes) == 0 {
		cfg.Evidence.AllowedTypes = []string{"image/jpeg", "image/png"}
	}
	if cfg.Evidence.RetentionDays <= 0 {
		cfg.Evidence.RetentionDays = 90
	}
	if cfg.Evidence.PruneIntervalHours <= 0 {
		cfg.Evidence.PruneIntervalHours = 6
	}
	if cfg.Evidence.UploadDir == "" {
		cfg.Evidence.UploadDir = "./uploads/checkin-photos"
	}
	cfg.Evidence.Retention = time.Duration(cfg.Evidence.RetentionDays) * 24 * time.Hour
	cfg.Evidence.PruneInterval = time.Duration(cfg.Evidence.PruneIntervalHours) * time.Hour

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}
	if cfg.Push.TimeoutSeconds <= 0 {
		cfg.Push.TimeoutSeconds = 10
	}
	cfg.Push.Timeout = time.Duration(cfg.Push.TimeoutSeconds) * time.Second

	if cfg.Hooks.TimeoutSeconds <= 0 {
		cfg.Hooks.TimeoutSeconds = 10
	}
	cfg.Hooks.Timeout = time.Duration(cfg.Hooks.TimeoutSeconds) * time.Second

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}
	if cfg.WorkerPool.JobTimeoutSeconds <= 0 {
		cfg.WorkerPool.JobTimeoutSeconds = 30
	}
	cfg.WorkerPool.JobTimeout = time.Duration(cfg.WorkerPool.JobTimeoutSeconds) * time.Second

	if cfg.Agent.QueuePath == "" {
		cfg.Agent.QueuePath = "./data/pending.db"
	}
	if cfg.Agent.FlushIntervalSeconds <= 0 {
		cfg.Agent.FlushIntervalSeconds = 30
	}
	if cfg.Agent.RequestTimeoutSeconds <= 0 {
		cfg.Agent.RequestTimeoutSeconds = 30
	}
	if cfg.Agent.MaxAttempts <= 0 {
		cfg.Agent.MaxAttempts = 20
	}
	cfg.Agent.FlushInterval = time.Duration(cfg.Agent.FlushIntervalSeconds) * time.Second
	cfg.Agent.RequestTimeout = time.Duration(cfg.Agent.RequestTimeoutSeconds) * time.Second
}
