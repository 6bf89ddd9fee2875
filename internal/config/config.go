package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	LogFormat  string           `json:"log_format" yaml:"log_format"`
	API        APIConfig        `json:"api" yaml:"api"`
	Auth       AuthConfig       `json:"auth" yaml:"auth"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Bus        BusConfig        `json:"bus" yaml:"bus"`
	Relay      RelayConfig      `json:"relay" yaml:"relay"`
	TrustCache TrustCacheConfig `json:"trust_cache" yaml:"trust_cache"`
	Scoring    ScoringConfig    `json:"scoring" yaml:"scoring"`
	Worker     WorkerConfig     `json:"worker" yaml:"worker"`
	Dispatch   DispatchConfig   `json:"dispatch" yaml:"dispatch"`
	Audit      AuditConfig      `json:"audit" yaml:"audit"`
}

type APIConfig struct {
	Addr         string        `json:"addr" yaml:"addr"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	ReadLimit    int64         `json:"read_limit" yaml:"read_limit"`
}

type AuthConfig struct {
	Enabled   bool          `json:"enabled" yaml:"enabled"`
	Secret    string        `json:"secret" yaml:"secret"`
	Algorithm string        `json:"algorithm" yaml:"algorithm"`
	TokenTTL  time.Duration `json:"token_ttl" yaml:"token_ttl"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type BusConfig struct {
	Driver      string      `json:"driver" yaml:"driver"`
	Channel     string      `json:"channel" yaml:"channel"`
	RedisURL    string      `json:"redis_url" yaml:"redis_url"`
	PostgresDSN string      `json:"postgres_dsn" yaml:"postgres_dsn"`
	Kafka       KafkaConfig `json:"kafka" yaml:"kafka"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type RelayConfig struct {
	PollTimeout  time.Duration `json:"poll_timeout" yaml:"poll_timeout"`
	MaxRetries   int           `json:"max_retries" yaml:"max_retries"`
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff"`
	MaxBackoff   time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

type TrustCacheConfig struct {
	Driver       string        `json:"driver" yaml:"driver"`
	RedisURL     string        `json:"redis_url" yaml:"redis_url"`
	KeyPrefix    string        `json:"key_prefix" yaml:"key_prefix"`
	DefaultScore int           `json:"default_score" yaml:"default_score"`
	TTL          time.Duration `json:"ttl" yaml:"ttl"`
}

type ScoringConfig struct {
	KillThreshold    int `json:"kill_threshold" yaml:"kill_threshold"`
	HighThreshold    int `json:"high_threshold" yaml:"high_threshold"`
	VerdictThreshold int `json:"verdict_threshold" yaml:"verdict_threshold"`
}

type WorkerConfig struct {
	Concurrency       int           `json:"concurrency" yaml:"concurrency"`
	QueueSize         int           `json:"queue_size" yaml:"queue_size"`
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts"`
	RetryBackoff      time.Duration `json:"retry_backoff" yaml:"retry_backoff"`
	CacheWriteThrough bool          `json:"cache_write_through" yaml:"cache_write_through"`
}

type DispatchConfig struct {
	Driver string      `json:"driver" yaml:"driver"`
	Kafka  KafkaConfig `json:"kafka" yaml:"kafka"`
}

type AuditConfig struct {
	QueryLimit int `json:"query_limit" yaml:"query_limit"`
}

const (
	EnvJWTSecret   = "BLOCKREMOTE_JWT_SECRET"
	EnvDatabaseURL = "BLOCKREMOTE_DATABASE_URL"
	EnvRedisURL    = "BLOCKREMOTE_REDIS_URL"
)

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		API:       APIConfig{Addr: ":8000", WriteTimeout: 5 * time.Second, ReadLimit: 4096},
		Auth:      AuthConfig{Enabled: true, Algorithm: "HS256", TokenTTL: 60 * time.Minute},
		Storage:   StorageConfig{Driver: "sqlite", DSN: "file:blockremote.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"},
		Bus: BusConfig{
			Driver:   "redis",
			Channel:  "kill-switch",
			RedisURL: "redis://localhost:6379/0",
			Kafka:    KafkaConfig{Topic: "kill-switch"},
		},
		Relay: RelayConfig{
			PollTimeout:  1 * time.Second,
			MaxRetries:   5,
			RetryBackoff: 200 * time.Millisecond,
			MaxBackoff:   10 * time.Second,
		},
		TrustCache: TrustCacheConfig{
			Driver:       "redis",
			RedisURL:     "redis://localhost:6379/0",
			KeyPrefix:    "device:",
			DefaultScore: 80,
			TTL:          15 * time.Minute,
		},
		Scoring: ScoringConfig{KillThreshold: 40, HighThreshold: 20, VerdictThreshold: 50},
		Worker: WorkerConfig{
			Concurrency:       4,
			QueueSize:         1024,
			MaxAttempts:       3,
			RetryBackoff:      500 * time.Millisecond,
			CacheWriteThrough: true,
		},
		Dispatch: DispatchConfig{
			Driver: "local",
			Kafka:  KafkaConfig{Topic: "analyze_signal", GroupID: "blockremote-workers"},
		},
		Audit: AuditConfig{QueryLimit: 200},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault falls back to defaults (plus environment overrides) when path is empty.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		cfg := DefaultConfig()
		applyEnv(cfg)
		applyDefaults(cfg)
		return cfg, Validate(cfg)
	}
	return Load(path)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvJWTSecret); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		cfg.Storage.DSN = v
		if strings.HasPrefix(v, "postgres") {
			cfg.Storage.Driver = "postgres"
		}
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		cfg.Bus.RedisURL = v
		cfg.TrustCache.RedisURL = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Bus.Channel == "" {
		cfg.Bus.Channel = "kill-switch"
	}
	if cfg.Bus.Kafka.Topic == "" {
		cfg.Bus.Kafka.Topic = cfg.Bus.Channel
	}
	if cfg.Bus.PostgresDSN == "" && isPostgres(cfg.Storage.Driver) {
		cfg.Bus.PostgresDSN = cfg.Storage.DSN
	}
	if cfg.Relay.PollTimeout <= 0 {
		cfg.Relay.PollTimeout = 1 * time.Second
	}
	if cfg.Relay.RetryBackoff <= 0 {
		cfg.Relay.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.Relay.MaxBackoff < cfg.Relay.RetryBackoff {
		cfg.Relay.MaxBackoff = cfg.Relay.RetryBackoff
	}
	if cfg.TrustCache.KeyPrefix == "" {
		cfg.TrustCache.KeyPrefix = "device:"
	}
	if cfg.TrustCache.DefaultScore <= 0 {
		cfg.TrustCache.DefaultScore = 80
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 4
	}
	if cfg.Worker.QueueSize <= 0 {
		cfg.Worker.QueueSize = 1024
	}
	if cfg.Worker.MaxAttempts <= 0 {
		cfg.Worker.MaxAttempts = 1
	}
	if cfg.Audit.QueryLimit <= 0 || cfg.Audit.QueryLimit > 200 {
		cfg.Audit.QueryLimit = 200
	}
	if cfg.API.ReadLimit <= 0 {
		cfg.API.ReadLimit = 4096
	}
	if cfg.Auth.Algorithm == "" {
		cfg.Auth.Algorithm = "HS256"
	}
}

func isPostgres(driver string) bool {
	d := strings.ToLower(driver)
	return d == "postgres" || d == "postgresql"
}

func Validate(cfg *Config) error {
	if cfg.API.Addr == "" {
		return errors.New("api.addr required")
	}
	if cfg.Auth.Enabled && cfg.Auth.Secret == "" {
		return fmt.Errorf("auth.secret required when auth.enabled is true (or set %s)", EnvJWTSecret)
	}
	switch strings.ToLower(cfg.Bus.Driver) {
	case "memory":
	case "redis":
		if cfg.Bus.RedisURL == "" {
			return errors.New("bus.redis_url required for redis bus")
		}
	case "postgres", "postgresql":
		if cfg.Bus.PostgresDSN == "" {
			return errors.New("bus.postgres_dsn required for postgres bus")
		}
	case "kafka":
		if len(cfg.Bus.Kafka.Brokers) == 0 {
			return errors.New("bus.kafka.brokers required for kafka bus")
		}
	default:
		return fmt.Errorf("unsupported bus.driver: %q", cfg.Bus.Driver)
	}
	switch strings.ToLower(cfg.TrustCache.Driver) {
	case "memory":
	case "redis":
		if cfg.TrustCache.RedisURL == "" {
			return errors.New("trust_cache.redis_url required for redis cache")
		}
	default:
		return fmt.Errorf("unsupported trust_cache.driver: %q", cfg.TrustCache.Driver)
	}
	switch strings.ToLower(cfg.Dispatch.Driver) {
	case "", "local":
	case "kafka":
		k := cfg.Dispatch.Kafka
		if len(k.Brokers) == 0 || k.Topic == "" || k.GroupID == "" {
			return errors.New("dispatch.kafka requires brokers, topic, group_id")
		}
	default:
		return fmt.Errorf("unsupported dispatch.driver: %q", cfg.Dispatch.Driver)
	}
	s := cfg.Scoring
	if s.HighThreshold < 0 || s.KillThreshold > 100 || s.HighThreshold > s.KillThreshold {
		return errors.New("scoring thresholds must satisfy 0 <= high_threshold <= kill_threshold <= 100")
	}
	if s.VerdictThreshold < 0 || s.VerdictThreshold > 100 {
		return errors.New("scoring.verdict_threshold must be within 0..100")
	}
	if cfg.Relay.MaxRetries < 0 {
		return errors.New("relay.max_retries must be >= 0")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	mu      sync.Mutex
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	if path != "" {
		if info, err := os.Stat(path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	return m, nil
}

// NewStaticManager wraps an already-built config; Reload and Watch are no-ops.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.mu.Lock()
		m.modTime = info.ModTime()
		m.mu.Unlock()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if m.path == "" {
		return
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
