package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment variables that override file values.
const (
	EnvPort      = "PORT"
	EnvAPIToken  = "API_STATIC_TOKEN"
	EnvJWTSecret = "API_JWT_SECRET"
	EnvLogLevel  = "SESSIONRELAY_LOG_LEVEL"
	EnvLogPath   = "SESSIONRELAY_LOG_PATH"
	EnvDataDir   = "SESSIONRELAY_DATA_DIR"
	EnvRedisAddr = "REDIS_ADDR"
)

// Config store backends
const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// ServerConfig holds HTTP and websocket listener settings
type ServerConfig struct {
	Addr               string `json:"addr" toml:"addr"`
	APIToken           string `json:"api_token,omitempty" toml:"api_token"`
	JWTSecret          string `json:"jwt_secret,omitempty" toml:"jwt_secret"`
	ReadTimeoutSeconds int    `json:"read_timeout_seconds" toml:"read_timeout_seconds"`
	MaxBodyBytes       int64  `json:"max_body_bytes" toml:"max_body_bytes"`
	DebugAddr          string `json:"debug_addr,omitempty" toml:"debug_addr"` // pprof listener, off when empty
}

// StorageConfig controls where session credentials and the persisted session list live
type StorageConfig struct {
	DataDir          string `json:"data_dir" toml:"data_dir"`                     // per-session transport credentials
	SessionsFile     string `json:"sessions_file" toml:"sessions_file"`           // JSON list for the file backend
	Backend          string `json:"backend" toml:"backend"`                       // "file" or "redis"
	RedisAddr        string `json:"redis_addr,omitempty" toml:"redis_addr"`       // redis backend only
	RedisKey         string `json:"redis_key,omitempty" toml:"redis_key"`         // redis backend only
	WatchSessionFile bool   `json:"watch_sessions_file" toml:"watch_sessions_file"` // start sessions added by hand
}

// SessionConfig holds the lifecycle controller timings
type SessionConfig struct {
	LinkGraceMillis       int `json:"link_grace_ms" toml:"link_grace_ms"`
	ReconnectDelaySeconds int `json:"reconnect_delay_seconds" toml:"reconnect_delay_seconds"`
}

// QueueConfig holds the delivery queue policy
type QueueConfig struct {
	DrainIntervalSeconds int    `json:"drain_interval_seconds" toml:"drain_interval_seconds"`
	CaptionDelayMillis   int    `json:"caption_delay_ms" toml:"caption_delay_ms"`
	MaxAttempts          int    `json:"max_attempts" toml:"max_attempts"` // 0 retries forever
	Lanes                int    `json:"lanes" toml:"lanes"`
	RecipientSuffix      string `json:"recipient_suffix" toml:"recipient_suffix"`
}

// Config represents application configuration
type Config struct {
	Server   ServerConfig  `json:"server" toml:"server"`
	Storage  StorageConfig `json:"storage" toml:"storage"`
	Session  SessionConfig `json:"session" toml:"session"`
	Queue    QueueConfig   `json:"queue" toml:"queue"`
	LogLevel string        `json:"log_level" toml:"log_level"` // debug, info, warn, error, none
	LogPath  string        `json:"log_path,omitempty" toml:"log_path"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "sessionrelay")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "sessionrelay")
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, "sessionrelay")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "sessionrelay")
	}
}

// DefaultConfig returns default configuration. Relative paths resolve against the working
// directory, matching the layout of a container volume.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:               ":3000",
			ReadTimeoutSeconds: 60,
			MaxBodyBytes:       50 * 1024 * 1024,
		},
		Storage: StorageConfig{
			DataDir:      "sessions",
			SessionsFile: "sessions.config.json",
			Backend:      BackendFile,
			RedisKey:     "sessionrelay:sessions",
		},
		Session: SessionConfig{
			LinkGraceMillis:       1000,
			ReconnectDelaySeconds: 15,
		},
		Queue: QueueConfig{
			DrainIntervalSeconds: 5,
			CaptionDelayMillis:   250,
			Lanes:                1,
			RecipientSuffix:      "@s.whatsapp.net",
		},
		LogLevel: "info",
	}
}

// Load loads configuration from path. Missing files yield the defaults; ".toml" files are
// decoded as TOML, everything else as JSON. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decode(path, data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.Decode(string(data), cfg)
		return err
	}
	return json.Unmarshal(data, cfg)
}

func (c *Config) applyEnv() {
	if port := strings.TrimSpace(os.Getenv(EnvPort)); port != "" {
		c.Server.Addr = ":" + strings.TrimPrefix(port, ":")
	}
	if token := strings.TrimSpace(os.Getenv(EnvAPIToken)); token != "" {
		c.Server.APIToken = token
	}
	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		c.Server.JWTSecret = secret
	}
	if level := strings.TrimSpace(os.Getenv(EnvLogLevel)); level != "" {
		c.LogLevel = level
	}
	if path := strings.TrimSpace(os.Getenv(EnvLogPath)); path != "" {
		c.LogPath = path
	}
	if dir := strings.TrimSpace(os.Getenv(EnvDataDir)); dir != "" {
		c.Storage.DataDir = dir
	}
	if addr := strings.TrimSpace(os.Getenv(EnvRedisAddr)); addr != "" {
		c.Storage.RedisAddr = addr
		c.Storage.Backend = BackendRedis
	}
}

// fillDefaults restores defaults for fields an override file left empty.
func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = def.Server.MaxBodyBytes
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = def.Storage.DataDir
	}
	if c.Storage.SessionsFile == "" {
		c.Storage.SessionsFile = def.Storage.SessionsFile
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendFile
	}
	if c.Storage.RedisKey == "" {
		c.Storage.RedisKey = def.Storage.RedisKey
	}
	if c.Queue.Lanes <= 0 {
		c.Queue.Lanes = 1
	}
	if c.Queue.RecipientSuffix == "" {
		c.Queue.RecipientSuffix = def.Queue.RecipientSuffix
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate reports configuration values the service cannot run with
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendFile:
	case BackendRedis:
		if c.Storage.RedisAddr == "" {
			errs = append(errs, errors.New("storage.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}
	if c.Session.LinkGraceMillis < 0 || c.Session.ReconnectDelaySeconds < 0 {
		errs = append(errs, errors.New("session timings must not be negative"))
	}
	if c.Queue.DrainIntervalSeconds <= 0 {
		errs = append(errs, errors.New("queue.drain_interval_seconds must be positive"))
	}
	if c.Queue.CaptionDelayMillis < 0 || c.Queue.MaxAttempts < 0 {
		errs = append(errs, errors.New("queue values must not be negative"))
	}
	return errors.Join(errs...)
}

// LinkGrace returns the credential confirmation delay
func (c *Config) LinkGrace() time.Duration {
	return time.Duration(c.Session.LinkGraceMillis) * time.Millisecond
}

// ReconnectDelay returns the fixed reconnect backoff
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Session.ReconnectDelaySeconds) * time.Second
}

// DrainInterval returns the delivery queue tick period
func (c *Config) DrainInterval() time.Duration {
	return time.Duration(c.Queue.DrainIntervalSeconds) * time.Second
}

// CaptionDelay returns the pause between a document and its caption
func (c *Config) CaptionDelay() time.Duration {
	return time.Duration(c.Queue.CaptionDelayMillis) * time.Millisecond
}

// ReadTimeout returns the HTTP read timeout
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Server.ReadTimeoutSeconds) * time.Second
}

// LockPath returns the single-instance lock file inside the data directory
func (c *Config) LockPath() string {
	return filepath.Join(c.Storage.DataDir, "sessionrelay.lock")
}

// Save writes the configuration as indented JSON
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

// String renders a port or address for logs without exposing secrets
func (s ServerConfig) String() string {
	return "addr=" + s.Addr + " auth=" + strconv.FormatBool(s.APIToken != "" || s.JWTSecret != "")
}
