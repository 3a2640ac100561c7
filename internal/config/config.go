package config

import (
	"encoding/json"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const envPrefix = "PROCTORHUB_"

// Config is the process-wide settings tree
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Exam      *ExamConfig      `json:"exam"`
}

type DatabaseConfig struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

type HTTPConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	Host         string        `json:"host"`
	// AllowedOrigins is matched against the Origin header on upgrade; empty allows all
	AllowedOrigins []string `json:"allowed_origins"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `json:"ping_interval"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	BufferSize     int           `json:"buffer_size"`
	RateLimit      int           `json:"rate_limit"`
	RateLimitEvery time.Duration `json:"rate_limit_window"`
	// AdminIDs are professors that see every exam's events
	AdminIDs []string `json:"admin_ids"`
}

// ExamConfig tunes the live-session core
type ExamConfig struct {
	TickInterval      time.Duration `json:"tick_interval"`
	WarningThreshold  time.Duration `json:"warning_threshold"`
	DefaultDuration   time.Duration `json:"default_duration"`
	GracePeriod       time.Duration `json:"grace_period"`
	HeartbeatTimeout  time.Duration `json:"heartbeat_timeout"`
	SweepInterval     time.Duration `json:"sweep_interval"`
	LocalSubnet       string        `json:"local_subnet"`
	CheatStatusTypes  []string      `json:"cheat_status_types"`
	AlertBufferSize   int           `json:"alert_buffer_size"`
	HistoryLimit      int           `json:"history_limit"`
	SignalDedupWindow time.Duration `json:"signal_dedup_window"`
}

// DefaultConfig returns settings for a single exam-center deployment
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:    "./data/proctorhub.db",
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Host:         "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			PingInterval:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   5 * time.Second,
			BufferSize:     100,
			RateLimit:      100,
			RateLimitEvery: time.Minute,
		},
		Exam: &ExamConfig{
			TickInterval:      time.Second,
			WarningThreshold:  5 * time.Minute,
			DefaultDuration:   90 * time.Minute,
			GracePeriod:       5 * time.Second,
			HeartbeatTimeout:  40 * time.Second,
			SweepInterval:     10 * time.Second,
			LocalSubnet:       "192.168.1.",
			CheatStatusTypes:  []string{"tab-switch", "window-blur", "network-change", "exit-fullscreen"},
			AlertBufferSize:   50,
			HistoryLimit:      50,
			SignalDedupWindow: 3 * time.Second,
		},
	}
}

// Validate rejects configurations that would break the runtime
func (c *Config) Validate() error {
	if c.Database == nil {
		return errors.New("database configuration is required")
	}
	if c.Database.Path == "" {
		return errors.New("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return errors.New("database timeout must be positive")
	}

	if c.HTTP == nil {
		return errors.New("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return errors.New("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return errors.New("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return errors.New("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return errors.New("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return errors.New("WebSocket buffer size must be positive")
	}
	if c.WebSocket.RateLimit <= 0 || c.WebSocket.RateLimitEvery <= 0 {
		return errors.New("WebSocket rate limit and window must be positive")
	}

	return c.Exam.validate()
}

func (e *ExamConfig) validate() error {
	if e == nil {
		return errors.New("exam configuration is required")
	}
	if e.TickInterval <= 0 {
		return errors.New("exam tick interval must be positive")
	}
	if e.WarningThreshold < 0 {
		return errors.New("exam warning threshold cannot be negative")
	}
	if e.DefaultDuration <= 0 {
		return errors.New("exam default duration must be positive")
	}
	if e.GracePeriod < 0 {
		return errors.New("exam grace period cannot be negative")
	}
	if e.HeartbeatTimeout <= 0 || e.SweepInterval <= 0 {
		return errors.New("exam heartbeat timeout and sweep interval must be positive")
	}
	if strings.Contains(e.LocalSubnet, "/") {
		if _, _, err := net.ParseCIDR(e.LocalSubnet); err != nil {
			return errors.Wrapf(err, "exam local subnet %q", e.LocalSubnet)
		}
	}
	if e.AlertBufferSize <= 0 {
		return errors.New("exam alert buffer size must be positive")
	}
	if e.HistoryLimit <= 0 {
		return errors.New("exam history limit must be positive")
	}
	if e.SignalDedupWindow < 0 {
		return errors.New("exam signal dedup window cannot be negative")
	}
	return nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are ignored; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return errors.Wrapf(err, "load %s", f)
		}
	}
	return nil
}

// LoadFromEnv overrides defaults with PROCTORHUB_* variables
func LoadFromEnv() *Config {
	config := DefaultConfig()

	envString("DATABASE_PATH", &config.Database.Path)
	envDuration("DATABASE_TIMEOUT", &config.Database.Timeout)

	envInt("HTTP_PORT", &config.HTTP.Port)
	envString("HTTP_HOST", &config.HTTP.Host)
	envDuration("HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)
	envList("HTTP_ALLOWED_ORIGINS", &config.HTTP.AllowedOrigins)

	envDuration("WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	envDuration("WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	envInt("WEBSOCKET_BUFFER_SIZE", &config.WebSocket.BufferSize)
	envInt("WEBSOCKET_RATE_LIMIT", &config.WebSocket.RateLimit)
	envDuration("WEBSOCKET_RATE_LIMIT_WINDOW", &config.WebSocket.RateLimitEvery)
	envList("WEBSOCKET_ADMIN_IDS", &config.WebSocket.AdminIDs)

	envDuration("EXAM_TICK_INTERVAL", &config.Exam.TickInterval)
	envDuration("EXAM_WARNING_THRESHOLD", &config.Exam.WarningThreshold)
	envDuration("EXAM_DEFAULT_DURATION", &config.Exam.DefaultDuration)
	envDuration("EXAM_GRACE_PERIOD", &config.Exam.GracePeriod)
	envDuration("EXAM_HEARTBEAT_TIMEOUT", &config.Exam.HeartbeatTimeout)
	envDuration("EXAM_SWEEP_INTERVAL", &config.Exam.SweepInterval)
	envString("EXAM_LOCAL_SUBNET", &config.Exam.LocalSubnet)
	envList("EXAM_CHEAT_STATUS_TYPES", &config.Exam.CheatStatusTypes)
	envInt("EXAM_ALERT_BUFFER_SIZE", &config.Exam.AlertBufferSize)
	envInt("EXAM_HISTORY_LIMIT", &config.Exam.HistoryLimit)
	envDuration("EXAM_SIGNAL_DEDUP_WINDOW", &config.Exam.SignalDedupWindow)

	return config
}

func envString(key string, dst *string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envList(key string, dst *[]string) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

// ConfigFile is the JSON layout on disk; durations are strings like "90m"
type ConfigFile struct {
	Database  *DatabaseConfigFile  `json:"database"`
	HTTP      *HTTPConfigFile      `json:"http"`
	WebSocket *WebSocketConfigFile `json:"websocket"`
	Exam      *ExamConfigFile      `json:"exam"`
}

type DatabaseConfigFile struct {
	Path    string `json:"path"`
	Timeout string `json:"timeout"`
}

type HTTPConfigFile struct {
	Port           int      `json:"port"`
	ReadTimeout    string   `json:"read_timeout"`
	WriteTimeout   string   `json:"write_timeout"`
	Host           string   `json:"host"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type WebSocketConfigFile struct {
	PingInterval   string   `json:"ping_interval"`
	ReadTimeout    string   `json:"read_timeout"`
	WriteTimeout   string   `json:"write_timeout"`
	BufferSize     int      `json:"buffer_size"`
	RateLimit      int      `json:"rate_limit"`
	RateLimitEvery string   `json:"rate_limit_window"`
	AdminIDs       []string `json:"admin_ids"`
}

type ExamConfigFile struct {
	TickInterval      string   `json:"tick_interval"`
	WarningThreshold  string   `json:"warning_threshold"`
	DefaultDuration   string   `json:"default_duration"`
	GracePeriod       string   `json:"grace_period"`
	HeartbeatTimeout  string   `json:"heartbeat_timeout"`
	SweepInterval     string   `json:"sweep_interval"`
	LocalSubnet       string   `json:"local_subnet"`
	CheatStatusTypes  []string `json:"cheat_status_types"`
	AlertBufferSize   int      `json:"alert_buffer_size"`
	HistoryLimit      int      `json:"history_limit"`
	SignalDedupWindow string   `json:"signal_dedup_window"`
}

// LoadFromFile reads a JSON config file on top of the given base
func LoadFromFile(path string) (*Config, error) {
	return loadFileOnto(DefaultConfig(), path)
}

func loadFileOnto(config *Config, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config file %s", path)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(err, "parse config file %s", path)
	}

	var perr error
	parse := func(s string, dst *time.Duration) {
		if s == "" || perr != nil {
			return
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			perr = errors.Wrapf(err, "duration %q", s)
			return
		}
		*dst = d
	}
	setInt := func(n int, dst *int) {
		if n > 0 {
			*dst = n
		}
	}

	if f := file.Database; f != nil {
		if f.Path != "" {
			config.Database.Path = f.Path
		}
		parse(f.Timeout, &config.Database.Timeout)
	}
	if f := file.HTTP; f != nil {
		setInt(f.Port, &config.HTTP.Port)
		if f.Host != "" {
			config.HTTP.Host = f.Host
		}
		if f.AllowedOrigins != nil {
			config.HTTP.AllowedOrigins = f.AllowedOrigins
		}
		parse(f.ReadTimeout, &config.HTTP.ReadTimeout)
		parse(f.WriteTimeout, &config.HTTP.WriteTimeout)
	}
	if f := file.WebSocket; f != nil {
		setInt(f.BufferSize, &config.WebSocket.BufferSize)
		setInt(f.RateLimit, &config.WebSocket.RateLimit)
		parse(f.PingInterval, &config.WebSocket.PingInterval)
		parse(f.ReadTimeout, &config.WebSocket.ReadTimeout)
		parse(f.WriteTimeout, &config.WebSocket.WriteTimeout)
		parse(f.RateLimitEvery, &config.WebSocket.RateLimitEvery)
		if f.AdminIDs != nil {
			config.WebSocket.AdminIDs = f.AdminIDs
		}
	}
	if f := file.Exam; f != nil {
		parse(f.TickInterval, &config.Exam.TickInterval)
		parse(f.WarningThreshold, &config.Exam.WarningThreshold)
		parse(f.DefaultDuration, &config.Exam.DefaultDuration)
		parse(f.GracePeriod, &config.Exam.GracePeriod)
		parse(f.HeartbeatTimeout, &config.Exam.HeartbeatTimeout)
		parse(f.SweepInterval, &config.Exam.SweepInterval)
		parse(f.SignalDedupWindow, &config.Exam.SignalDedupWindow)
		if f.LocalSubnet != "" {
			config.Exam.LocalSubnet = f.LocalSubnet
		}
		if f.CheatStatusTypes != nil {
			config.Exam.CheatStatusTypes = f.CheatStatusTypes
		}
		setInt(f.AlertBufferSize, &config.Exam.AlertBufferSize)
		setInt(f.HistoryLimit, &config.Exam.HistoryLimit)
	}
	if perr != nil {
		return nil, errors.Wrapf(perr, "config file %s", path)
	}

	if err := config.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid configuration in %s", path)
	}
	return config, nil
}

// LoadConfigWithPrecedence resolves file > environment > defaults.
// A broken file is reported but environment and defaults still apply.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := LoadFromEnv()
	if path == "" {
		return config, config.Validate()
	}
	fileConfig, err := loadFileOnto(LoadFromEnv(), path)
	if err != nil {
		return config, err
	}
	return fileConfig, nil
}
