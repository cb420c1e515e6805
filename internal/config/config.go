package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// BackendConfig - connection to the AnRoll compute backend
type BackendConfig struct {
	Address          string  `json:"address" mapstructure:"address"` // host:port, no scheme
	RetryDelay       string  `json:"retry_delay" mapstructure:"retry_delay"`
	HandshakeTimeout string  `json:"handshake_timeout" mapstructure:"handshake_timeout"`
	SendRateLimit    float64 `json:"send_rate_limit" mapstructure:"send_rate_limit"`
	SendRateBurst    int     `json:"send_rate_burst" mapstructure:"send_rate_burst"`
}

// QueueConfig - outbound command buffer
type QueueConfig struct {
	Capacity    int `json:"capacity" mapstructure:"capacity"`
	MaxCapacity int `json:"max_capacity" mapstructure:"max_capacity"`
}

// ServerConfig - local HTTP/WebSocket control surface
type ServerConfig struct {
	Port           string   `json:"port" mapstructure:"port"`
	WebFilesDir    string   `json:"web_files_dir" mapstructure:"web_files_dir"`
	AllowedOrigins []string `json:"allowed_origins" mapstructure:"allowed_origins"`
}

// MQTTConfig - optional broker bridge
type MQTTConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	Broker      string `json:"broker" mapstructure:"broker"` // tcp://IP:PORT
	Username    string `json:"username" mapstructure:"username"`
	Password    string `json:"password" mapstructure:"password"`
	ClientID    string `json:"client_id" mapstructure:"client_id"`
	TopicPrefix string `json:"topic_prefix" mapstructure:"topic_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	File   string `json:"file" mapstructure:"file"`
	Pretty bool   `json:"pretty" mapstructure:"pretty"`
}

// MetricsConfig toggles the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// VideoConfig - frame sequence export
type VideoConfig struct {
	FPS        int    `json:"fps" mapstructure:"fps"`
	FFmpegPath string `json:"ffmpeg_path" mapstructure:"ffmpeg_path"`
	WorkDir    string `json:"work_dir" mapstructure:"work_dir"`
}

// Config - root configuration
type Config struct {
	Backend BackendConfig `json:"backend" mapstructure:"backend"`
	Queue   QueueConfig   `json:"queue" mapstructure:"queue"`
	Server  ServerConfig  `json:"server" mapstructure:"server"`
	MQTT    MQTTConfig    `json:"mqtt" mapstructure:"mqtt"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
	Video   VideoConfig   `json:"video" mapstructure:"video"`

	// File system settings
	ScriptsDir    string `json:"scripts_dir" mapstructure:"scripts_dir"`
	SchedulesFile string `json:"schedules_file" mapstructure:"schedules_file"`
	ProjectFile   string `json:"project_file" mapstructure:"project_file"`
	ExportDir     string `json:"export_dir" mapstructure:"export_dir"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	cfg.setDefaults()
	return cfg
}

// String returns an indented JSON rendering with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.MQTT.Password != "" {
		masked.MQTT.Password = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// RetryDelay returns the parsed reconnect delay.
func (c *Config) RetryDelay() time.Duration {
	return parseDuration(c.Backend.RetryDelay, time.Second)
}

// HandshakeTimeout returns the parsed dial handshake timeout.
func (c *Config) HandshakeTimeout() time.Duration {
	return parseDuration(c.Backend.HandshakeTimeout, 5*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func (c *Config) sanitize() {
	c.Backend.Address = strings.TrimSpace(c.Backend.Address)
	c.Backend.Address = strings.TrimPrefix(c.Backend.Address, "ws://")
	c.Server.Port = strings.TrimSpace(c.Server.Port)
	c.Server.WebFilesDir = strings.TrimSpace(c.Server.WebFilesDir)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.ScriptsDir = strings.TrimSpace(c.ScriptsDir)
	c.SchedulesFile = strings.TrimSpace(c.SchedulesFile)
	c.ProjectFile = strings.TrimSpace(c.ProjectFile)
	c.ExportDir = strings.TrimSpace(c.ExportDir)
}

func (c *Config) setDefaults() {
	// Backend Defaults
	if c.Backend.Address == "" {
		c.Backend.Address = "localhost:57777"
	}
	if c.Backend.RetryDelay == "" {
		c.Backend.RetryDelay = "1s"
	}
	if c.Backend.HandshakeTimeout == "" {
		c.Backend.HandshakeTimeout = "5s"
	}
	if c.Backend.SendRateLimit == 0 {
		c.Backend.SendRateLimit = 50.0
	}
	if c.Backend.SendRateBurst <= 0 {
		c.Backend.SendRateBurst = 10
	}

	// Queue Defaults
	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = 1
	}
	if c.Queue.MaxCapacity == 0 {
		c.Queue.MaxCapacity = 100
	}

	// Server Defaults
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.WebFilesDir == "" {
		c.Server.WebFilesDir = "./web"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:8080"}
	}

	// MQTT Defaults
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "tcp://localhost:1883"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "anroll-controller"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "anroll"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Video.FPS == 0 {
		c.Video.FPS = 24
	}
	if c.Video.FFmpegPath == "" {
		c.Video.FFmpegPath = "ffmpeg"
	}

	// File Defaults
	if c.ScriptsDir == "" {
		c.ScriptsDir = "scripts"
	}
	if c.SchedulesFile == "" {
		c.SchedulesFile = "schedules.json"
	}
	if c.ExportDir == "" {
		c.ExportDir = "exports"
	}
	if c.Video.WorkDir == "" {
		c.Video.WorkDir = c.ExportDir + "/frames"
	}
}

func (c *Config) validate() error {
	if c.Backend.SendRateLimit <= 0 {
		return fmt.Errorf("config error: 'backend.send_rate_limit' must be positive")
	}
	if c.Queue.MaxCapacity < 1 {
		return fmt.Errorf("config error: 'queue.max_capacity' must be at least 1")
	}
	if c.Queue.Capacity < 1 || c.Queue.Capacity > c.Queue.MaxCapacity {
		return fmt.Errorf("config error: 'queue.capacity' must be within [1, %d], got %d", c.Queue.MaxCapacity, c.Queue.Capacity)
	}
	if c.Video.FPS < 0 {
		return fmt.Errorf("config error: 'video.fps' must be positive")
	}
	for _, d := range []struct{ key, value string }{
		{"backend.retry_delay", c.Backend.RetryDelay},
		{"backend.handshake_timeout", c.Backend.HandshakeTimeout},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("config error: '%s' is not a duration: %w", d.key, err)
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config error: invalid log level %q (must be one of: debug, info, warn, error)", c.Logging.Level)
	}
	return nil
}
