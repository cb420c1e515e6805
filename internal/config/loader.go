package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "ANROLL"

// Load reads the JSON config at path, overlays ANROLL_* environment
// variables and applies sanitising, defaults and validation. A missing file
// yields the defaults (still subject to environment overrides).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	registerKeys(v)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to open config file '%s': %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.sanitize()
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// registerKeys seeds viper with the defaults so AutomaticEnv can override
// keys that are absent from the file.
func registerKeys(v *viper.Viper) {
	d := Default()
	v.SetDefault("backend.address", d.Backend.Address)
	v.SetDefault("backend.retry_delay", d.Backend.RetryDelay)
	v.SetDefault("backend.handshake_timeout", d.Backend.HandshakeTimeout)
	v.SetDefault("backend.send_rate_limit", d.Backend.SendRateLimit)
	v.SetDefault("backend.send_rate_burst", d.Backend.SendRateBurst)
	v.SetDefault("queue.capacity", d.Queue.Capacity)
	v.SetDefault("queue.max_capacity", d.Queue.MaxCapacity)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.web_files_dir", d.Server.WebFilesDir)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", d.MQTT.Broker)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", d.MQTT.ClientID)
	v.SetDefault("mqtt.topic_prefix", d.MQTT.TopicPrefix)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.pretty", false)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("video.fps", d.Video.FPS)
	v.SetDefault("video.ffmpeg_path", d.Video.FFmpegPath)
	v.SetDefault("video.work_dir", d.Video.WorkDir)
	v.SetDefault("scripts_dir", d.ScriptsDir)
	v.SetDefault("schedules_file", d.SchedulesFile)
	v.SetDefault("project_file", "")
	v.SetDefault("export_dir", d.ExportDir)
}
