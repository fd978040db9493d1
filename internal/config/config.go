package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// SentryTrigger selects when the MCP control bridge is consulted
// during sentry mode.
type SentryTrigger string

const (
	SentryTriggerAlways     SentryTrigger = "always"
	SentryTriggerOnQuestion SentryTrigger = "on_question"
	SentryTriggerOnKeyword  SentryTrigger = "on_keyword"
)

// Config is the full process configuration, loaded via viper from a
// YAML file with VLMMON_-prefixed environment overrides.
type Config struct {
	// Ingest (component A): where the upstream frame stream is dialed.
	StreamHost           string        `mapstructure:"stream_host"`
	StreamPort           int           `mapstructure:"stream_port"`
	StreamProtocol       string        `mapstructure:"stream_protocol"` // "fram" (default)
	ReconnectMinBackoff  time.Duration `mapstructure:"reconnect_min_backoff"`
	ReconnectMaxBackoff  time.Duration `mapstructure:"reconnect_max_backoff"`

	// Session / output.
	OutputDir string `mapstructure:"output_dir"`

	// Media packaging (component C).
	MediaMode          string  `mapstructure:"media_mode"` // "image" or "video"
	ResizeWidth        int     `mapstructure:"resize_width"`
	ResizeHeight       int     `mapstructure:"resize_height"`
	VideoSampleRateFPS float64 `mapstructure:"video_sample_rate_fps"`
	VideoTargetSeconds int     `mapstructure:"video_target_seconds"`
	JPEGQuality        int     `mapstructure:"jpeg_quality"`

	// Inference scheduling (component D).
	DispatchMode     string        `mapstructure:"dispatch_mode"` // "sync" or "async"
	MaxConcurrentVLM int           `mapstructure:"max_concurrent_vlm"`
	InferenceTimeout time.Duration `mapstructure:"inference_timeout"`

	// VLM client (component E).
	VLMBaseURL string `mapstructure:"vlm_base_url"`
	VLMAPIKey  string `mapstructure:"vlm_api_key"`
	VLMModel   string `mapstructure:"vlm_model"`

	// MCP control bridge (component F).
	MCPEnabled       bool          `mapstructure:"mcp_enabled"`
	MCPBaseURL       string        `mapstructure:"mcp_base_url"`
	MCPCallTimeout   time.Duration `mapstructure:"mcp_call_timeout"`
	SentryMCPTrigger SentryTrigger `mapstructure:"sentry_mcp_trigger"`
	SentryKeywords   []string      `mapstructure:"sentry_keywords"`

	// Delivery surface (component H).
	HTTPListenAddr string `mapstructure:"http_listen_addr"`
	WSPath         string `mapstructure:"ws_path"`

	// Ancillary services (component I).
	ASREnabled      bool          `mapstructure:"asr_enabled"`
	ASRListenAddr   string        `mapstructure:"asr_listen_addr"`
	TTSEnabled      bool          `mapstructure:"tts_enabled"`
	TTSBaseURL      string        `mapstructure:"tts_base_url"`
	TTSEndpoint     string        `mapstructure:"tts_endpoint"`
	TTSCallTimeout  time.Duration `mapstructure:"tts_call_timeout"`
	TTSMaxRetries   int           `mapstructure:"tts_max_retries"`
	UserQuestionTTL time.Duration `mapstructure:"user_question_ttl"`

	// Logging / ambient.
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`
}

func Default() *Config {
	return &Config{
		StreamHost:          "127.0.0.1",
		StreamPort:          9999,
		StreamProtocol:      "fram",
		ReconnectMinBackoff: time.Second,
		ReconnectMaxBackoff: 30 * time.Second,

		OutputDir: "./sessions",

		MediaMode:          "image",
		ResizeWidth:        640,
		ResizeHeight:       360,
		VideoSampleRateFPS: 2,
		VideoTargetSeconds: 10,
		JPEGQuality:        85,

		DispatchMode:     "sync",
		MaxConcurrentVLM: 2,
		InferenceTimeout: 30 * time.Second,

		VLMModel: "gpt-4o-mini",

		MCPEnabled:       false,
		MCPCallTimeout:   10 * time.Second,
		SentryMCPTrigger: SentryTriggerOnQuestion,

		HTTPListenAddr: ":8080",
		WSPath:         "/ws",

		ASREnabled:      false,
		ASRListenAddr:   ":8081",
		TTSEnabled:      false,
		TTSEndpoint:     "/speak",
		TTSCallTimeout:  10 * time.Second,
		TTSMaxRetries:   3,
		UserQuestionTTL: 2 * time.Minute,

		LogLevel:  "info",
		LogFormat: "text",
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("vlmmonitor")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("VLMMON")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("stream_host", cfg.StreamHost)
	viper.Set("stream_port", cfg.StreamPort)
	viper.Set("output_dir", cfg.OutputDir)
	viper.Set("media_mode", cfg.MediaMode)
	viper.Set("vlm_base_url", cfg.VLMBaseURL)
	viper.Set("vlm_model", cfg.VLMModel)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "vlmmonitor.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Contains the VLM API key; restrict to owner-only access.
	return os.Chmod(cfgPath, 0600)
}

// GetDataDir returns the platform-specific data directory for output
// when the user has not set output_dir explicitly.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "VLMMonitor", "data")
	case "darwin":
		return "/Library/Application Support/VLMMonitor/data"
	default:
		return "/var/lib/vlmmonitor"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "VLMMonitor")
	case "darwin":
		return "/Library/Application Support/VLMMonitor"
	default:
		return "/etc/vlmmonitor"
	}
}
