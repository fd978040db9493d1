package config

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"github.com/vlmmonitor/core/internal/logging"
)

var log = logging.L("config")

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validMediaModes = map[string]bool{
	"image": true,
	"video": true,
}

var validDispatchModes = map[string]bool{
	"sync":  true,
	"async": true,
}

var validSentryTriggers = map[SentryTrigger]bool{
	SentryTriggerAlways:     true,
	SentryTriggerOnQuestion: true,
	SentryTriggerOnKeyword:  true,
}

// ValidationResult separates fatal configuration errors (which block
// startup) from warnings (which are logged and auto-corrected).
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

// AllErrors returns fatals followed by warnings, for callers that want
// a single flat list.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

// ValidateTiered checks the config and splits errors into fatals
// (bad URLs, control characters, unusable values) and warnings
// (out-of-range values, which are clamped to a safe default in place
// so the process can still start).
func (c *Config) ValidateTiered() ValidationResult {
	var result ValidationResult

	if c.StreamHost == "" {
		result.Fatals = append(result.Fatals, fmt.Errorf("stream_host must not be empty"))
	}
	if c.StreamPort <= 0 || c.StreamPort > 65535 {
		result.Fatals = append(result.Fatals, fmt.Errorf("stream_port %d is out of range", c.StreamPort))
	}

	if c.VLMBaseURL != "" {
		u, err := url.Parse(c.VLMBaseURL)
		if err != nil {
			result.Fatals = append(result.Fatals, fmt.Errorf("vlm_base_url %q is not a valid URL: %w", c.VLMBaseURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			result.Fatals = append(result.Fatals, fmt.Errorf("vlm_base_url scheme must be http or https, got %q", u.Scheme))
		}
	}

	if c.MCPEnabled && c.MCPBaseURL != "" {
		u, err := url.Parse(c.MCPBaseURL)
		if err != nil {
			result.Fatals = append(result.Fatals, fmt.Errorf("mcp_base_url %q is not a valid URL: %w", c.MCPBaseURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			result.Fatals = append(result.Fatals, fmt.Errorf("mcp_base_url scheme must be http or https, got %q", u.Scheme))
		}
	}

	for _, r := range c.VLMAPIKey {
		if unicode.IsControl(r) {
			result.Fatals = append(result.Fatals, fmt.Errorf("vlm_api_key contains control characters"))
			break
		}
	}

	if c.MediaMode != "" && !validMediaModes[strings.ToLower(c.MediaMode)] {
		result.Fatals = append(result.Fatals, fmt.Errorf("media_mode %q must be image or video", c.MediaMode))
	}

	if c.DispatchMode != "" && !validDispatchModes[strings.ToLower(c.DispatchMode)] {
		result.Fatals = append(result.Fatals, fmt.Errorf("dispatch_mode %q must be sync or async", c.DispatchMode))
	}

	if c.SentryMCPTrigger != "" && !validSentryTriggers[c.SentryMCPTrigger] {
		result.Fatals = append(result.Fatals, fmt.Errorf("sentry_mcp_trigger %q is not a recognized trigger", c.SentryMCPTrigger))
	}

	// Clamp out-of-range values to a safe default rather than refusing to start.
	if c.MaxConcurrentVLM < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("max_concurrent_vlm %d is below minimum 1, clamping", c.MaxConcurrentVLM))
		c.MaxConcurrentVLM = 1
	} else if c.MaxConcurrentVLM > 64 {
		result.Warnings = append(result.Warnings, fmt.Errorf("max_concurrent_vlm %d exceeds maximum 64, clamping", c.MaxConcurrentVLM))
		c.MaxConcurrentVLM = 64
	}

	if c.ResizeWidth < 0 {
		result.Warnings = append(result.Warnings, fmt.Errorf("resize_width %d is negative, disabling resize", c.ResizeWidth))
		c.ResizeWidth = 0
	}
	if c.ResizeHeight < 0 {
		result.Warnings = append(result.Warnings, fmt.Errorf("resize_height %d is negative, disabling resize", c.ResizeHeight))
		c.ResizeHeight = 0
	}

	if c.JPEGQuality < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("jpeg_quality %d is below minimum 1, clamping", c.JPEGQuality))
		c.JPEGQuality = 1
	} else if c.JPEGQuality > 100 {
		result.Warnings = append(result.Warnings, fmt.Errorf("jpeg_quality %d exceeds maximum 100, clamping", c.JPEGQuality))
		c.JPEGQuality = 100
	}

	if c.VideoSampleRateFPS <= 0 {
		result.Warnings = append(result.Warnings, fmt.Errorf("video_sample_rate_fps %v is non-positive, clamping to 1", c.VideoSampleRateFPS))
		c.VideoSampleRateFPS = 1
	}

	if c.VideoTargetSeconds < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("video_target_seconds %d is below minimum 1, clamping", c.VideoTargetSeconds))
		c.VideoTargetSeconds = 1
	}

	if c.TTSMaxRetries < 0 {
		result.Warnings = append(result.Warnings, fmt.Errorf("tts_max_retries %d is negative, clamping to 0", c.TTSMaxRetries))
		c.TTSMaxRetries = 0
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	return result
}
