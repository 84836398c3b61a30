// Package config loads and validates the application configuration from an
// optional YAML file, VOICETYPE_* environment variables, and built-in
// defaults, in that order of increasing precedence for env over file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Audio    AudioConfig    `mapstructure:"audio"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Typer    TyperConfig    `mapstructure:"typer"`
	Server   ServerConfig   `mapstructure:"server"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Notify   bool           `mapstructure:"notify"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AudioConfig describes the capture stream. A 16 kHz mono stream in
// half-second frames matches what whisper models expect.
type AudioConfig struct {
	SampleRate int `mapstructure:"sample_rate"`
	FrameSize  int `mapstructure:"frame_size"`
}

// PipelineConfig carries the controller tunables.
type PipelineConfig struct {
	Model                string        `mapstructure:"model"`
	Language             string        `mapstructure:"language"`
	InitialPrompt        string        `mapstructure:"initial_prompt"`
	HighAccuracy         bool          `mapstructure:"high_accuracy"`
	NoiseReduction       bool          `mapstructure:"noise_reduction"`
	VAD                  bool          `mapstructure:"vad"`
	AutoType             bool          `mapstructure:"auto_type"`
	ContextSize          int           `mapstructure:"context_size"`
	SensitivityThreshold float64       `mapstructure:"sensitivity_threshold"`
	BufferMaxFrames      int           `mapstructure:"buffer_max_frames"`
	MaxSilenceFrames     int           `mapstructure:"max_silence_frames"`
	TypeDelay            time.Duration `mapstructure:"type_delay"`
	APIKey               string        `mapstructure:"api_key"`
}

type TyperConfig struct {
	Mode string `mapstructure:"mode"` // keyboard, file, none
	Path string `mapstructure:"path"` // output file for mode=file
}

type ServerConfig struct {
	EventsAddr string `mapstructure:"events_addr"`
	MCP        bool   `mapstructure:"mcp"`
}

type SessionsConfig struct {
	ExportDir string `mapstructure:"export_dir"`
}

// validLanguageCodes are the language codes whisper models accept, plus the
// auto-detect sentinel.
var validLanguageCodes = map[string]struct{}{}

func init() {
	codes := []string{
		"auto",
		"af", "am", "ar", "as", "az", "ba", "be", "bg", "bn", "bo", "br", "bs", "ca", "cs", "cy",
		"da", "de", "el", "en", "es", "et", "eu", "fa", "fi", "fo", "fr", "gl", "gu", "ha", "haw",
		"he", "hi", "hr", "ht", "hu", "hy", "id", "is", "it", "ja", "jw", "ka", "kk", "km", "kn",
		"ko", "la", "lb", "ln", "lo", "lt", "lv", "mg", "mi", "mk", "ml", "mn", "mr", "ms", "mt",
		"my", "ne", "nl", "nn", "no", "oc", "pa", "pl", "ps", "pt", "ro", "ru", "sa", "sd", "si",
		"sk", "sl", "sn", "so", "sq", "sr", "su", "sv", "sw", "ta", "te", "tg", "th", "tk", "tl",
		"tr", "tt", "uk", "ur", "uz", "vi", "yi", "yo", "zh", "yue",
	}
	for _, c := range codes {
		validLanguageCodes[c] = struct{}{}
	}
}

// ValidLanguage reports whether code is a usable language setting.
func ValidLanguage(code string) bool {
	_, ok := validLanguageCodes[strings.ToLower(code)]
	return ok
}

// Load reads the configuration. path may be empty, in which case only
// defaults and environment variables apply; a named file that does not
// exist is an error.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.frame_size", 8000)
	v.SetDefault("pipeline.model", "mock")
	v.SetDefault("pipeline.language", "en")
	v.SetDefault("pipeline.initial_prompt", "")
	v.SetDefault("pipeline.high_accuracy", false)
	v.SetDefault("pipeline.noise_reduction", true)
	v.SetDefault("pipeline.vad", true)
	v.SetDefault("pipeline.auto_type", true)
	v.SetDefault("pipeline.context_size", 3)
	v.SetDefault("pipeline.sensitivity_threshold", 0.01)
	v.SetDefault("pipeline.buffer_max_frames", 5)
	v.SetDefault("pipeline.max_silence_frames", 5)
	v.SetDefault("pipeline.type_delay", 100*time.Millisecond)
	v.SetDefault("typer.mode", "keyboard")
	v.SetDefault("typer.path", "")
	v.SetDefault("server.events_addr", "")
	v.SetDefault("server.mcp", true)
	v.SetDefault("sessions.export_dir", "exports")
	v.SetDefault("notify", false)

	v.SetEnvPrefix("VOICETYPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks every section; the first violation wins.
func (c Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return err
	}
	if err := c.Audio.Validate(); err != nil {
		return err
	}
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}
	if err := c.Typer.Validate(); err != nil {
		return err
	}
	return nil
}

func (c LogConfig) Validate() error {
	switch strings.ToLower(c.Level) {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", c.Level)
	}
	switch c.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: must be text or json, got %q", c.Format)
	}
	return nil
}

func (c AudioConfig) Validate() error {
	if c.SampleRate < 8000 {
		return fmt.Errorf("audio.sample_rate: must be at least 8000, got %d", c.SampleRate)
	}
	if c.FrameSize < 1 {
		return fmt.Errorf("audio.frame_size: must be positive, got %d", c.FrameSize)
	}
	return nil
}

func (c PipelineConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("pipeline.model: must not be empty")
	}
	if c.Language != "" && !ValidLanguage(c.Language) {
		return fmt.Errorf("pipeline.language: unknown language code %q", c.Language)
	}
	if c.ContextSize < 0 || c.ContextSize > 5 {
		return fmt.Errorf("pipeline.context_size: must be in [0,5], got %d", c.ContextSize)
	}
	if c.SensitivityThreshold <= 0 {
		return fmt.Errorf("pipeline.sensitivity_threshold: must be positive, got %g", c.SensitivityThreshold)
	}
	if c.BufferMaxFrames < 1 {
		return fmt.Errorf("pipeline.buffer_max_frames: must be at least 1, got %d", c.BufferMaxFrames)
	}
	if c.MaxSilenceFrames < 1 {
		return fmt.Errorf("pipeline.max_silence_frames: must be at least 1, got %d", c.MaxSilenceFrames)
	}
	if c.TypeDelay < 0 {
		return fmt.Errorf("pipeline.type_delay: must not be negative")
	}
	return nil
}

func (c TyperConfig) Validate() error {
	switch c.Mode {
	case "keyboard", "none":
	case "file":
		if c.Path == "" {
			return fmt.Errorf("typer.path: required when typer.mode is file")
		}
	default:
		return fmt.Errorf("typer.mode: must be keyboard, file, or none, got %q", c.Mode)
	}
	return nil
}
