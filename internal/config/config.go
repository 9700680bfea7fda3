package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Session     SessionConfig     `yaml:"session"`
	Audio       AudioConfig       `yaml:"audio"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Redis       RedisConfig       `yaml:"redis"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// SessionConfig describes a single transcription session
type SessionConfig struct {
	Language   string `yaml:"language"`
	Model      string `yaml:"model"`
	Translate  bool   `yaml:"translate"`
	Name       string `yaml:"name"`
	Device     string `yaml:"device"`
	OutputDir  string `yaml:"output_dir"`
	Timestamps bool   `yaml:"timestamps"`
}

// AudioConfig contains capture parameters
type AudioConfig struct {
	SampleRate      int `yaml:"sample_rate"`
	Channels        int `yaml:"channels"`
	FramesPerBuffer int `yaml:"frames_per_buffer"`
}

// RecognitionConfig contains the recognition service connection settings
type RecognitionConfig struct {
	URL            string `yaml:"url"`
	APIKey         string `yaml:"api_key"`
	OpenTimeout    int    `yaml:"open_timeout"`  // seconds
	CloseTimeout   int    `yaml:"close_timeout"` // seconds
	SendBufferSize int    `yaml:"send_buffer_size"`
	UtteranceEndMs int    `yaml:"utterance_end_ms"`
}

// RedisConfig contains the optional live transcript mirror settings
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Prefix  string `yaml:"prefix"`
	TTL     int    `yaml:"ttl"` // seconds, 0 = no expiry
}

// MetricsConfig contains the optional metrics endpoint settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SupportedLanguages maps ISO codes to display names
var SupportedLanguages = map[string]string{
	"it": "Italian",
	"en": "English",
	"fr": "French",
	"es": "Spanish",
	"de": "German",
	"zh": "Chinese",
	"ja": "Japanese",
	"ru": "Russian",
}

// languageModels maps language codes to the recognition model that
// performs best for them. Languages not listed use DefaultModel.
var languageModels = map[string]string{
	"it": "nova-2",
	"en": "nova-3",
	"fr": "nova-2",
	"es": "nova-2",
	"de": "nova-3",
	"zh": "nova-2",
	"ja": "nova-2",
	"ru": "nova-2",
}

const (
	DefaultLanguage = "it"
	DefaultModel    = "nova-2"
	DefaultURL      = "wss://api.deepgram.com/v1/listen"
)

// Default returns a configuration with sensible defaults for every field
// except the API key, which always comes from the environment or file.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			Language:   DefaultLanguage,
			OutputDir:  "sessions",
			Timestamps: true,
		},
		Audio: AudioConfig{
			SampleRate:      16000,
			Channels:        1,
			FramesPerBuffer: 1024,
		},
		Recognition: RecognitionConfig{
			URL:            DefaultURL,
			OpenTimeout:    10,
			CloseTimeout:   5,
			SendBufferSize: 64,
			UtteranceEndMs: 1000,
		},
		Redis: RedisConfig{
			Address: "localhost:6379",
			Prefix:  "sp34kn0w:session:",
		},
		Metrics: MetricsConfig{
			Address: "localhost:9477",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads and parses the configuration file, overlaying it on defaults.
// A missing file is not an error: defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Recognition.Validate(); err != nil {
		return fmt.Errorf("recognition config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if c.Session.OutputDir == "" {
		return fmt.Errorf("session config: output_dir cannot be empty")
	}

	return nil
}

// Validate validates audio configuration. The recognition service contract
// fixes the stream to 16 kHz mono linear PCM.
func (a *AudioConfig) Validate() error {
	if a.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 16000 Hz, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.FramesPerBuffer < 256 || a.FramesPerBuffer > 8192 {
		return fmt.Errorf("frames_per_buffer must be between 256 and 8192, got %d", a.FramesPerBuffer)
	}

	return nil
}

// Validate validates recognition configuration
func (r *RecognitionConfig) Validate() error {
	if r.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}

	if r.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty (set DEEPGRAM_API_KEY)")
	}

	if r.OpenTimeout < 1 {
		return fmt.Errorf("open_timeout must be at least 1 second, got %d", r.OpenTimeout)
	}

	if r.CloseTimeout < 1 {
		return fmt.Errorf("close_timeout must be at least 1 second, got %d", r.CloseTimeout)
	}

	if r.SendBufferSize < 1 {
		return fmt.Errorf("send_buffer_size must be at least 1, got %d", r.SendBufferSize)
	}

	if r.UtteranceEndMs < 0 {
		return fmt.Errorf("utterance_end_ms cannot be negative, got %d", r.UtteranceEndMs)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// ResolveLanguage accepts a language name or ISO code, in any case, and
// returns the canonical code. ok is false when the language is unknown.
func ResolveLanguage(language string) (code string, ok bool) {
	language = strings.ToLower(strings.TrimSpace(language))
	for c, name := range SupportedLanguages {
		if language == c || language == strings.ToLower(name) {
			return c, true
		}
	}
	return "", false
}

// ModelForLanguage returns the preferred model for a language code.
func ModelForLanguage(code string) string {
	if model, ok := languageModels[code]; ok {
		return model
	}
	return DefaultModel
}

// GetOpenTimeout returns the recognition open timeout as a time.Duration
func (r *RecognitionConfig) GetOpenTimeout() time.Duration {
	return time.Duration(r.OpenTimeout) * time.Second
}

// GetCloseTimeout returns the recognition close timeout as a time.Duration
func (r *RecognitionConfig) GetCloseTimeout() time.Duration {
	return time.Duration(r.CloseTimeout) * time.Second
}

// GetTTL returns the redis mirror TTL as a time.Duration
func (r *RedisConfig) GetTTL() time.Duration {
	return time.Duration(r.TTL) * time.Second
}
