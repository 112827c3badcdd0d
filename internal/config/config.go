// Package config loads ephemera settings from defaults, an optional
// ephemera.yaml and the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lehigh-university-libraries/ephemera/internal/cataloging"
	"github.com/lehigh-university-libraries/ephemera/internal/errors"
)

type Settings struct {
	Storage struct {
		Path string `mapstructure:"path"` // sqlite database file
	} `mapstructure:"storage"`

	Provider struct {
		Name              string        `mapstructure:"name"` // ollama, openai, gemini or claude
		Model             string        `mapstructure:"model"`
		Temperature       float64       `mapstructure:"temperature"`
		Timeout           time.Duration `mapstructure:"timeout"`
		RequestsPerMinute float64       `mapstructure:"requests_per_minute"` // 0 disables throttling
		OllamaURL         string        `mapstructure:"ollama_url"`
		OpenAIKey         string        `mapstructure:"openai_api_key"`
		GeminiKey         string        `mapstructure:"gemini_api_key"`
		AnthropicKey      string        `mapstructure:"anthropic_api_key"`
	} `mapstructure:"provider"`

	Batch struct {
		Delay time.Duration `mapstructure:"delay"` // pause between items
	} `mapstructure:"batch"`

	Cloud struct {
		Backend          string        `mapstructure:"backend"` // none, memory or firestore
		ProjectID        string        `mapstructure:"project_id"`
		Database         string        `mapstructure:"database"`
		CredentialsFile  string        `mapstructure:"credentials_file"`
		UserID           string        `mapstructure:"user_id"`
		MaxDocumentBytes int           `mapstructure:"max_document_bytes"`
		OfflineAfter     int           `mapstructure:"offline_after"` // consecutive network failures
		QueueSize        int           `mapstructure:"queue_size"`
		PushTimeout      time.Duration `mapstructure:"push_timeout"`
		PushConcurrency  int           `mapstructure:"push_concurrency"`
	} `mapstructure:"cloud"`

	Log struct {
		Level      string `mapstructure:"level"`
		File       string `mapstructure:"file"`
		MaxSizeMB  int    `mapstructure:"max_size_mb"`
		MaxBackups int    `mapstructure:"max_backups"`
	} `mapstructure:"log"`

	Server struct {
		Port string `mapstructure:"port"`
	} `mapstructure:"server"`
}

// envBindings maps config keys to the unprefixed variables the providers
// already read.
var envBindings = map[string]string{
	"provider.name":              "CATALOGING_PROVIDER",
	"provider.model":             "CATALOGING_MODEL",
	"provider.ollama_url":        "OLLAMA_URL",
	"provider.openai_api_key":    "OPENAI_API_KEY",
	"provider.gemini_api_key":    "GEMINI_API_KEY",
	"provider.anthropic_api_key": "ANTHROPIC_API_KEY",
	"cloud.project_id":           "GOOGLE_CLOUD_PROJECT",
	"cloud.credentials_file":     "GOOGLE_APPLICATION_CREDENTIALS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.path", defaultDBPath())

	v.SetDefault("provider.name", "ollama")
	v.SetDefault("provider.model", "")
	v.SetDefault("provider.temperature", 0.2)
	v.SetDefault("provider.timeout", cataloging.DefaultTimeout)
	v.SetDefault("provider.requests_per_minute", 0)
	v.SetDefault("provider.ollama_url", "")
	v.SetDefault("provider.openai_api_key", "")
	v.SetDefault("provider.gemini_api_key", "")
	v.SetDefault("provider.anthropic_api_key", "")

	v.SetDefault("batch.delay", 1500*time.Millisecond)

	v.SetDefault("cloud.backend", "none")
	v.SetDefault("cloud.project_id", "")
	v.SetDefault("cloud.database", "(default)")
	v.SetDefault("cloud.credentials_file", "")
	v.SetDefault("cloud.user_id", "")
	v.SetDefault("cloud.max_document_bytes", 900*1024)
	v.SetDefault("cloud.offline_after", 2)
	v.SetDefault("cloud.queue_size", 256)
	v.SetDefault("cloud.push_timeout", 20*time.Second)
	v.SetDefault("cloud.push_concurrency", 4)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)

	v.SetDefault("server.port", "8888")
}

func defaultDBPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "ephemera.db"
	}
	return filepath.Join(dir, "ephemera", "ephemera.db")
}

// Load reads settings. configFile overrides the search path; a missing
// ephemera.yaml in the search path is not an error.
func Load(configFile string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("EPHEMERA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		// the prefixed variable wins over the shared one
		if err := v.BindEnv(key, "EPHEMERA_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("ephemera")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "ephemera"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	s.Provider.Name = strings.ToLower(s.Provider.Name)
	if s.Provider.Model == "" {
		s.Provider.Model = cataloging.DefaultModel(s.Provider.Name)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects settings the components cannot run with.
func (s *Settings) Validate() error {
	var problems []string

	if s.Storage.Path == "" {
		problems = append(problems, "storage.path is required")
	}
	switch strings.ToLower(s.Provider.Name) {
	case "", "ollama", "openai", "gemini", "claude", "anthropic":
	default:
		problems = append(problems, fmt.Sprintf("unknown provider %q", s.Provider.Name))
	}
	if s.Provider.Timeout < 0 {
		problems = append(problems, "provider.timeout must not be negative")
	}
	if s.Provider.RequestsPerMinute < 0 {
		problems = append(problems, "provider.requests_per_minute must not be negative")
	}
	if s.Batch.Delay < 0 {
		problems = append(problems, "batch.delay must not be negative")
	}
	switch s.Cloud.Backend {
	case "", "none", "memory":
	case "firestore":
		if s.Cloud.ProjectID == "" {
			problems = append(problems, "cloud.project_id is required for the firestore backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown cloud backend %q", s.Cloud.Backend))
	}
	if s.Cloud.MaxDocumentBytes <= 0 {
		problems = append(problems, "cloud.max_document_bytes must be positive")
	}
	if s.Cloud.PushTimeout < 0 {
		problems = append(problems, "cloud.push_timeout must not be negative")
	}

	if len(problems) > 0 {
		return errors.Newf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - ")).
			Component("config").Category(errors.CategoryValidation).Build()
	}
	return nil
}

// CloudEnabled reports whether a cloud backend is configured.
func (s *Settings) CloudEnabled() bool {
	return s.Cloud.Backend == "memory" || s.Cloud.Backend == "firestore"
}

// ProviderSettings converts the provider section for cataloging.NewProvider.
func (s *Settings) ProviderSettings() cataloging.ProviderSettings {
	return cataloging.ProviderSettings{
		Name:              s.Provider.Name,
		Model:             s.Provider.Model,
		OllamaURL:         s.Provider.OllamaURL,
		OpenAIKey:         s.Provider.OpenAIKey,
		GeminiKey:         s.Provider.GeminiKey,
		AnthropicKey:      s.Provider.AnthropicKey,
		RequestsPerMinute: s.Provider.RequestsPerMinute,
	}
}
