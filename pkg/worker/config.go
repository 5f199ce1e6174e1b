package worker

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// FileConfig is the YAML structure of the pipeline config file.
type FileConfig struct {
	// Provider: "openai" (or any openai-compatible via BaseURL) | "anthropic"
	Provider string `yaml:"provider"`

	// Model ID to use (e.g. "gpt-4o", "claude-sonnet-4-5")
	Model string `yaml:"model"`

	// BaseURL overrides the default provider endpoint (e.g. for OpenRouter,
	// local Ollama, or an in-house proxy).
	BaseURL string `yaml:"base_url"`

	// APIKey can be a literal key or "${ENV_VAR}" to read from environment.
	APIKey string `yaml:"api_key"`

	// AssistantRole is the system/instructions message sent with every call.
	AssistantRole string `yaml:"assistant_role"`

	// MaxTokens caps the response length (0 = provider default).
	MaxTokens int `yaml:"max_tokens"`

	// Temperature controls randomness (nil = provider default).
	Temperature *float64 `yaml:"temperature"`

	// Stream selects incremental delivery. Defaults to true.
	Stream *bool `yaml:"stream"`

	// CacheDir roots the conversation cache. Empty uses the platform
	// user cache directory.
	CacheDir string `yaml:"cache_dir"`

	// RequestTimeout bounds one gateway exchange, as a Go duration string
	// (e.g. "2m"). Empty uses the transport default.
	RequestTimeout string `yaml:"request_timeout"`

	// MaxToolRounds caps follow-up requests triggered by tool calls
	// (0 = default).
	MaxToolRounds int `yaml:"max_tool_rounds"`
}

// LoadFileConfig reads and parses a YAML config file, expanding ${ENV_VAR}
// references in string values.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	// Expand environment variables in the raw YAML before parsing.
	expanded := os.ExpandEnv(string(data))

	var cfg FileConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := validateFileConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validateFileConfig(cfg *FileConfig) error {
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch cfg.Provider {
	case "":
		return fmt.Errorf("config: provider is required")
	case "openai", "anthropic":
	default:
		return fmt.Errorf("config: unknown provider %q", cfg.Provider)
	}
	if cfg.Model == "" {
		return fmt.Errorf("config: model is required")
	}
	return nil
}

// Settings resolves the file config into worker settings.
func (c *FileConfig) Settings() (Settings, error) {
	s := Settings{
		Provider:      c.Provider,
		BaseURL:       c.BaseURL,
		APIKey:        c.APIKey,
		Model:         c.Model,
		Temperature:   c.Temperature,
		MaxTokens:     c.MaxTokens,
		AssistantRole: c.AssistantRole,
		Stream:        true,
		CacheDir:      c.CacheDir,
		MaxToolRounds: c.MaxToolRounds,
	}
	if c.Stream != nil {
		s.Stream = *c.Stream
	}
	if c.RequestTimeout != "" {
		d, err := time.ParseDuration(c.RequestTimeout)
		if err != nil {
			return Settings{}, fmt.Errorf("config: parse request_timeout: %w", err)
		}
		s.RequestTimeout = d
	}
	return s, nil
}
