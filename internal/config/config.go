// Package config layers defaults, an optional YAML config file, and
// REDPOST_* environment overrides. Env always wins over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Storage  StorageConfig  `yaml:"storage"`
	MCP      MCPConfig      `yaml:"mcp"`
	Feishu   FeishuConfig   `yaml:"feishu"`
	Generate GenerateConfig `yaml:"generate"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	APIToken string `yaml:"api_token"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type MCPConfig struct {
	ServerURL string `yaml:"server_url"`
	APIKey    string `yaml:"api_key"`
	Timeout   string `yaml:"timeout"`
}

type FeishuConfig struct {
	AppID      string        `yaml:"app_id"`
	AppSecret  string        `yaml:"app_secret"`
	WebhookURL string        `yaml:"webhook_url"`
	UserID     string        `yaml:"user_id"`
	ChatID     string        `yaml:"chat_id"`
	Bitable    BitableConfig `yaml:"bitable"`
	// PollInterval controls the bitable review poller; empty or "0"
	// disables it.
	PollInterval string `yaml:"poll_interval"`
}

type BitableConfig struct {
	AppToken string `yaml:"app_token"`
	TableID  string `yaml:"table_id"`
}

type GenerateConfig struct {
	BaseURL  string   `yaml:"base_url"`
	APIKey   string   `yaml:"api_key"`
	Model    string   `yaml:"model"`
	Style    string   `yaml:"style"`
	Keywords []string `yaml:"keywords"`
	// ImagesPerPost images are attached per item from the image
	// service URL template.
	ImagesPerPost int `yaml:"images_per_post"`
	// Interval enables the background generation ticker; empty or "0"
	// disables it.
	Interval string `yaml:"interval"`
}

// Messaging reports whether the interactive approval bot is configured.
func (f FeishuConfig) Messaging() bool {
	return f.AppID != "" && f.AppSecret != ""
}

// BitableEnabled reports whether the review-table integration is configured.
func (f FeishuConfig) BitableEnabled() bool {
	return f.Messaging() && f.Bitable.AppToken != "" && f.Bitable.TableID != ""
}

// Drafting reports whether AI drafting is configured.
func (g GenerateConfig) Drafting() bool {
	return g.APIKey != ""
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 8080},
		Log:     LogConfig{Level: "info"},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		MCP: MCPConfig{
			ServerURL: "https://mcp.zouying.work/mcp",
			Timeout:   "180s",
		},
		Feishu: FeishuConfig{PollInterval: "5m"},
		Generate: GenerateConfig{
			BaseURL:       "https://api.deepseek.com/v1",
			Model:         "deepseek-chat",
			Style:         "casual",
			ImagesPerPost: 3,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".redpost"
	}
	return filepath.Join(home, ".local", "share", "redpost")
}

func defaultConfigPath() string {
	if p := os.Getenv("REDPOST_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "redpost", "config.yaml")
}

// Load reads configuration from the config file and environment.
// The API token protecting the local management API is required.
func Load() (Config, error) {
	return loadFrom(defaultConfigPath())
}

func loadFrom(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Env-only configuration is fine.
		case err != nil:
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.Server.APIToken == "" {
		return Config{}, fmt.Errorf("missing required config: API token. Set server.api_token in the config file or REDPOST_API_TOKEN")
	}
	if cfg.MCP.ServerURL == "" {
		return Config{}, fmt.Errorf("missing required config: MCP server URL. Set mcp.server_url or REDPOST_MCP_SERVER_URL")
	}
	if _, err := cfg.MCPTimeout(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("REDPOST_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	setString(&cfg.Server.APIToken, "REDPOST_API_TOKEN")
	setString(&cfg.Log.Level, "REDPOST_LOG_LEVEL")
	setString(&cfg.Storage.DataDir, "REDPOST_DATA_DIR")

	setString(&cfg.MCP.ServerURL, "REDPOST_MCP_SERVER_URL")
	setString(&cfg.MCP.APIKey, "REDPOST_MCP_API_KEY")
	// Legacy name from the original deployment.
	setString(&cfg.MCP.APIKey, "X_MCP_API_KEY")
	setString(&cfg.MCP.Timeout, "REDPOST_MCP_TIMEOUT")

	setString(&cfg.Feishu.AppID, "FEISHU_APP_ID")
	setString(&cfg.Feishu.AppSecret, "FEISHU_APP_SECRET")
	setString(&cfg.Feishu.WebhookURL, "FEISHU_WEBHOOK_URL")
	setString(&cfg.Feishu.Bitable.AppToken, "FEISHU_BITABLE_APP_TOKEN")
	setString(&cfg.Feishu.Bitable.TableID, "FEISHU_BITABLE_TABLE_ID")

	setString(&cfg.Generate.APIKey, "REDPOST_GENERATE_API_KEY")
	setString(&cfg.Generate.BaseURL, "REDPOST_GENERATE_BASE_URL")
	setString(&cfg.Generate.Model, "REDPOST_GENERATE_MODEL")
}

// MCPTimeout parses the remote-tool call timeout.
func (c Config) MCPTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.MCP.Timeout)
	if err != nil {
		return 0, fmt.Errorf("parsing mcp.timeout %q: %w", c.MCP.Timeout, err)
	}
	return d, nil
}

// PollInterval parses the bitable poll interval; zero disables polling.
func (f FeishuConfig) PollIntervalDuration() (time.Duration, error) {
	if f.PollInterval == "" || f.PollInterval == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(f.PollInterval)
	if err != nil {
		return 0, fmt.Errorf("parsing feishu.poll_interval %q: %w", f.PollInterval, err)
	}
	return d, nil
}

// IntervalDuration parses the generation ticker interval; zero disables it.
func (g GenerateConfig) IntervalDuration() (time.Duration, error) {
	if g.Interval == "" || g.Interval == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(g.Interval)
	if err != nil {
		return 0, fmt.Errorf("parsing generate.interval %q: %w", g.Interval, err)
	}
	return d, nil
}
