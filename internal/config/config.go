// Package config provides configuration management for simplewebui.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Notnaton/simplewebui/internal/models"
)

var AppVersion = "-unset-" // will be set at build time

const (
	DefaultListenPort     = 8000
	DefaultChatDir        = "chats"
	DefaultDataDir        = "data"
	DefaultSystemPrompt   = "You are a helpful assistant."
	DefaultMaxPromptLen   = 16 * 1024
	DefaultPromptCooldown = 2 * time.Second
	DefaultSessionTimeout = 30 * 24 * time.Hour
	DefaultCleanupEvery   = 15 * time.Minute
	DefaultShutdownWait   = 10 * time.Second
	DefaultStreamTimeout  = 10 * time.Minute
)

// DefaultLLM mirrors the LM Studio defaults a fresh session starts with.
var DefaultLLM = models.LLMConfig{
	Model:   "openai/local",
	APIBase: "http://localhost:1234/v1",
	APIKey:  "dummy",
}

// MainConfig holds the main configuration for simplewebui
type MainConfig struct {
	Web      WebConfig        `json:"web"`
	Chat     ChatConfig       `json:"chat"`
	Database DatabaseConfig   `json:"database"`
	LLM      models.LLMConfig `json:"llm"`
	Log      LogConfig        `json:"log"`

	AppVersion string `json:"app_version"` // Application version, set at build time
}

// WebConfig holds web interface configuration
type WebConfig struct {
	ListenAddr      string        `json:"listen_addr"`
	ListenPort      int           `json:"listen_port"`
	SSL             bool          `json:"ssl"`
	CertFile        string        `json:"cert_file,omitempty"`
	KeyFile         string        `json:"key_file,omitempty"`
	TrustedProxies  []string      `json:"trusted_proxies"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	PprofAddr       string        `json:"pprof_addr,omitempty"`
}

// ChatConfig holds conversation settings
type ChatConfig struct {
	Dir            string        `json:"dir"`
	SystemPrompt   string        `json:"system_prompt"`
	MaxPromptLen   int           `json:"max_prompt_length"`
	PromptCooldown time.Duration `json:"prompt_cooldown"`
	StreamTimeout  time.Duration `json:"stream_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	DataDir        string        `json:"data_dir"`
	MainDB         string        `json:"main_db"` // file name inside DataDir
	SessionTimeout time.Duration `json:"session_timeout"`
	CleanupEvery   time.Duration `json:"cleanup_every"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *MainConfig {
	return &MainConfig{
		AppVersion: AppVersion,
		Web: WebConfig{
			ListenPort:      DefaultListenPort,
			TrustedProxies:  []string{"127.0.0.1", "::1"},
			ShutdownTimeout: DefaultShutdownWait,
		},
		Chat: ChatConfig{
			Dir:            DefaultChatDir,
			SystemPrompt:   DefaultSystemPrompt,
			MaxPromptLen:   DefaultMaxPromptLen,
			PromptCooldown: DefaultPromptCooldown,
			StreamTimeout:  DefaultStreamTimeout,
		},
		Database: DatabaseConfig{
			DataDir:        DefaultDataDir,
			MainDB:         "webui.sq3",
			SessionTimeout: DefaultSessionTimeout,
			CleanupEvery:   DefaultCleanupEvery,
		},
		LLM: DefaultLLM,
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// ApplyEnv overrides fields from WEBUI_* environment variables.
// Unparsable numeric values are reported, not silently dropped.
func (c *MainConfig) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("WEBUI_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WEBUI_PORT: %w", err)
		}
		c.Web.ListenPort = p
	}
	if v := getenv("WEBUI_LISTEN_ADDR"); v != "" {
		c.Web.ListenAddr = v
	}
	if v := getenv("WEBUI_CHAT_DIR"); v != "" {
		c.Chat.Dir = v
	}
	if v := getenv("WEBUI_DATA_DIR"); v != "" {
		c.Database.DataDir = v
	}
	if v := getenv("WEBUI_SYSTEM_PROMPT"); v != "" {
		c.Chat.SystemPrompt = v
	}
	if v := getenv("WEBUI_PROMPT_COOLDOWN"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("WEBUI_PROMPT_COOLDOWN: %w", err)
		}
		c.Chat.PromptCooldown = d
	}
	if v := getenv("WEBUI_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := getenv("WEBUI_LLM_API_BASE"); v != "" {
		c.LLM.APIBase = v
	}
	if v := getenv("WEBUI_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("WEBUI_TRUSTED_PROXIES"); v != "" {
		var proxies []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				proxies = append(proxies, p)
			}
		}
		c.Web.TrustedProxies = proxies
	}
	return nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *MainConfig) Validate() error {
	if c.Web.ListenPort < 1 || c.Web.ListenPort > 65535 {
		return fmt.Errorf("invalid port number: %d (must be between 1 and 65535)", c.Web.ListenPort)
	}
	if c.Web.SSL && (c.Web.CertFile == "" || c.Web.KeyFile == "") {
		return fmt.Errorf("SSL enabled but cert_file or key_file not specified")
	}
	if strings.TrimSpace(c.Chat.Dir) == "" {
		return fmt.Errorf("chat directory must not be empty")
	}
	if strings.TrimSpace(c.Database.DataDir) == "" || c.Database.MainDB == "" {
		return fmt.Errorf("database location must not be empty")
	}
	if c.Chat.MaxPromptLen <= 0 {
		return fmt.Errorf("max prompt length must be positive, got %d", c.Chat.MaxPromptLen)
	}
	if c.Chat.PromptCooldown < 0 {
		return fmt.Errorf("prompt cooldown must not be negative")
	}
	if c.Database.SessionTimeout <= 0 {
		return fmt.Errorf("session timeout must be positive")
	}
	if c.LLM.Model == "" || c.LLM.APIBase == "" {
		return fmt.Errorf("default LLM model and api base are required")
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// Addr returns the host:port the web server listens on.
func (w WebConfig) Addr() string {
	return w.ListenAddr + ":" + strconv.Itoa(w.ListenPort)
}
