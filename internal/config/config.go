// Package config provides YAML-based configuration loading for Conductor.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Conductor configuration, loaded from config.yaml.
// Everything the sampling loop needs (agent identity, broker endpoints,
// workspace layout, prompt suffix) is explicit here so multiple loops in one
// process cannot interfere through process-wide state.
type Config struct {
	Agent              AgentConfig     `yaml:"agent"`
	DB                 DBConfig        `yaml:"db"`
	Broker             BrokerConfig    `yaml:"broker"`
	API                APIConfig       `yaml:"api"`
	Loop               LoopConfig      `yaml:"loop"`
	Workspace          WorkspaceConfig `yaml:"workspace"`
	SystemPromptSuffix string          `yaml:"system_prompt_suffix"`
}

// AgentConfig identifies this agent instance within the session hierarchy.
type AgentConfig struct {
	ChatID    uint   `yaml:"chat_id"`
	UserID    string `yaml:"user_id"`
	SessionID string `yaml:"session_id"`
	AgentID   string `yaml:"agent_id"`
	Name      string `yaml:"name"`
}

// DBConfig holds connection settings for the MySQL conversation store.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// BrokerConfig holds the session broker endpoint and credentials.
// AgentURLTemplate turns a broker-reported service name into the base URL of
// a child agent's own API.
type BrokerConfig struct {
	URL              string `yaml:"url"`
	Token            string `yaml:"token"`
	AgentURLTemplate string `yaml:"agent_url_template"`
}

// APIConfig holds settings for this agent's own HTTP surface.
type APIConfig struct {
	Port int `yaml:"port"`
}

// LoopConfig tunes the sampling loop.
type LoopConfig struct {
	Model                string `yaml:"model"`
	APIKey               string `yaml:"api_key"`
	MaxTokens            int    `yaml:"max_tokens"`
	KeepRecentImages     int    `yaml:"keep_recent_images"`
	ImageChunkSize       int    `yaml:"image_chunk_size"`
	PromptCaching        bool   `yaml:"prompt_caching"`
	ThinkingBudget       int    `yaml:"thinking_budget"`
	HeartbeatIntervalSec int    `yaml:"heartbeat_interval_sec"`
	HeartbeatTimeoutSec  int    `yaml:"heartbeat_timeout_sec"`
	CleanupOnComplete    bool   `yaml:"cleanup_on_complete"`
}

// WorkspaceConfig describes the shared filesystem layout.
type WorkspaceConfig struct {
	ProjectDir string `yaml:"project_dir"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.DB.Host == "" {
		c.DB.Host = "127.0.0.1"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 3306
	}
	if c.DB.User == "" {
		c.DB.User = "root"
	}
	if c.DB.Database == "" {
		c.DB.Database = "conductor"
	}
	if c.Broker.AgentURLTemplate == "" {
		c.Broker.AgentURLTemplate = "http://%s.default.svc.cluster.local:8000"
	}
	if c.API.Port == 0 {
		c.API.Port = 8000
	}
	if c.Loop.APIKey == "" {
		c.Loop.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.Loop.MaxTokens == 0 {
		c.Loop.MaxTokens = 4096
	}
	if c.Loop.KeepRecentImages == 0 {
		c.Loop.KeepRecentImages = 10
	}
	if c.Loop.ImageChunkSize == 0 {
		c.Loop.ImageChunkSize = 5
	}
	if c.Loop.HeartbeatIntervalSec == 0 {
		c.Loop.HeartbeatIntervalSec = 30
	}
	if c.Loop.HeartbeatTimeoutSec == 0 {
		c.Loop.HeartbeatTimeoutSec = 600
	}
	if c.Workspace.ProjectDir == "" {
		c.Workspace.ProjectDir = "/home/computeruse/project"
	}
	if c.Agent.AgentID == "" {
		c.Agent.AgentID = "main-orchestrator"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Agent.SessionID == "" {
		errs = append(errs, "agent.session_id is required")
	}
	if c.Broker.URL == "" {
		errs = append(errs, "broker.url is required")
	}
	if c.Loop.Model == "" {
		errs = append(errs, "loop.model is required")
	}
	if !strings.Contains(c.Broker.AgentURLTemplate, "%s") {
		errs = append(errs, "broker.agent_url_template must contain a %s placeholder")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
