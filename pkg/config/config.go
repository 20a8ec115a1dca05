package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const defaultAPIKeyEnv = "DASHSCOPE_API_KEY"

type Config struct {
	App          AppConfig                 `json:"app" yaml:"app" toml:"app"`
	Gateways     map[string]GatewayConfig  `json:"gateways" yaml:"gateways" toml:"gateways"`
	Providers    map[string]ProviderConfig `json:"providers" yaml:"providers" toml:"providers"`
	Memory       MemoryConfig              `json:"memory" yaml:"memory" toml:"memory"`
	Sessions     SessionsConfig            `json:"sessions" yaml:"sessions" toml:"sessions"`
	Agent        AgentConfig               `json:"agent" yaml:"agent" toml:"agent"`
	Segmentation SegmentationConfig        `json:"segmentation" yaml:"segmentation" toml:"segmentation"`
	Events       EventsConfig              `json:"events" yaml:"events" toml:"events"`
}

type AppConfig struct {
	Name      string `json:"name" yaml:"name" toml:"name"`
	UploadDir string `json:"upload_dir" yaml:"upload_dir" toml:"upload_dir"`
	StaticDir string `json:"static_dir" yaml:"static_dir" toml:"static_dir"`
	LogDir    string `json:"log_dir" yaml:"log_dir" toml:"log_dir"`
}

type GatewayConfig struct {
	Addr    string `json:"addr,omitempty" yaml:"addr,omitempty" toml:"addr"`
	Token   string `json:"token,omitempty" yaml:"token,omitempty" toml:"token"`
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
}

type ProviderConfig struct {
	APIKey      string `json:"api_key,omitempty" yaml:"api_key,omitempty" toml:"api_key"`
	APIKeyEnv   string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty" toml:"api_key_env"`
	Model       string `json:"model" yaml:"model" toml:"model"`
	VisionModel string `json:"vision_model" yaml:"vision_model" toml:"vision_model"`
	BaseURL     string `json:"base_url,omitempty" yaml:"base_url,omitempty" toml:"base_url"`
	Enabled     bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
}

// Key returns the inline key, else the value of the key environment variable.
func (p ProviderConfig) Key() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	env := p.APIKeyEnv
	if env == "" {
		env = defaultAPIKeyEnv
	}
	return os.Getenv(env)
}

type MemoryConfig struct {
	Type string `json:"type" yaml:"type" toml:"type"`
	Path string `json:"path" yaml:"path" toml:"path"`
}

type SessionsConfig struct {
	Capacity      int      `json:"capacity" yaml:"capacity" toml:"capacity"`
	TTL           Duration `json:"ttl" yaml:"ttl" toml:"ttl"`
	SweepInterval Duration `json:"sweep_interval" yaml:"sweep_interval" toml:"sweep_interval"`
}

type AgentConfig struct {
	MaxSteps       int      `json:"max_steps" yaml:"max_steps" toml:"max_steps"`
	PromptsDir     string   `json:"prompts_dir" yaml:"prompts_dir" toml:"prompts_dir"`
	DeniedTools    []string `json:"denied_tools" yaml:"denied_tools" toml:"denied_tools"`
	DeniedPatterns []string `json:"denied_patterns" yaml:"denied_patterns" toml:"denied_patterns"`
}

type SegmentationConfig struct {
	BaseURL string   `json:"base_url" yaml:"base_url" toml:"base_url"`
	Timeout Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
}

type EventsConfig struct {
	NATSURL       string `json:"nats_url" yaml:"nats_url" toml:"nats_url"`
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix" toml:"subject_prefix"`
}

// Duration reads "90s" style strings in every supported format.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Default returns a configuration that runs locally without a config file.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:      "matseg",
			UploadDir: "static/uploads",
			StaticDir: "static",
			LogDir:    "logs",
		},
		Gateways:  defaultGateways(),
		Providers: defaultProviders(),
		Memory: MemoryConfig{
			Type: "sqlite",
			Path: "matseg.db",
		},
		Sessions: SessionsConfig{
			Capacity:      256,
			TTL:           Duration{2 * time.Hour},
			SweepInterval: Duration{time.Minute},
		},
		Agent: AgentConfig{
			MaxSteps: 5,
		},
		Segmentation: SegmentationConfig{
			BaseURL: "http://127.0.0.1:8001",
			Timeout: Duration{2 * time.Minute},
		},
		Events: EventsConfig{
			SubjectPrefix: "matseg.events",
		},
	}
}

func defaultGateways() map[string]GatewayConfig {
	return map[string]GatewayConfig{
		"http": {Addr: ":8000", Enabled: true},
	}
}

func defaultProviders() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"dashscope": {
			APIKeyEnv:   defaultAPIKeyEnv,
			Model:       "qwen-max",
			VisionModel: "qwen-vl-max",
			BaseURL:     "https://dashscope.aliyuncs.com/compatible-mode/v1",
			Enabled:     true,
		},
	}
}

// LoadConfig reads path over the defaults. The format follows the file
// extension: .json, .yaml/.yml or .toml.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	// Maps given in the file replace the defaults instead of merging.
	cfg := Default()
	cfg.Gateways = nil
	cfg.Providers = nil
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		_, err = toml.Decode(string(data), cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	if cfg.Gateways == nil {
		cfg.Gateways = defaultGateways()
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = defaultProviders()
	}
	return cfg, nil
}

// GetDefaultProvider returns the first enabled provider in name order.
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if p := c.Providers[name]; p.Enabled {
			return name, p
		}
	}
	return "", ProviderConfig{}
}

// GetTelegramConfig returns telegram config if enabled
func (c *Config) GetTelegramConfig() (GatewayConfig, bool) {
	tg, ok := c.Gateways["telegram"]
	if ok && tg.Enabled && tg.Token != "" {
		return tg, true
	}
	return GatewayConfig{}, false
}

// HTTPAddr returns the listen address of the HTTP gateway, or "" when disabled.
func (c *Config) HTTPAddr() string {
	gw, ok := c.Gateways["http"]
	if !ok || !gw.Enabled {
		return ""
	}
	if gw.Addr == "" {
		return ":8000"
	}
	return gw.Addr
}
