package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models plantline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret        string `yaml:"jwt_secret"`
		AllowActorHeader bool   `yaml:"allow_actor_header"`
	} `yaml:"auth"`
	Photos struct {
		MaxPerPhase          int `yaml:"max_per_phase"`
		MaxBytes             int `yaml:"max_bytes"`
		AttachTimeoutSeconds int `yaml:"attach_timeout_seconds"`
	} `yaml:"photos"`
	Report ReportConfig `yaml:"report"`
}

// ReportConfig points at the external report renderer.
type ReportConfig struct {
	URL            string `yaml:"url"`
	Secret         string `yaml:"secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        *bool  `yaml:"enabled"`
}

func (r ReportConfig) IsEnabled() bool {
	if r.URL == "" {
		return false
	}
	return r.Enabled == nil || *r.Enabled
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "plantline.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Default returns the seed configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = "127.0.0.1:8787"
	cfg.Server.BasePath = "/v0"
	cfg.Photos.MaxPerPhase = 10
	cfg.Photos.MaxBytes = 8 << 20
	cfg.Photos.AttachTimeoutSeconds = 10
	cfg.Report.TimeoutSeconds = 5
	return cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Photos.MaxPerPhase <= 0 {
		return fmt.Errorf("config.photos.max_per_phase must be positive")
	}
	if c.Photos.MaxBytes <= 0 {
		return fmt.Errorf("config.photos.max_bytes must be positive")
	}
	if c.Photos.AttachTimeoutSeconds <= 0 {
		return fmt.Errorf("config.photos.attach_timeout_seconds must be positive")
	}
	if c.Report.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.report.timeout_seconds must be positive")
	}
	return nil
}
