package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Permissions understood by the SQL authorizer.
const (
	PermMap      = "task.map"
	PermValidate = "task.validate"
)

// Config models lockline.yml.
type Config struct {
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Locking struct {
		TTL           time.Duration `yaml:"ttl"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"locking"`
	Split struct {
		MaxZoom int `yaml:"max_zoom"`
	} `yaml:"split"`
	RBAC struct {
		Roles map[string][]string `yaml:"roles"`
	} `yaml:"rbac"`
	Server struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ll config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres")
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("config.database.dsn is required for postgres")
	}
	if c.Locking.TTL <= 0 {
		return fmt.Errorf("config.locking.ttl must be positive")
	}
	if c.Locking.SweepInterval <= 0 {
		return fmt.Errorf("config.locking.sweep_interval must be positive")
	}
	if c.Split.MaxZoom <= 0 {
		return fmt.Errorf("config.split.max_zoom must be positive")
	}
	for roleID, perms := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range perms {
			if perm != PermMap && perm != PermValidate {
				return fmt.Errorf("role %s has unknown permission %q", roleID, perm)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// RolesWith returns every role granting perm.
func (c *Config) RolesWith(perm string) []string {
	var roles []string
	for role, perms := range c.RBAC.Roles {
		for _, p := range perms {
			if p == perm {
				roles = append(roles, role)
				break
			}
		}
	}
	return roles
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "lockline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections
// keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `database:
  driver: sqlite

locking:
  # locks older than this are released by the sweeper
  ttl: 2h
  sweep_interval: 5m

split:
  # tasks at or beyond this zoom are too small to split
  max_zoom: 18

rbac:
  roles:
    mapper: [task.map]
    validator: [task.map, task.validate]
    admin: [task.map, task.validate]
`
