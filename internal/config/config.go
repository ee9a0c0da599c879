package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Unlimited is the sentinel limit value meaning no cap for a metric.
const Unlimited = -1

// Config models linkforge.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret    string `yaml:"jwt_secret"`
		WorkerSecret string `yaml:"worker_secret"`
	} `yaml:"auth"`
	Plans       map[string]Plan `yaml:"plans"`
	DefaultPlan string          `yaml:"default_plan"`
	Sweep       struct {
		Schedule      string `yaml:"schedule"`
		MaxAgeMinutes int    `yaml:"max_age_minutes"`
	} `yaml:"sweep"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig describes one outbound activity-feed subscriber.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// Plan maps metric keys to their limit for one subscription tier.
type Plan struct {
	Limits map[string]int `yaml:"limits"`
}

// Limit returns the plan's limit for a metric, 0 when the metric is unknown.
func (p Plan) Limit(metric string) int {
	if p.Limits == nil {
		return 0
	}
	v, ok := p.Limits[metric]
	if !ok {
		return 0
	}
	return v
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
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
	if len(c.Plans) == 0 {
		return fmt.Errorf("config.plans is required")
	}
	if c.DefaultPlan == "" {
		return fmt.Errorf("config.default_plan is required")
	}
	if _, ok := c.Plans[c.DefaultPlan]; !ok {
		return fmt.Errorf("config.default_plan %s is not defined in config.plans", c.DefaultPlan)
	}
	for name, plan := range c.Plans {
		if len(plan.Limits) == 0 {
			return fmt.Errorf("plan %s has no limits", name)
		}
		for metric, limit := range plan.Limits {
			if metric == "" {
				return fmt.Errorf("plan %s has empty metric key", name)
			}
			if limit < Unlimited {
				return fmt.Errorf("plan %s metric %s has invalid limit %d", name, metric, limit)
			}
		}
	}
	if c.Sweep.MaxAgeMinutes < 0 {
		return fmt.Errorf("config.sweep.max_age_minutes must be >= 0")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "linkforge.yml")
}

// Default returns the built-in default config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template invalid: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1

auth:
  jwt_secret: ""
  worker_secret: ""

default_plan: free

plans:
  free:
    limits:
      automation.campaigns_per_month: 2
      automation.jobs_per_month: 50
      automation.jobs_per_day: 25
      audits.runs_per_month: 5
      backlinks.runs_per_month: 3

  starter:
    limits:
      automation.campaigns_per_month: 10
      automation.jobs_per_month: 1000
      automation.jobs_per_day: 200
      audits.runs_per_month: 50
      backlinks.runs_per_month: 25

  agency:
    limits:
      automation.campaigns_per_month: -1
      automation.jobs_per_month: 20000
      automation.jobs_per_day: 2000
      audits.runs_per_month: -1
      backlinks.runs_per_month: -1

sweep:
  schedule: "*/10 * * * *"
  max_age_minutes: 120
`
