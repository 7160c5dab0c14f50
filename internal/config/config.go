package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"soloride/internal/domain"
)

// Config models soloride.yml.
type Config struct {
	Service struct {
		BaseURL        string `yaml:"base_url"`
		CityID         int    `yaml:"city_id"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"service"`
	Accounts []AccountConfig        `yaml:"accounts"`
	Routes   map[string]RouteConfig `yaml:"routes"`
	Defaults struct {
		Route string `yaml:"route"`
	} `yaml:"defaults"`
	Engine struct {
		PollAttempts          int   `yaml:"poll_attempts"`
		PollIntervalSeconds   int   `yaml:"poll_interval_seconds"`
		RunTimeoutSeconds     int   `yaml:"run_timeout_seconds"`
		CancelTargetOnTimeout *bool `yaml:"cancel_target_on_timeout"`
	} `yaml:"engine"`
}

type AccountConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Token   string `yaml:"token"`
	RiderID int64  `yaml:"rider_id"`
}

type RouteConfig struct {
	Origin      domain.Location `yaml:"origin"`
	Destination domain.Location `yaml:"destination"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with soloride config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
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

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "soloride.yml")
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.BaseURL == "" {
		return fmt.Errorf("config.service.base_url is required")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("config.accounts is required")
	}
	seen := map[string]bool{}
	for i, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("config.accounts[%d].id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate account id %s", a.ID)
		}
		seen[a.ID] = true
		if a.Token == "" {
			return fmt.Errorf("account %s has no token", a.ID)
		}
	}
	if len(c.Routes) == 0 {
		return fmt.Errorf("config.routes is required")
	}
	for id, r := range c.Routes {
		if id == "" {
			return fmt.Errorf("config.routes contains empty route id")
		}
		if r.Origin == (domain.Location{}) || r.Destination == (domain.Location{}) {
			return fmt.Errorf("route %s needs both origin and destination", id)
		}
	}
	if c.Defaults.Route != "" {
		if _, ok := c.Routes[c.Defaults.Route]; !ok {
			return fmt.Errorf("defaults.route %s not defined in routes", c.Defaults.Route)
		}
	}
	return nil
}

// Account returns the configured account by id.
func (c *Config) Account(id string) (domain.Account, error) {
	for _, a := range c.Accounts {
		if a.ID == id {
			return domain.Account{
				ID:   a.ID,
				Name: a.Name,
				Credential: domain.Credential{
					Token:   a.Token,
					RiderID: a.RiderID,
				},
			}, nil
		}
	}
	return domain.Account{}, domain.ErrAccountNotFound
}

// AccountList returns all configured accounts in file order.
func (c *Config) AccountList() []domain.Account {
	out := make([]domain.Account, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		acct, _ := c.Account(a.ID)
		out = append(out, acct)
	}
	return out
}

// Route resolves a named route; id "" falls back to defaults.route.
func (c *Config) Route(id string) (domain.Route, error) {
	if id == "" {
		id = c.Defaults.Route
	}
	r, ok := c.Routes[id]
	if !ok {
		return domain.Route{}, domain.ErrRouteNotFound
	}
	return domain.Route{ID: id, Origin: r.Origin, Destination: r.Destination}, nil
}

// RouteList returns the catalog sorted by nothing in particular (map order
// is randomized; callers that care sort themselves).
func (c *Config) RouteList() []domain.Route {
	out := make([]domain.Route, 0, len(c.Routes))
	for id, r := range c.Routes {
		out = append(out, domain.Route{ID: id, Origin: r.Origin, Destination: r.Destination})
	}
	return out
}

// PollAttempts with default.
func (c *Config) PollAttempts() int {
	if c.Engine.PollAttempts <= 0 {
		return 10
	}
	return c.Engine.PollAttempts
}

// PollInterval with default.
func (c *Config) PollInterval() time.Duration {
	if c.Engine.PollIntervalSeconds <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.Engine.PollIntervalSeconds) * time.Second
}

// RunTimeout is the overall deadline for one orchestration run.
func (c *Config) RunTimeout() time.Duration {
	if c.Engine.RunTimeoutSeconds <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(c.Engine.RunTimeoutSeconds) * time.Second
}

// CancelTargetOnTimeout reports whether a timed-out run also cancels the
// target's own non-upgraded booking. Defaults to true: a booking whose whole
// point was the upgrade should not linger when the upgrade never happened.
func (c *Config) CancelTargetOnTimeout() bool {
	if c.Engine.CancelTargetOnTimeout == nil {
		return true
	}
	return *c.Engine.CancelTargetOnTimeout
}

// ServiceTimeout is the per-call timeout against the external ride service.
func (c *Config) ServiceTimeout() time.Duration {
	if c.Service.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Service.TimeoutSeconds) * time.Second
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `service:
  base_url: https://router.example.ridewith.dev
  city_id: 783
  timeout_seconds: 15

accounts:
  - id: target
    name: Target Rider
    token: replace-me
    rider_id: 1000001
  - id: filler-1
    name: First Filler
    token: replace-me
    rider_id: 1000002
  - id: filler-2
    name: Second Filler
    token: replace-me
    rider_id: 1000003

routes:
  house_to_commons:
    origin:
      lat: 41.7878692
      lng: -87.5908127
      address: "International House"
    destination:
      lat: 41.7851539
      lng: -87.6011258
      address: "Dining Commons"

defaults:
  route: house_to_commons

engine:
  poll_attempts: 10
  poll_interval_seconds: 3
  run_timeout_seconds: 120
  cancel_target_on_timeout: true
`
