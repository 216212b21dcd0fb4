// Package config loads rowguard configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/rowguard/internal/correlate"
	"github.com/ppiankov/rowguard/internal/model"
)

// Duration is a time.Duration written as a string ("250ms") in YAML.
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// FilterRule configures one interception filter: keep records of Kind
// whose Field equals Equals (or does not, with Negate).
type FilterRule struct {
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind"`
	Field  string `yaml:"field"`
	Equals any    `yaml:"equals"`
	Negate bool   `yaml:"negate"`
	// Lookup resolves id-only sequences through a data collection.
	Lookup      string `yaml:"lookup,omitempty"`
	KeepMissing bool   `yaml:"keep_missing,omitempty"`
	// Snapshot also filters the locally cached set of Kind.
	Snapshot bool     `yaml:"snapshot,omitempty"`
	Refilter Duration `yaml:"refilter,omitempty"`
}

// Handshake configures discovery.
type Handshake struct {
	MaxRetries   int      `yaml:"max_retries"`
	InitialDelay Duration `yaml:"initial_delay"`
}

// Hub configures the hub process.
type Hub struct {
	GRPCAddr       string   `yaml:"grpc_addr"`
	HTTPAddr       string   `yaml:"http_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// Responder settings; empty Grants and GrantsDB disable the responder.
	Grants        string `yaml:"grants"`
	GrantsDB      string `yaml:"grants_db"`
	Audit         string `yaml:"audit"`
	LegacyReplies bool   `yaml:"legacy_replies"`
	BrandsFile    string `yaml:"brands_file"`
}

// Data configures the REST data service.
type Data struct {
	Addr string `yaml:"addr"`
	Dir  string `yaml:"dir"`
}

// Config is the full configuration.
type Config struct {
	Channel     string       `yaml:"channel"`
	Server      string       `yaml:"server"`
	Correlation string       `yaml:"correlation"`
	Kind        string       `yaml:"kind"`
	IDRole      string       `yaml:"id_role"`
	Handshake   Handshake    `yaml:"handshake"`
	Filters     []FilterRule `yaml:"filters"`
	Hub         Hub          `yaml:"hub"`
	Data        Data         `yaml:"data"`

	// QueryTimeout bounds one handshake plus batch check from the CLI.
	QueryTimeout Duration `yaml:"query_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Channel:     "rowguard",
		Server:      "127.0.0.1:7440",
		Correlation: correlate.ModeCorrelated.String(),
		Kind:        model.KindLoans.Name,
		IDRole:      "loan-number",
		Handshake: Handshake{
			MaxRetries:   5,
			InitialDelay: Duration(100 * time.Millisecond),
		},
		QueryTimeout: Duration(10 * time.Second),
		Filters: []FilterRule{
			{Name: "offshore", Kind: "brands", Field: "onshore", Equals: true, Negate: true, Snapshot: true},
			{Name: "unrestricted", Kind: "loans", Field: "restricted", Equals: true, Negate: true, Lookup: "loans", KeepMissing: true},
		},
		Hub: Hub{
			GRPCAddr: "127.0.0.1:7440",
			HTTPAddr: "127.0.0.1:7441",
		},
		Data: Data{
			Addr: "127.0.0.1:7442",
			Dir:  "data",
		},
	}
}

// DefaultPath returns ~/.rowguard/config.yaml, or "" without a home dir.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".rowguard", "config.yaml")
}

// Load reads configuration from path.
// Empty path falls back to ~/.rowguard/config.yaml.
// Missing file returns defaults. Invalid YAML returns an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
		if path == "" {
			return Default(), nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Defaults first; YAML overwrites only what it sets.
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks names and ranges.
func (c *Config) Validate() error {
	if c.Channel == "" {
		return fmt.Errorf("channel must not be empty")
	}
	if _, err := correlate.ParseMode(c.Correlation); err != nil {
		return err
	}
	k, err := model.KindByName(c.Kind)
	if err != nil {
		return err
	}
	if !k.Queryable() {
		return fmt.Errorf("kind %q cannot be checked", c.Kind)
	}
	if c.Handshake.MaxRetries < 1 {
		return fmt.Errorf("handshake.max_retries must be at least 1")
	}
	if c.Handshake.InitialDelay <= 0 {
		return fmt.Errorf("handshake.initial_delay must be positive")
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("query_timeout must be positive")
	}
	seen := make(map[string]bool)
	for i, f := range c.Filters {
		if f.Name == "" {
			return fmt.Errorf("filters[%d]: name required", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("filters[%d]: duplicate name %q", i, f.Name)
		}
		seen[f.Name] = true
		if _, err := model.KindByName(f.Kind); err != nil {
			return fmt.Errorf("filter %q: %w", f.Name, err)
		}
		if f.Field == "" {
			return fmt.Errorf("filter %q: field required", f.Name)
		}
		if f.Refilter < 0 {
			return fmt.Errorf("filter %q: negative refilter interval", f.Name)
		}
	}
	return nil
}

// Mode returns the configured correlation mode.
func (c *Config) Mode() correlate.Mode {
	m, err := correlate.ParseMode(c.Correlation)
	if err != nil {
		return correlate.ModeCorrelated
	}
	return m
}

// DefaultYAML returns a commented configuration for init-config.
func DefaultYAML() string {
	return `# rowguard configuration
# Generated by: rowguard init-config

# Bus channel shared by page contexts and the privileged responder.
channel: rowguard

# gRPC address of the hub, used by check, sync and mcp.
server: 127.0.0.1:7440

# Response matching: correlated (request_id echo) or legacy (tag only).
correlation: correlated

# Record kind the page view renders and the cell role holding its id.
kind: loans
id_role: loan-number

# Discovery: ping up to max_retries times, doubling the delay each time.
handshake:
  max_retries: 5
  initial_delay: 100ms

# Upper bound for one handshake plus batch check (check, sync).
query_timeout: 10s

# Interception filters. Installed filters compose as logical AND.
# Fields:
#   kind: numbers | loans | messages | queues | brands
#   field, equals: record predicate (negate: true keeps non-matching records)
#   lookup: data collection used to resolve id-only sequences
#   keep_missing: keep ids the lookup does not know
#   snapshot: also filter the cached set (brands)
#   refilter: re-apply to the cached set on this interval
filters:
  - name: offshore
    kind: brands
    field: onshore
    equals: true
    negate: true
    snapshot: true
  - name: unrestricted
    kind: loans
    field: restricted
    equals: true
    negate: true
    lookup: loans
    keep_missing: true

hub:
  grpc_addr: 127.0.0.1:7440
  http_addr: 127.0.0.1:7441
  allowed_origins: []
  # Authorization set for the reference responder (YAML or SQLite).
  grants: ""
  grants_db: ""
  audit: ""
  legacy_replies: false
  brands_file: ""

data:
  addr: 127.0.0.1:7442
  dir: data
`
}
