package mcp

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk description of the tool providers to register:
// a map of provider id to connection settings.
type Config struct {
	Servers map[string]ServerEntry `json:"servers" yaml:"servers" toml:"servers"`
}

// ServerEntry is one provider in the config file.
type ServerEntry struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`

	Command string            `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
	Dir     string            `json:"dir,omitempty" yaml:"dir,omitempty" toml:"dir,omitempty"`

	URL     string            `json:"url,omitempty" yaml:"url,omitempty" toml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" toml:"headers,omitempty"`
}

// LoadConfig reads a provider config file; the format is chosen by
// extension: .json, .yaml or .yml, .toml.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		return nil, errors.Errorf("unsupported config format: %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse config: %s", path)
	}

	for id, entry := range cfg.Servers {
		if err := entry.validate(); err != nil {
			return nil, errors.WithMessagef(err, "provider %q", id)
		}
	}
	return &cfg, nil
}

// validate requires exactly one of a command or a URL.
func (e ServerEntry) validate() error {
	if e.Command == "" && e.URL == "" {
		return errors.New("either command or url is required")
	}
	if e.Command != "" && e.URL != "" {
		return errors.New("command and url are mutually exclusive")
	}
	return nil
}

// ServerConfig converts the entry to the client connection config.
func (e ServerEntry) ServerConfig() ServerConfig {
	return ServerConfig{
		Command: e.Command,
		Args:    e.Args,
		Env:     e.Env,
		Dir:     e.Dir,
		URL:     e.URL,
		Headers: e.Headers,
	}
}

// AddProviders registers every configured provider with the manager,
// without connecting. Provider ids are registered in sorted order so
// name-collision resolution is stable across runs.
func (m *Manager) AddProviders(cfg *Config) error {
	ids := make([]string, 0, len(cfg.Servers))
	for id := range cfg.Servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		entry := cfg.Servers[id]
		name := entry.Name
		if name == "" {
			name = id
		}
		if err := m.AddProvider(id, name, entry.ServerConfig()); err != nil {
			return err
		}
	}
	return nil
}
