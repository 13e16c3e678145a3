// Package config resolves the sidecar's runtime configuration.
// Environment variables win over the optional YAML file, which wins
// over the built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds everything the supervisor needs to start the sidecar.
type Config struct {
	// MetaPort is the metadata WebSocket endpoint port.
	MetaPort int `yaml:"metaPort"`
	// DocumentPort is the CRDT document WebSocket endpoint port.
	DocumentPort int `yaml:"documentPort"`
	// RelayPort is the P2P relay WebSocket endpoint port.
	RelayPort int `yaml:"relayPort"`
	// HTTPPort is the HTTP adjunct port.
	HTTPPort int `yaml:"httpPort"`

	// NoPersist runs the store against a throwaway file removed on
	// close. Nothing survives a restart.
	NoPersist bool `yaml:"noPersist"`
	// StorageDir holds the identity blob and the operational store.
	StorageDir string `yaml:"storageDir"`
	// StaticDir optionally points the HTTP adjunct at a built SPA
	// bundle.
	StaticDir string `yaml:"staticDir"`

	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJSON"`
}

// Default returns the built-in configuration. The storage dir defaults
// to ~/.nahma, falling back to ./.nahma when the home directory cannot
// be resolved.
func Default() Config {
	dir := ".nahma"
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, ".nahma")
	}
	return Config{
		MetaPort:     8081,
		DocumentPort: 8080,
		RelayPort:    8082,
		HTTPPort:     8083,
		StorageDir:   dir,
		LogLevel:     "info",
	}
}

// Load resolves the configuration: defaults, then the YAML file at
// path when non-empty, then the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if err := envInt("SIDECAR_META_PORT", &c.MetaPort); err != nil {
		return err
	}
	if err := envInt("SIDECAR_YJS_PORT", &c.DocumentPort); err != nil {
		return err
	}
	if err := envInt("RELAY_PORT", &c.RelayPort); err != nil {
		return err
	}
	if err := envInt("PORT", &c.HTTPPort); err != nil {
		return err
	}
	if err := envBool("NO_PERSIST", &c.NoPersist); err != nil {
		return err
	}
	if err := envBool("NAHMA_LOG_JSON", &c.LogJSON); err != nil {
		return err
	}
	if v := os.Getenv("NAHMA_STORAGE_DIR"); v != "" {
		c.StorageDir = v
	}
	if v := os.Getenv("NAHMA_STATIC_DIR"); v != "" {
		c.StaticDir = v
	}
	if v := os.Getenv("NAHMA_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return nil
}

// Validate checks port ranges and that the four listeners do not
// collide.
func (c *Config) Validate() error {
	ports := map[string]int{
		"metaPort":     c.MetaPort,
		"documentPort": c.DocumentPort,
		"relayPort":    c.RelayPort,
		"httpPort":     c.HTTPPort,
	}
	seen := make(map[int]string, len(ports))
	for name, port := range ports {
		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid %s %d: must be 1-65535", name, port)
		}
		if other, ok := seen[port]; ok {
			return fmt.Errorf("%s and %s both use port %d", other, name, port)
		}
		seen[port] = name
	}
	if c.StorageDir == "" {
		return fmt.Errorf("storage dir must not be empty")
	}
	return nil
}

// MetaAddr returns the metadata endpoint listen address.
func (c *Config) MetaAddr() string { return ":" + strconv.Itoa(c.MetaPort) }

// DocumentAddr returns the document endpoint listen address.
func (c *Config) DocumentAddr() string { return ":" + strconv.Itoa(c.DocumentPort) }

// RelayAddr returns the relay endpoint listen address.
func (c *Config) RelayAddr() string { return ":" + strconv.Itoa(c.RelayPort) }

// HTTPAddr returns the HTTP adjunct listen address.
func (c *Config) HTTPAddr() string { return ":" + strconv.Itoa(c.HTTPPort) }

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	*dst = n
	return nil
}

func envBool(name string, dst *bool) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	*dst = b
	return nil
}
