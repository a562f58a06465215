// Package config loads and validates the launcher configuration file.
//
// The native format is the JSON launcher descriptor (top-level keys
// `configuration`, `sessionData`, `resources`, `properties`, `apps`), with
// full-line // and # comments tolerated. Files ending in .yaml or .yml are
// parsed as YAML instead.
package config

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full launcher configuration. It is loaded once at startup
// and never mutated afterward.
type Config struct {
	Configuration Configuration     `json:"configuration" yaml:"configuration"`
	SessionData   map[string]any    `json:"sessionData" yaml:"sessionData"`
	Resources     []Resource        `json:"resources" yaml:"resources"`
	Properties    map[string]string `json:"properties" yaml:"properties"`
	Apps          map[string]App    `json:"apps" yaml:"apps"`
}

// Configuration holds the launcher's own settings.
type Configuration struct {
	Host       string                  `json:"host" yaml:"host"`
	Port       int                     `json:"port" yaml:"port"`
	Endpoint   string                  `json:"endpoint" yaml:"endpoint"`
	ContentDir string                  `json:"content" yaml:"content"`
	ProxyFile  string                  `json:"proxy_file" yaml:"proxy_file"`
	SessionURL string                  `json:"sessionURL" yaml:"sessionURL"`
	Timeout    int                     `json:"timeout" yaml:"timeout"` // seconds
	LogDir     string                  `json:"log_dir" yaml:"log_dir"`
	Fields     []string                `json:"fields" yaml:"fields"`
	Sanitize   map[string]SanitizeRule `json:"sanitize" yaml:"sanitize"`
}

// Resource is one host with a range of allocatable ports.
type Resource struct {
	Host      string `json:"host" yaml:"host"`
	PortRange [2]int `json:"port_range" yaml:"port_range"`
}

// App describes one launchable application: a command-line template with
// placeholders and the output line marking the app as ready.
type App struct {
	Cmd       []string `json:"cmd" yaml:"cmd"`
	ReadyLine string   `json:"ready_line" yaml:"ready_line"`
}

// TimeoutDuration returns the configured readiness/session timeout.
func (c Configuration) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// Load reads, parses and validates a launcher configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	default:
		if err := json.Unmarshal(stripComments(data), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// stripComments removes full-line // and # comments so that annotated
// launcher descriptors remain valid JSON. Only whole-line comments are
// supported; stripping trailing comments would require tracking string
// literals (think "http://..." values).
func stripComments(data []byte) []byte {
	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "#") {
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.Bytes()
}

// Validate checks the configuration for structural problems. It is called
// by Load and exposed for the `check` CLI verb.
func (c *Config) Validate() error {
	if c.Configuration.Port <= 0 {
		return fmt.Errorf("configuration.port must be positive, got %d", c.Configuration.Port)
	}
	if c.Configuration.Endpoint == "" || !strings.HasPrefix(c.Configuration.Endpoint, "/") {
		return fmt.Errorf("configuration.endpoint must be an absolute path, got %q", c.Configuration.Endpoint)
	}
	if c.Configuration.Timeout <= 0 {
		return fmt.Errorf("configuration.timeout must be positive, got %d", c.Configuration.Timeout)
	}

	if len(c.Resources) == 0 {
		return fmt.Errorf("at least one resource is required")
	}
	for i, r := range c.Resources {
		if r.Host == "" {
			return fmt.Errorf("resources[%d]: host is required", i)
		}
		if r.PortRange[0] <= 0 || r.PortRange[1] <= 0 || r.PortRange[0] > r.PortRange[1] {
			return fmt.Errorf("resources[%d]: invalid port_range [%d, %d]", i, r.PortRange[0], r.PortRange[1])
		}
	}

	if len(c.Apps) == 0 {
		return fmt.Errorf("at least one app is required")
	}
	for name, app := range c.Apps {
		if len(app.Cmd) == 0 {
			return fmt.Errorf("apps[%s]: cmd must not be empty", name)
		}
		if app.ReadyLine == "" {
			return fmt.Errorf("apps[%s]: ready_line is required", name)
		}
	}

	for param, rule := range c.Configuration.Sanitize {
		if err := rule.compile(); err != nil {
			return fmt.Errorf("sanitize[%s]: %w", param, err)
		}
		// Store back so the compiled pattern is reused by SanitizeParams.
		c.Configuration.Sanitize[param] = rule
	}

	return nil
}
