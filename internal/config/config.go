package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/semabot/semabot/internal/adapters/matrix"
	"github.com/semabot/semabot/internal/comms"
	"github.com/semabot/semabot/internal/logging"
	"github.com/semabot/semabot/internal/monitor"
	"github.com/semabot/semabot/internal/semaphore"
	"github.com/semabot/semabot/internal/tail"
)

// Config represents the main configuration
type Config struct {
	Version   string            `yaml:"version"`
	Matrix    *matrix.Config    `yaml:"matrix"`
	Semaphore *semaphore.Config `yaml:"semaphore"`
	Bot       *comms.Config     `yaml:"bot"`
	Monitor   *monitor.Config   `yaml:"monitor"`
	Tail      *tail.Config      `yaml:"tail"`

	// Aliases maps a shortcut to the command it expands to. Entries in
	// AliasFile take precedence.
	Aliases   map[string]string `yaml:"aliases"`
	AliasFile string            `yaml:"alias_file"`

	Logging *logging.Config `yaml:"logging"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Version:   "1.0",
		Matrix:    matrix.DefaultConfig(),
		Semaphore: semaphore.DefaultConfig(),
		Bot:       comms.DefaultConfig(),
		Monitor:   monitor.DefaultConfig(),
		Tail:      tail.DefaultConfig(),
		Aliases:   map[string]string{},
		Logging:   logging.DefaultConfig(),
	}
}

// Load loads configuration from a file. Environment variables in the file
// are expanded before parsing.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil // Return defaults if no config file
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.AliasFile = expandPath(config.AliasFile)
	if config.Logging != nil {
		switch config.Logging.Output {
		case "", "stdout", "stderr":
		default:
			config.Logging.Output = expandPath(config.Logging.Output)
		}
	}

	return config, nil
}

// Save saves configuration to a file
func Save(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file holds access tokens.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default configuration path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".semabot", "config.yaml")
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

var validLogLevels = map[string]bool{"": true, "debug": true, "info": true, "warn": true, "error": true}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.validateMatrix(); err != nil {
		return err
	}
	if err := c.validateSemaphore(); err != nil {
		return err
	}
	if err := c.validateBot(); err != nil {
		return err
	}
	if err := c.validateMonitor(); err != nil {
		return err
	}

	if c.Tail != nil {
		if c.Tail.Interval < 0 || c.Tail.MaxLines < 0 {
			return fmt.Errorf("tail interval and max_lines must not be negative")
		}
	}

	for name := range c.Aliases {
		if name == "" || strings.ContainsAny(name, " \t\n") {
			return fmt.Errorf("invalid alias name %q: must be a single word", name)
		}
	}

	if c.Logging != nil && !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid logging level %q: must be debug, info, warn or error", c.Logging.Level)
	}
	return nil
}

func (c *Config) validateMatrix() error {
	m := c.Matrix
	if m == nil {
		return fmt.Errorf("matrix configuration is required")
	}
	if !strings.HasPrefix(m.Homeserver, "http://") && !strings.HasPrefix(m.Homeserver, "https://") {
		return fmt.Errorf("matrix homeserver must be an http(s) URL, got %q", m.Homeserver)
	}
	if !strings.HasPrefix(m.UserID, "@") || !strings.Contains(m.UserID, ":") {
		return fmt.Errorf("matrix user_id must look like @user:server, got %q", m.UserID)
	}
	if m.AccessToken == "" {
		return fmt.Errorf("matrix access_token is required")
	}
	return nil
}

func (c *Config) validateSemaphore() error {
	s := c.Semaphore
	if s == nil {
		return fmt.Errorf("semaphore configuration is required")
	}
	if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
		return fmt.Errorf("semaphore url must be an http(s) URL, got %q", s.URL)
	}
	if s.APIToken == "" {
		return fmt.Errorf("semaphore api_token is required")
	}
	return nil
}

func (c *Config) validateBot() error {
	b := c.Bot
	if b == nil {
		return nil
	}
	if strings.TrimSpace(b.Prefix) == "" || strings.ContainsAny(strings.TrimSpace(b.Prefix), " \t\n") {
		return fmt.Errorf("bot prefix must be a single non-empty word, got %q", b.Prefix)
	}
	for _, room := range b.AllowedRooms {
		if !strings.HasPrefix(room, "!") {
			return fmt.Errorf("allowed room %q must be a room id (!id:server)", room)
		}
	}
	for _, admin := range b.Admins {
		if !strings.HasPrefix(admin, "@") {
			return fmt.Errorf("admin %q must be a user id (@user:server)", admin)
		}
	}
	if b.Confirm != nil && (b.Confirm.RunTimeout < 0 || b.Confirm.ExitTimeout < 0) {
		return fmt.Errorf("confirmation timeouts must not be negative")
	}
	return nil
}

func (c *Config) validateMonitor() error {
	m := c.Monitor
	if m == nil {
		return nil
	}
	if len(m.Backends) == 0 {
		return fmt.Errorf("monitor backends must list at least one of %q, %q", monitor.BackendPoll, monitor.BackendStream)
	}
	// Unknown names are not an error here: the registry records them as
	// skipped and the next backend in the list takes over.
	for _, name := range m.Backends {
		if name != monitor.BackendStream || m.Stream.FallbackSchedule == "" {
			continue
		}
		if _, err := cron.ParseStandard(m.Stream.FallbackSchedule); err != nil {
			return fmt.Errorf("invalid monitor stream fallback_schedule %q: %w", m.Stream.FallbackSchedule, err)
		}
	}
	if m.PollInterval < 0 || m.Heartbeat < 0 {
		return fmt.Errorf("monitor poll_interval and heartbeat must not be negative")
	}
	return nil
}
