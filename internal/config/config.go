package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// DefaultPort is the TCP port a plugin listens on when none is given.
const DefaultPort = 50051

// Config holds the complete plugin host configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server"`
	Bridge  BridgeConfig  `yaml:"bridge" json:"bridge"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	Scope   ScopeConfig   `yaml:"scope" json:"scope"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ServerConfig controls the line-protocol listener
type ServerConfig struct {
	Host            string        `yaml:"host" json:"host" env:"PLUGHOST_HOST"`
	Port            int           `yaml:"port" json:"port" env:"PLUGHOST_PORT"`
	MaxConnections  int           `yaml:"max_connections" json:"max_connections" env:"PLUGHOST_MAX_CONNECTIONS"`
	MaxLineBytes    int           `yaml:"max_line_bytes" json:"max_line_bytes" env:"PLUGHOST_MAX_LINE_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"PLUGHOST_SHUTDOWN_TIMEOUT"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BridgeConfig controls the HTTP/WebSocket surface used by the plugin UI
type BridgeConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" env:"PLUGHOST_BRIDGE_ENABLED"`
	Addr    string `yaml:"addr" json:"addr" env:"PLUGHOST_BRIDGE_ADDR"`
}

// StorageConfig selects the plugin storage backend
type StorageConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" env:"PLUGHOST_STORAGE_ENABLED"`
	Type    string `yaml:"type" json:"type" env:"PLUGHOST_STORAGE_TYPE"`
	Path    string `yaml:"path" json:"path" env:"PLUGHOST_STORAGE_PATH"`
	URL     string `yaml:"url" json:"url" env:"PLUGHOST_STORAGE_URL"`
}

// ScopeConfig tunes managed resource cleanup
type ScopeConfig struct {
	SocketCloseTimeout time.Duration `yaml:"socket_close_timeout" json:"socket_close_timeout" env:"PLUGHOST_SOCKET_CLOSE_TIMEOUT"`
}

// LoggingConfig controls the root logger
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" env:"PLUGHOST_LOG_LEVEL"`
	Format string `yaml:"format" json:"format" env:"PLUGHOST_LOG_FORMAT"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            DefaultPort,
			MaxConnections:  256,
			MaxLineBytes:    4 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Bridge: BridgeConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8090",
		},
		Storage: StorageConfig{
			Enabled: false,
			Type:    "sqlite",
			Path:    "plugin-data.db",
		},
		Scope: ScopeConfig{
			SocketCloseTimeout: time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the configuration for values the host cannot run with
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return &ValidationError{Field: "server.port", Message: "must be between 0 and 65535"}
	}
	if c.Server.MaxConnections < 1 {
		return &ValidationError{Field: "server.max_connections", Message: "must be at least 1"}
	}
	if c.Server.MaxLineBytes < 1024 {
		return &ValidationError{Field: "server.max_line_bytes", Message: "must be at least 1024"}
	}
	if c.Storage.Type != "sqlite" && c.Storage.Type != "postgres" {
		return &ValidationError{Field: "storage.type", Message: "must be sqlite or postgres"}
	}
	if c.Storage.Enabled && c.Storage.Type == "postgres" && c.Storage.URL == "" {
		return &ValidationError{Field: "storage.url", Message: "is required for postgres"}
	}
	return nil
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error in field '" + e.Field + "': " + e.Message
}

// ConfigWatcher is called when configuration changes
type ConfigWatcher func(oldConfig, newConfig *Config)

// ConfigManager loads configuration and notifies watchers when it changes
type ConfigManager struct {
	config     *Config
	configPath string
	overrides  func(*Config)
	watchers   []ConfigWatcher
	mu         sync.RWMutex
}

// NewConfigManager creates a manager holding the default configuration
func NewConfigManager() *ConfigManager {
	return &ConfigManager{config: DefaultConfig()}
}

// Load builds the configuration from defaults, the config file, the
// environment and finally the command line. Unknown arguments are
// ignored; a --port that is not a number leaves the port unchanged.
func (cm *ConfigManager) Load(args []string) ([]string, error) {
	flags, warnings := parseArgs(args)
	if flags.configPath != "" {
		cm.mu.Lock()
		cm.configPath = flags.configPath
		cm.mu.Unlock()
	}
	cm.mu.Lock()
	cm.overrides = flags.apply
	cm.mu.Unlock()

	if err := cm.reload(); err != nil {
		cm.fallback()
		return warnings, err
	}
	return warnings, nil
}

// fallback installs defaults plus command-line overrides after the file or
// environment could not be loaded. Defaults alone are kept if the overrides
// do not validate.
func (cm *ConfigManager) fallback() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cfg := DefaultConfig()
	if cm.overrides != nil {
		cm.overrides(cfg)
	}
	if err := cfg.Validate(); err != nil {
		cfg = DefaultConfig()
	}
	cm.config = cfg
}

// LoadFile loads configuration from path without command-line overrides.
func (cm *ConfigManager) LoadFile(path string) error {
	cm.mu.Lock()
	cm.configPath = path
	cm.mu.Unlock()
	return cm.reload()
}

func (cm *ConfigManager) reload() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	oldConfig := *cm.config
	newConfig := DefaultConfig()

	if cm.configPath != "" && fileExists(cm.configPath) {
		if err := loadFromFile(cm.configPath, newConfig); err != nil {
			return fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := loadStructFromEnv(reflect.ValueOf(newConfig).Elem()); err != nil {
		return fmt.Errorf("failed to load config from environment: %w", err)
	}

	if cm.overrides != nil {
		cm.overrides(newConfig)
	}

	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = newConfig
	for _, watcher := range cm.watchers {
		go watcher(&oldConfig, newConfig)
	}
	return nil
}

// GetConfig returns a copy of the current configuration
func (cm *ConfigManager) GetConfig() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	configCopy := *cm.config
	return &configCopy
}

// ConfigPath returns the file the configuration was loaded from, if any.
func (cm *ConfigManager) ConfigPath() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.configPath
}

// AddWatcher adds a configuration change watcher
func (cm *ConfigManager) AddWatcher(watcher ConfigWatcher) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.watchers = append(cm.watchers, watcher)
}

func loadFromFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, config)
	case ".json":
		return json.Unmarshal(data, config)
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}
}

// loadStructFromEnv overrides fields whose env tag names a set variable.
func loadStructFromEnv(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := loadStructFromEnv(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		envValue, ok := os.LookupEnv(envTag)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s from %s: %w", fieldType.Name, envTag, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(duration))
		} else {
			intVal, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(intVal)
		}
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(boolVal)
	default:
		return fmt.Errorf("unsupported field type: %v", field.Kind())
	}

	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

type argFlags struct {
	configPath string
	apply      func(*Config)
}

// parseArgs reads the flags the host understands. Problems are returned as
// warnings; they never stop the plugin from starting.
func parseArgs(args []string) (argFlags, []string) {
	fs := pflag.NewFlagSet("plugin", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}

	port := fs.String("port", "", "TCP port to listen on")
	host := fs.String("host", "", "interface to listen on")
	configPath := fs.String("config", "", "path to a YAML or JSON config file")
	bridgeAddr := fs.String("bridge-addr", "", "enable the UI bridge on this address")
	logLevel := fs.String("log-level", "", "log level (trace, debug, info, warn, error)")

	var warnings []string
	if err := fs.Parse(args); err != nil {
		warnings = append(warnings, fmt.Sprintf("ignoring arguments: %v", err))
	}

	portValue := -1
	if fs.Changed("port") {
		p, err := strconv.Atoi(*port)
		if err != nil || p < 0 || p > 65535 {
			warnings = append(warnings, fmt.Sprintf("invalid --port %q, keeping configured port", *port))
		} else {
			portValue = p
		}
	}

	return argFlags{
		configPath: *configPath,
		apply: func(c *Config) {
			if portValue >= 0 {
				c.Server.Port = portValue
			}
			if fs.Changed("host") {
				c.Server.Host = *host
			}
			if fs.Changed("bridge-addr") && *bridgeAddr != "" {
				c.Bridge.Enabled = true
				c.Bridge.Addr = *bridgeAddr
			}
			if fs.Changed("log-level") {
				c.Logging.Level = *logLevel
			}
		},
	}, warnings
}
