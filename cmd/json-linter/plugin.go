package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	plugins "github.com/mantonx/plughost/sdk"
	"github.com/mantonx/plughost/sdk/scope"
)

const (
	settingsKey  = "linter_settings"
	statsKey     = "lint_stats"
	storeTimeout = 2 * time.Second

	// EventLint is published after every lint run.
	EventLint = "lint"
	// EventStats is published on the stats interval.
	EventStats = "stats"
)

// Settings tune the linter. They are merged from defaults, then stored
// settings, then the initialize config.
type Settings struct {
	Indent int    `json:"indent"`
	Expect string `json:"expect,omitempty"`
	// StatsIntervalSeconds publishes lint counters on the event stream.
	// Zero disables it.
	StatsIntervalSeconds int `json:"stats_interval_seconds,omitempty"`
}

func defaultSettings() Settings {
	return Settings{Indent: 2}
}

func (s Settings) validate() error {
	if s.Indent < 0 || s.Indent > 8 {
		return &plugins.ValidationError{Field: "indent", Message: "must be between 0 and 8"}
	}
	switch s.Expect {
	case ExpectAny, ExpectObject, ExpectArray:
	default:
		return &plugins.ValidationError{Field: "expect", Message: "must be object, array or empty"}
	}
	if s.StatsIntervalSeconds < 0 {
		return &plugins.ValidationError{Field: "stats_interval_seconds", Message: "must not be negative"}
	}
	return nil
}

// lintRequest is the body of execute_action and POST /lint.
type lintRequest struct {
	Input  string  `json:"input"`
	Indent *int    `json:"indent,omitempty"`
	Expect *string `json:"expect,omitempty"`
}

// Linter is the JSON linter plugin.
type Linter struct {
	*plugins.BasePlugin

	logger hclog.Logger
	host   *plugins.Host

	mu       sync.RWMutex
	settings Settings
	ticker   *scope.Timer

	valid   atomic.Int64
	invalid atomic.Int64
}

var (
	_ plugins.PluginAPI    = (*Linter)(nil)
	_ plugins.HostAware    = (*Linter)(nil)
	_ plugins.MenuProvider = (*Linter)(nil)
)

// NewLinter creates the plugin from its manifest.
func NewLinter(manifest plugins.Manifest) *Linter {
	l := &Linter{
		BasePlugin: plugins.NewBasePlugin(manifest),
		logger:     hclog.NewNullLogger(),
		settings:   defaultSettings(),
	}
	l.Checks().Register("self", l.checkSelf)
	l.Checks().Register("system_resources", plugins.SystemResourcesCheck(plugins.DefaultHealthThresholds()))
	l.Checks().Register("storage", l.checkStorage)
	return l
}

// AttachHost implements plugins.HostAware.
func (l *Linter) AttachHost(host *plugins.Host) {
	l.host = host
	if host.Logger != nil {
		l.logger = host.Logger.Named("json-linter")
	}
}

func (l *Linter) Initialize(config map[string]interface{}) error {
	settings := defaultSettings()

	if stored, err := l.loadSettings(); err == nil {
		settings = stored
	} else if !errors.Is(err, plugins.ErrNotFound) && !errors.Is(err, errNoStorage) {
		l.logger.Warn("failed to load stored settings, using defaults", "error", err)
	}

	if err := plugins.DecodeConfig(config, &settings); err != nil {
		return err
	}
	if err := settings.validate(); err != nil {
		return err
	}
	if err := l.BasePlugin.Initialize(config); err != nil {
		return err
	}

	l.mu.Lock()
	l.settings = settings
	l.mu.Unlock()

	if err := l.store(plugins.StorageConfig, settingsKey, settings); err != nil && !errors.Is(err, errNoStorage) {
		l.logger.Warn("failed to persist settings", "error", err)
	}
	l.logger.Info("json linter initialized", "indent", settings.Indent, "expect", settings.Expect)
	return nil
}

func (l *Linter) Start(ctx context.Context) error {
	if err := l.BasePlugin.Start(ctx); err != nil {
		return err
	}

	settings := l.Settings()
	if l.host != nil && l.host.Scope != nil && settings.StatsIntervalSeconds > 0 {
		l.mu.Lock()
		if l.ticker == nil {
			l.ticker = l.host.Scope.SetManagedInterval(l.publishStats, time.Duration(settings.StatsIntervalSeconds)*time.Second)
		}
		l.mu.Unlock()
	}
	return nil
}

func (l *Linter) Stop() error {
	l.mu.Lock()
	ticker := l.ticker
	l.ticker = nil
	l.mu.Unlock()
	if ticker != nil && l.host != nil {
		l.host.Scope.ClearManagedInterval(ticker)
	}

	if err := l.store(plugins.StorageState, statsKey, l.stats()); err != nil && !errors.Is(err, errNoStorage) {
		l.logger.Warn("failed to persist lint stats", "error", err)
	}
	return l.BasePlugin.Stop()
}

func (l *Linter) GetInfo() map[string]interface{} {
	info := l.BasePlugin.GetInfo()
	if v, ok := info["version"].(string); ok {
		info["version"] = versionString(v)
	}
	info["build"] = buildInfo()
	info["settings"] = l.Settings()
	info["stats"] = l.stats()
	return info
}

// HandleRequest serves execute_action (POST /execute) and the UI routes.
func (l *Linter) HandleRequest(method, path string, body []byte) ([]byte, error) {
	switch {
	case method == "POST" && (path == "/execute" || path == "/lint"):
		return l.handleLint(body)
	case method == "GET" && path == "/settings":
		return json.Marshal(l.Settings())
	case method == "GET" && path == "/stats":
		return json.Marshal(l.stats())
	}
	return l.BasePlugin.HandleRequest(method, path, body)
}

func (l *Linter) GetMenuItems() ([]map[string]interface{}, error) {
	return []map[string]interface{}{
		{"title": "JSON Linter", "path": "/json-linter", "icon": "braces"},
	}, nil
}

func (l *Linter) handleLint(body []byte) ([]byte, error) {
	var req lintRequest
	if err := json.Unmarshal(body, &req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, fmt.Errorf("%s must be a %s", typeErr.Field, typeErr.Type)
		}
		return nil, fmt.Errorf("invalid lint request: %w", err)
	}

	settings := l.Settings()
	if req.Indent != nil {
		settings.Indent = *req.Indent
	}
	if req.Expect != nil {
		settings.Expect = *req.Expect
	}
	if err := settings.validate(); err != nil {
		return nil, err
	}

	result := Lint(req.Input, settings)
	if result.IsValid {
		l.valid.Add(1)
	} else {
		l.invalid.Add(1)
	}
	l.logger.Debug("lint finished", "result", result.describe())
	l.publish(EventLint, map[string]interface{}{
		"isValid": result.IsValid,
		"line":    result.Line,
		"column":  result.Column,
	})

	return json.Marshal(result)
}

// Settings returns the active settings.
func (l *Linter) Settings() Settings {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.settings
}

func (l *Linter) stats() map[string]int64 {
	return map[string]int64{
		"valid":   l.valid.Load(),
		"invalid": l.invalid.Load(),
	}
}

func (l *Linter) publishStats() {
	l.publish(EventStats, l.stats())
}

func (l *Linter) publish(event string, payload interface{}) {
	if l.host == nil || l.host.Events == nil {
		return
	}
	l.host.Events.Emit(event, payload)
}

var errNoStorage = errors.New("storage not attached")

func (l *Linter) storage() plugins.Storage {
	if l.host == nil {
		return nil
	}
	return l.host.Storage
}

func (l *Linter) store(kind plugins.StorageKind, key string, value interface{}) error {
	s := l.storage()
	if s == nil {
		return errNoStorage
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return s.Put(ctx, kind, key, value, l.Manifest().Version)
}

func (l *Linter) loadSettings() (Settings, error) {
	s := l.storage()
	if s == nil {
		return Settings{}, errNoStorage
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	item, err := s.Get(ctx, plugins.StorageConfig, settingsKey)
	if err != nil {
		return Settings{}, err
	}
	settings := defaultSettings()
	if err := item.Decode(&settings); err != nil {
		return Settings{}, fmt.Errorf("stored settings are corrupt: %w", err)
	}
	return settings, nil
}

func (l *Linter) checkSelf() error {
	if got := Lint(`{"ok":true}`, defaultSettings()); !got.IsValid {
		return fmt.Errorf("linter self test failed: %s", got.ErrorMessage)
	}
	if l.Status() == plugins.StatusStopped {
		return errors.New("plugin is stopped")
	}
	return nil
}

func (l *Linter) checkStorage() error {
	s := l.storage()
	if s == nil {
		return errNoStorage
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if _, err := s.Stats(ctx); err != nil {
		return fmt.Errorf("storage unavailable: %w", err)
	}
	return nil
}
