package plugins

import (
	"context"
	"fmt"
	"sync"
)

// Status values reported by BasePlugin.GetInfo.
const (
	StatusCreated     = "created"
	StatusInitialized = "initialized"
	StatusRunning     = "running"
	StatusStopped     = "stopped"
)

// BasePlugin provides default implementations for all PluginAPI methods.
// Plugins embed it and override what they need.
type BasePlugin struct {
	manifest Manifest
	checks   *HealthChecks

	mu     sync.RWMutex
	status string
	config map[string]interface{}
}

// NewBasePlugin creates a new base plugin with the given metadata
func NewBasePlugin(manifest Manifest) *BasePlugin {
	return &BasePlugin{
		manifest: manifest,
		checks:   NewHealthChecks(),
		status:   StatusCreated,
	}
}

func (b *BasePlugin) Initialize(config map[string]interface{}) error {
	if err := RequireConfig(config, b.manifest.RequiredConfig...); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.config = config
	b.status = StatusInitialized
	return nil
}

func (b *BasePlugin) Start(ctx context.Context) error {
	b.setStatus(StatusRunning)
	return nil
}

func (b *BasePlugin) Stop() error {
	b.setStatus(StatusStopped)
	return nil
}

func (b *BasePlugin) GetInfo() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	info := map[string]interface{}{
		"name":    b.manifest.Name,
		"version": b.manifest.Version,
		"status":  b.status,
	}
	if b.manifest.Description != "" {
		info["description"] = b.manifest.Description
	}
	if b.manifest.CustomElementTag != "" {
		info["custom_element_tag"] = b.manifest.CustomElementTag
		info["ui_component_path"] = b.manifest.UIComponentPath
	}
	return info
}

func (b *BasePlugin) HandleRequest(method, path string, body []byte) ([]byte, error) {
	return nil, fmt.Errorf("endpoint not found: %s %s", method, path)
}

func (b *BasePlugin) HealthCheck(checkName string) error {
	return b.checks.Run(checkName)
}

// Checks exposes the named health checks so plugins can register their own.
func (b *BasePlugin) Checks() *HealthChecks {
	return b.checks
}

// Manifest returns the plugin's manifest.
func (b *BasePlugin) Manifest() Manifest {
	return b.manifest
}

// Config returns the configuration accepted by the last Initialize.
func (b *BasePlugin) Config() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.config
}

// Status returns the plugin's self-reported status.
func (b *BasePlugin) Status() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

func (b *BasePlugin) setStatus(status string) {
	b.mu.Lock()
	b.status = status
	b.mu.Unlock()
}
