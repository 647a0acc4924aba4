// Package plugins provides the contract between a plugin process and the host
// that drives it. Plugins implement PluginAPI and hand themselves to the
// server; hosts talk to them with Client over line-delimited JSON.
package plugins

import (
	"context"

	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/plughost/sdk/scope"
)

// PluginAPI is the interface every plugin implements. The server validates
// lifecycle preconditions before calling Initialize, Start or Stop, so
// implementations can assume them.
type PluginAPI interface {
	Initialize(config map[string]interface{}) error
	Start(ctx context.Context) error
	Stop() error
	GetInfo() map[string]interface{}
	HandleRequest(method, path string, body []byte) ([]byte, error)
	HealthCheck(checkName string) error
}

// MenuProvider is implemented by plugins that contribute menu entries to the
// host UI.
type MenuProvider interface {
	GetMenuItems() ([]map[string]interface{}, error)
}

// HostAware is implemented by plugins that want access to host-provided
// services. AttachHost is called once, before the first request is served.
type HostAware interface {
	AttachHost(host *Host)
}

// Storage persists small JSON documents on behalf of a plugin.
type Storage interface {
	Put(ctx context.Context, kind StorageKind, key string, value interface{}, version string) error
	Get(ctx context.Context, kind StorageKind, key string) (*StoredItem, error)
	Delete(ctx context.Context, kind StorageKind, key string) error
	List(ctx context.Context, kind StorageKind) ([]string, error)
	Stats(ctx context.Context) (map[StorageKind]int64, error)
}

// Host bundles the services a running plugin process offers to its plugin.
// Scope lives as long as the process, not as long as any UI mount.
type Host struct {
	Logger  hclog.Logger
	Scope   *scope.Manager
	Events  *scope.Emitter
	Storage Storage
}
