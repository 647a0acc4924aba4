package plugins

import (
	"encoding/json"
	"errors"
	"time"
)

// Method names understood by the plugin server.
const (
	MethodHealthCheck   = "health_check"
	MethodExecuteAction = "execute_action"
	MethodGetInfo       = "get_info"
	MethodInitialize    = "initialize"
	MethodStart         = "start"
	MethodStop          = "stop"
)

// DefaultPort is the port a plugin listens on when none is given.
const DefaultPort = 50051

// Request is one line sent by the host.
type Request struct {
	Method string                 `json:"method"`
	Action string                 `json:"action"`
	Data   map[string]interface{} `json:"data"`
}

// Response is the single line written back for each Request.
type Response struct {
	Success bool                   `json:"success"`
	Result  map[string]interface{} `json:"result,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// OK returns a successful response carrying result.
func OK(result map[string]interface{}) Response {
	return Response{Success: true, Result: result}
}

// Fail returns an unsuccessful response with the given error text.
func Fail(message string) Response {
	return Response{Success: false, Error: message}
}

// Err returns the response error as a Go error, or nil when it succeeded.
func (r *Response) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == "" {
		return errors.New("plugin request failed")
	}
	return errors.New(r.Error)
}

// StorageKind separates stored items by purpose.
type StorageKind string

const (
	StorageConfig StorageKind = "config"
	StorageData   StorageKind = "data"
	StorageState  StorageKind = "state"
)

// Valid reports whether k is one of the known kinds.
func (k StorageKind) Valid() bool {
	switch k {
	case StorageConfig, StorageData, StorageState:
		return true
	}
	return false
}

// StoredItem is a value read back from Storage.
type StoredItem struct {
	Kind      StorageKind     `json:"kind"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Version   string          `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Decode unmarshals the stored value into v.
func (s *StoredItem) Decode(v interface{}) error {
	return json.Unmarshal(s.Value, v)
}

// ErrNotFound is returned by Storage when a key does not exist.
var ErrNotFound = errors.New("item not found")
