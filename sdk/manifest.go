package plugins

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Manifest describes a plugin package. It is read from the plugin.cue file
// shipped next to the plugin binary:
//
//	plugin: {
//		name:               "json-linter-formatter"
//		version:            "1.0.0"
//		custom_element_tag: "json-linter-formatter"
//	}
type Manifest struct {
	Name             string   `json:"name"`
	Version          string   `json:"version"`
	Description      string   `json:"description,omitempty"`
	UIComponentPath  string   `json:"ui_component_path,omitempty"`
	CustomElementTag string   `json:"custom_element_tag,omitempty"`
	RequiredConfig   []string `json:"required_config,omitempty"`
}

// LoadManifest reads and validates a plugin.cue file.
func LoadManifest(path string) (*Manifest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(path, content)
}

// ParseManifest parses manifest source. filename is only used in errors.
func ParseManifest(filename string, src []byte) (*Manifest, error) {
	value := cuecontext.New().CompileBytes(src, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("error compiling manifest: %w", err)
	}

	pluginValue := value.LookupPath(cue.ParsePath("plugin"))
	if !pluginValue.Exists() {
		return nil, fmt.Errorf("plugin definition not found in %s", filename)
	}

	var m Manifest
	if err := pluginValue.Decode(&m); err != nil {
		return nil, fmt.Errorf("error decoding manifest: %w", err)
	}
	if m.Name == "" {
		return nil, &ValidationError{Field: "plugin.name", Message: "is required"}
	}
	if m.Version == "" {
		m.Version = "0.0.0"
	}
	return &m, nil
}
