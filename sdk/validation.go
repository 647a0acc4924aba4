package plugins

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// ValidationError represents a validation error with details
type ValidationError struct {
	Field   string
	Message string
}

func (ve *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", ve.Field, ve.Message)
}

// RequireConfig checks that every named field is present and non-empty in
// config. Plugins call it at the top of Initialize.
func RequireConfig(config map[string]interface{}, fields ...string) error {
	if config == nil {
		return &ValidationError{Field: "config", Message: "is required"}
	}
	for _, field := range fields {
		value, ok := config[field]
		if !ok || isEmpty(value) {
			return &ValidationError{Field: field, Message: "is required"}
		}
	}
	return nil
}

// DecodeConfig copies a generic config map into a typed struct using its
// json tags.
func DecodeConfig(config map[string]interface{}, out interface{}) error {
	if err := decodeViaJSON(config, out); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func isEmpty(value interface{}) bool {
	if value == nil {
		return true
	}
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return v.Len() == 0
	}
	return false
}

func decodeViaJSON(in interface{}, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
