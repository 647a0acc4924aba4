package plugins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequireConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  map[string]interface{}
		fields  []string
		wantErr string
	}{
		{"nil config", nil, nil, "config is required"},
		{"no fields", map[string]interface{}{}, nil, ""},
		{"present", map[string]interface{}{"a": 1, "b": "x"}, []string{"a", "b"}, ""},
		{"missing", map[string]interface{}{"a": 1}, []string{"a", "b"}, "b is required"},
		{"blank string", map[string]interface{}{"a": "  "}, []string{"a"}, "a is required"},
		{"empty list", map[string]interface{}{"a": []interface{}{}}, []string{"a"}, "a is required"},
		{"explicit null", map[string]interface{}{"a": nil}, []string{"a"}, "a is required"},
		{"false is set", map[string]interface{}{"a": false}, []string{"a"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RequireConfig(tt.config, tt.fields...)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestDecodeConfig(t *testing.T) {
	var cfg struct {
		Token string `json:"token"`
		Limit int    `json:"limit"`
	}
	require.NoError(t, DecodeConfig(map[string]interface{}{"token": "t", "limit": 5.0}, &cfg))
	assert.Equal(t, "t", cfg.Token)
	assert.Equal(t, 5, cfg.Limit)

	assert.Error(t, DecodeConfig(map[string]interface{}{"limit": "many"}, &cfg))
}
