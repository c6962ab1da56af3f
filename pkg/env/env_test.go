package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvString(t *testing.T) {
	t.Setenv("TEST_STRING", "hello")
	assert.Equal(t, "hello", GetEnvString("TEST_STRING", "default"))
	assert.Equal(t, "default", GetEnvString("TEST_STRING_MISSING", "default"))
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		value        string
		defaultValue bool
		expected     bool
	}{
		{"true", "true", false, true},
		{"false", "false", true, false},
		{"one", "1", false, true},
		{"zero", "0", true, false},
		{"invalid keeps default", "not-a-bool", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_BOOL", tt.value)
			assert.Equal(t, tt.expected, GetEnvBool("TEST_BOOL", tt.defaultValue))
		})
	}

	assert.True(t, GetEnvBool("TEST_BOOL_MISSING", true))
}

func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name         string
		value        string
		defaultValue int
		expected     int
	}{
		{"positive", "123", 0, 123},
		{"negative", "-7", 0, -7},
		{"invalid keeps default", "12.5", 99, 99},
		{"empty keeps default", "", 42, 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_INT", tt.value)
			assert.Equal(t, tt.expected, GetEnvInt("TEST_INT", tt.defaultValue))
		})
	}

	assert.Equal(t, 5, GetEnvInt("TEST_INT_MISSING", 5))
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name         string
		value        string
		defaultValue time.Duration
		expected     time.Duration
	}{
		{"seconds", "30s", time.Minute, 30 * time.Second},
		{"composite", "1h30m", time.Second, 90 * time.Minute},
		{"missing unit keeps default", "30", time.Minute, time.Minute},
		{"invalid keeps default", "soon", time.Minute, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.value)
			assert.Equal(t, tt.expected, GetEnvDuration("TEST_DURATION", tt.defaultValue))
		})
	}

	assert.Equal(t, time.Hour, GetEnvDuration("TEST_DURATION_MISSING", time.Hour))
}
