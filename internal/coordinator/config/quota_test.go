package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attestnet/coordinator/internal/coordinator/writebuffer"
	"github.com/attestnet/coordinator/pkg/types"
)

func writeQuotaFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quota.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadQuotaLimitsDefaults(t *testing.T) {
	limits, err := LoadQuotaLimits("")
	require.NoError(t, err)
	assert.Equal(t, writebuffer.DefaultLimits(), limits)
}

func TestLoadQuotaLimitsOverride(t *testing.T) {
	path := writeQuotaFile(t, `
write:
  per_second: 100
  per_minute: 5000
delete:
  per_second: 10
  per_minute: 500
`)

	limits, err := LoadQuotaLimits(path)
	require.NoError(t, err)

	assert.Equal(t, writebuffer.Limits{PerSecond: 100, PerMinute: 5000}, limits[types.OpWrite])
	assert.Equal(t, writebuffer.Limits{PerSecond: 10, PerMinute: 500}, limits[types.OpDelete])
	// Classes absent from the file keep their defaults.
	assert.Equal(t, writebuffer.DefaultLimits()[types.OpRead], limits[types.OpRead])
}

func TestLoadQuotaLimitsRejectsNegative(t *testing.T) {
	path := writeQuotaFile(t, `
write:
  per_second: -1
  per_minute: 100
`)

	_, err := LoadQuotaLimits(path)
	assert.Error(t, err)
}

func TestLoadQuotaLimitsMissingFile(t *testing.T) {
	_, err := LoadQuotaLimits(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadQuotaLimitsMalformedYAML(t *testing.T) {
	path := writeQuotaFile(t, "write: [not a mapping")
	_, err := LoadQuotaLimits(path)
	assert.Error(t, err)
}

func TestInitWithDefaults(t *testing.T) {
	require.NoError(t, Init())

	assert.Equal(t, "9010", GetAPIPort())
	assert.Equal(t, 2, GetMinVerifiers())
	assert.Equal(t, []string{"localhost:9042"}, GetDatabaseHosts())
	// No standalone metrics listener unless a port is configured.
	assert.Empty(t, GetMetricsPort())
}

func TestInitReadsMetricsPort(t *testing.T) {
	t.Setenv("METRICS_PORT", "9100")
	require.NoError(t, Init())
	assert.Equal(t, "9100", GetMetricsPort())
}

func TestInitRejectsBadValues(t *testing.T) {
	t.Setenv("MIN_CONSENSUS_VERIFIERS", "0")
	assert.Error(t, Init())
}
