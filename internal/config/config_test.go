package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPolicy_MissingFileYieldsDefaults(t *testing.T) {
	p, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy().Proxy.Port, p.Proxy.Port)
}

func TestLoadPolicy_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	writeFile(t, path, `
proxy:
  port: 9999
  upstream_base_url: "https://example.invalid"
monitoring:
  failure_threshold: 5
`)

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, p.Proxy.Port)
	assert.Equal(t, "https://example.invalid", p.Proxy.UpstreamBaseURL)
	assert.Equal(t, 5, p.Monitoring.FailureThreshold)
	assert.Equal(t, DefaultPolicy().Monitoring.WindowSeconds, p.Monitoring.WindowSeconds)
}

func TestPolicy_Validate_RejectsBadPort(t *testing.T) {
	p := DefaultPolicy()
	p.Proxy.Port = 0
	assert.Error(t, p.Validate())
}

func TestPolicy_Validate_RejectsEmptyUpstreamURL(t *testing.T) {
	p := DefaultPolicy()
	p.Proxy.UpstreamBaseURL = ""
	assert.Error(t, p.Validate())
}

func TestPolicy_Validate_AcceptsDefaults(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
