package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSource_Current_LoadsInitialView(t *testing.T) {
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.yaml")
	credsPath := filepath.Join(dir, "credentials.yaml")
	writeFile(t, policyPath, "proxy:\n  port: 8088\n")
	writeFile(t, credsPath, "keys:\n  - name: a\n    key: sk-a\n")

	s, err := NewSource(policyPath, credsPath, nil)
	require.NoError(t, err)
	defer s.Close()

	view := s.Current()
	assert.Equal(t, 8088, view.Policy.Proxy.Port)
	require.Len(t, view.Credentials, 1)
	assert.Equal(t, "a", view.Credentials[0].Name)
}

func TestSource_ForceReload_PublishesToSubscribers(t *testing.T) {
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.yaml")
	writeFile(t, policyPath, "proxy:\n  port: 8088\n")

	s, err := NewSource(policyPath, "", nil)
	require.NoError(t, err)
	defer s.Close()

	received := make(chan View, 1)
	s.Subscribe(func(v View) { received <- v })

	writeFile(t, policyPath, "proxy:\n  port: 9090\n")
	require.NoError(t, s.ForceReload())

	select {
	case v := <-received:
		assert.Equal(t, 9090, v.Policy.Proxy.Port)
	case <-time.After(time.Second):
		t.Fatal("subscriber was not notified")
	}
}

func TestSource_ForceReload_KeepsPriorViewOnParseError(t *testing.T) {
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.yaml")
	writeFile(t, policyPath, "proxy:\n  port: 8088\n")

	s, err := NewSource(policyPath, "", nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, os.WriteFile(policyPath, []byte("proxy:\n  port: -1\n"), 0o644))
	assert.Error(t, s.ForceReload())

	assert.Equal(t, 8088, s.Current().Policy.Proxy.Port)
}

func TestSource_Watch_PicksUpFileChange(t *testing.T) {
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.yaml")
	writeFile(t, policyPath, "proxy:\n  port: 8088\n")

	s, err := NewSource(policyPath, "", nil)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Watch())

	received := make(chan View, 1)
	s.Subscribe(func(v View) { received <- v })

	writeFile(t, policyPath, "proxy:\n  port: 7070\n")

	select {
	case v := <-received:
		assert.Equal(t, 7070, v.Policy.Proxy.Port)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not observe the file change")
	}
}
