package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadWorkflow(t *testing.T) {
	t.Run("loads provider overrides", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, WorkflowFileName, `
providers:
  - id: openai
    name: Azure OpenAI
    api_key: AZURE_OPENAI_KEY
    provider_type: openai
    base_url: https://azure.example/openai/v1
  - id: local
    name: Local
    api_key: LOCAL_KEY
    provider_type: openai
    base_url: http://localhost:11434/v1/
`)

		wf := LoadWorkflow(dir, nil)
		require.NotNil(t, wf)
		require.Len(t, wf.Providers, 2)
		assert.Equal(t, "Azure OpenAI", wf.Providers[0].Name)
		// Base URLs normalize on load.
		assert.Equal(t, "https://azure.example/openai/v1/", wf.Providers[0].BaseURL)
		assert.Equal(t, "http://localhost:11434/v1/", wf.Providers[1].BaseURL)
	})

	t.Run("missing file is nil", func(t *testing.T) {
		assert.Nil(t, LoadWorkflow(t.TempDir(), nil))
	})

	t.Run("malformed file is nil", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, WorkflowFileName, "providers: [unclosed")
		assert.Nil(t, LoadWorkflow(dir, nil))
	})

	t.Run("unrelated top-level keys ignored", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, WorkflowFileName, `
commands:
  - name: fix
providers:
  - id: openai
    api_key: OPENAI_API_KEY
    provider_type: openai
    base_url: https://api.openai.com/v1
`)
		wf := LoadWorkflow(dir, nil)
		require.NotNil(t, wf)
		assert.Len(t, wf.Providers, 1)
	})
}

func TestDefaultSettings(t *testing.T) {
	settings := DefaultSettings()
	assert.Equal(t, 10*time.Second, settings.HTTP.ConnectTimeout)
	assert.Equal(t, 3, settings.Retry.MaxRetries)
	assert.False(t, settings.Dump.Enabled)
	assert.Contains(t, settings.Dump.Dir, ".crucible")
}

func TestLoadSettings(t *testing.T) {
	t.Run("yaml overrides defaults", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "settings.yaml", `
http:
  connect_timeout: 2s
  read_timeout: 1m
retry:
  max_retries: 5
dump:
  enabled: true
  dir: /tmp/crucible-dumps
`)

		settings := LoadSettings(path, nil)
		assert.Equal(t, 2*time.Second, settings.HTTP.ConnectTimeout)
		assert.Equal(t, time.Minute, settings.HTTP.ReadTimeout)
		assert.Equal(t, 5, settings.Retry.MaxRetries)
		assert.True(t, settings.Dump.Enabled)
		assert.Equal(t, "/tmp/crucible-dumps", settings.Dump.Dir)
		// Untouched fields keep their defaults.
		assert.Equal(t, 90*time.Second, settings.HTTP.PoolIdleTimeout)
	})

	t.Run("missing file keeps defaults", func(t *testing.T) {
		settings := LoadSettings(filepath.Join(t.TempDir(), "absent.yaml"), nil)
		assert.Equal(t, DefaultSettings().HTTP, settings.HTTP)
	})

	t.Run("malformed file keeps defaults", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "settings.yaml", "{broken yaml")
		settings := LoadSettings(path, nil)
		assert.Equal(t, DefaultSettings().Retry.MaxRetries, settings.Retry.MaxRetries)
	})

	t.Run("environment wins over yaml", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "settings.yaml", `
retry:
  max_retries: 5
dump:
  enabled: false
`)
		t.Setenv("CRUCIBLE_DUMP", "true")
		t.Setenv("CRUCIBLE_DUMP_DIR", "/tmp/env-dumps")
		t.Setenv("CRUCIBLE_MAX_RETRIES", "7")

		settings := LoadSettings(path, nil)
		assert.True(t, settings.Dump.Enabled)
		assert.Equal(t, "/tmp/env-dumps", settings.Dump.Dir)
		assert.Equal(t, 7, settings.Retry.MaxRetries)
	})

	t.Run("invalid environment values ignored", func(t *testing.T) {
		t.Setenv("CRUCIBLE_DUMP", "not-a-bool")
		t.Setenv("CRUCIBLE_MAX_RETRIES", "-2")

		settings := LoadSettings("", nil)
		assert.False(t, settings.Dump.Enabled)
		assert.Equal(t, 3, settings.Retry.MaxRetries)
	})
}
