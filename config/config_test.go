package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	config := Default()
	require.NoError(t, config.Validate())
	assert.Equal(t, "expense-tracker", config.App.Name)
	assert.Equal(t, "v1", config.App.Version)
	assert.Equal(t, "/static/", config.App.StaticPrefix)
	assert.Equal(t, []string{"/manifest.json"}, config.App.Precache)
	assert.Len(t, config.App.Static, 4)
}

func TestLoadFile(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "config.yml")
	yml := `
port: 8000
origin: http://localhost:3000
app:
  name: shop
  version: v7
  static:
    - css/app.css
storage:
  provider: memory
`
	require.NoError(t, os.WriteFile(filename, []byte(yml), 0644))

	config, err := Load(filename)
	require.NoError(t, err)
	require.NoError(t, config.Validate())

	assert.Equal(t, 8000, config.Port)
	assert.Equal(t, "http://localhost:3000", config.Origin)
	assert.Equal(t, "shop", config.App.Name)
	assert.Equal(t, "v7", config.App.Version)
	assert.Equal(t, []string{"css/app.css"}, config.App.Static)
	// untouched values keep their defaults
	assert.Equal(t, "/static/", config.App.StaticPrefix)
	assert.Equal(t, []string{"/manifest.json"}, config.App.Precache)
	assert.Equal(t, "memory", config.Storage.Provider)
	assert.Equal(t, 9090, config.AdminPort)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(filename, []byte("app:\n  version: v2\n"), 0644))
	t.Setenv("ASSET_CACHE_APP_VERSION", "v3")
	t.Setenv("ASSET_CACHE_STORAGE_PROVIDER", "redis")
	t.Setenv("ASSET_CACHE_APP_PRECACHE", "/manifest.json,/offline.html")

	config, err := Load(filename)
	require.NoError(t, err)

	assert.Equal(t, "v3", config.App.Version)
	assert.Equal(t, "redis", config.Storage.Provider)
	assert.Equal(t, []string{"/manifest.json", "/offline.html"}, config.App.Precache)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"no name", func(c *Config) { c.App.Name = "" }},
		{"no version", func(c *Config) { c.App.Version = "" }},
		{"prefix without leading slash", func(c *Config) { c.App.StaticPrefix = "static/" }},
		{"prefix without trailing slash", func(c *Config) { c.App.StaticPrefix = "/static" }},
		{"relative precache", func(c *Config) { c.App.Precache = []string{"manifest.json"} }},
		{"unknown provider", func(c *Config) { c.Storage.Provider = "s3" }},
		{"redis without address", func(c *Config) { c.Storage.Provider = "redis"; c.Storage.RedisAddr = "" }},
		{"no port", func(c *Config) { c.Port = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.modify(&config)
			assert.Error(t, config.Validate())
		})
	}
}
