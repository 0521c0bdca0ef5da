package config

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 15*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, "fa", cfg.Workflow.Lang)
	assert.Equal(t, 10, cfg.Workflow.CatalogPageSize)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/ws/helpflow.yml", []byte(`
backend:
  base_url: https://charity.example.org/api
server:
  jwt_secret: s3cret
  legacy_actor_header: false
workflow:
  catalog_page_size: 25
`), 0o644))

	cfg, err := Load(fs, "/ws")
	require.NoError(t, err)
	assert.Equal(t, "https://charity.example.org/api", cfg.Backend.BaseURL)
	assert.Equal(t, 25, cfg.Workflow.CatalogPageSize)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(afero.NewMemMapFs(), "/nowhere")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	cfg, err := LoadOptional(afero.NewMemMapFs(), "/nowhere")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate_Errors(t *testing.T) {
	cases := map[string]string{
		"bad url":     "backend:\n  base_url: not a url\n",
		"bad driver":  "storage:\n  driver: postgres\n",
		"memory kv":   "storage:\n  driver: memory\n",
		"page size":   "workflow:\n  catalog_page_size: 0\n",
		"no auth":     "server:\n  legacy_actor_header: false\n",
		"bad webhook": "webhooks:\n  urls: [\"::\"]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestWriteRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := Default()
	cfg.Server.JWTSecret = "k"
	require.NoError(t, Write(fs, "/ws", cfg))

	got, err := Load(fs, "/ws")
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}
