package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/artpar/comparellm/config"
	"github.com/stretchr/testify/require"
)

func TestGenerateConfig_Loads(t *testing.T) {
	hash, err := getHasher().Hash("0123456789abcdef0123")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "comparellm.yaml")
	content := generateConfig("https://openrouter.ai/api/v1", "sk-or-1", "data.db", "jwt-secret", string(hash))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "data.db", cfg.Database.DSN)
	require.Equal(t, "jwt-secret", cfg.Identity.JWTSecret)
	require.Equal(t, "sk-or-1", cfg.Gateway.APIKey)
	require.True(t, getHasher().Compare([]byte(cfg.Admin.TokenHash), "0123456789abcdef0123"))
}

func TestGenerateConfig_EnvPlaceholders(t *testing.T) {
	t.Setenv("COMPARELLM_IDENTITY_JWT_SECRET", "from-env")
	t.Setenv("COMPARELLM_GATEWAY_API_KEY", "key-from-env")

	path := filepath.Join(t.TempDir(), "comparellm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(generateConfig("http://gw", "", "x.db", "", "")), 0600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Identity.JWTSecret)
	require.Equal(t, "key-from-env", cfg.Gateway.APIKey)
	require.Empty(t, cfg.Admin.TokenHash)
}

func TestGenerateToken(t *testing.T) {
	a, err := generateToken()
	require.NoError(t, err)
	b, err := generateToken()
	require.NoError(t, err)
	require.Len(t, a, 48)
	require.NotEqual(t, a, b)
}
