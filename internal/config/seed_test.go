// ABOUTME: Tests for the YAML integration seed loader
// ABOUTME: Covers parsing, env expansion, and required-field validation

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "integrations.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSeed(t *testing.T) {
	t.Setenv("TEST_SEED_TOKEN", "syt_secret")

	path := writeSeed(t, `
integrations:
  - id: int-1
    type: matrix
    team_id: team-1
    homeserver: https://matrix.example.com
    user_id: "@tether:example.com"
    access_token: ${TEST_SEED_TOKEN}
    flags:
      threads: "on"
`)

	seed, err := LoadSeed(path)
	require.NoError(t, err)
	require.Len(t, seed.Integrations, 1)

	integration := seed.Integrations[0]
	assert.Equal(t, "int-1", integration.ID)
	assert.Equal(t, "matrix", integration.Type)
	assert.Equal(t, "team-1", integration.TeamID)
	assert.Equal(t, "syt_secret", integration.AccessToken, "env var expanded")
	assert.Equal(t, "on", integration.Flags["threads"])
}

func TestLoadSeedValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			"missing id",
			"integrations:\n  - type: matrix\n    homeserver: https://m.example.com\n    user_id: \"@b:e.com\"\n    access_token: tok\n",
			"id is required",
		},
		{
			"missing homeserver",
			"integrations:\n  - id: int-1\n    type: matrix\n    user_id: \"@b:e.com\"\n    access_token: tok\n",
			"homeserver is required",
		},
		{
			"missing token",
			"integrations:\n  - id: int-1\n    type: matrix\n    homeserver: https://m.example.com\n    user_id: \"@b:e.com\"\n",
			"access_token is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSeed(writeSeed(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadSeedMissingFile(t *testing.T) {
	_, err := LoadSeed(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
