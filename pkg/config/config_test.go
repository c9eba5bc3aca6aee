package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mapLookup(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoad_DefaultsFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bothost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9000"
master_key: "k"
quota:
  free_duration: 45m
  free_max_instances: 2
worker:
  embedded_mode: process
`), 0o600))

	cfg, err := Load(path, mapLookup(map[string]string{
		"BOTHOST_LISTEN":            ":9100",
		"BOTHOST_STARTS_PER_MINUTE": "3",
		"BOTHOST_ENV_DENY_PREFIXES": "BOTHOST_, AWS_",
	}))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, ":9100", cfg.Listen)
	require.Equal(t, 45*time.Minute, cfg.Quota.FreeDuration)
	require.Equal(t, 2, cfg.Quota.FreeMaxInstances)
	require.Equal(t, 7, cfg.Quota.PremiumMaxInstances)
	require.Equal(t, 3, cfg.Quota.StartsPerMinute)
	require.Equal(t, EmbeddedModeProcess, cfg.Worker.EmbeddedMode)
	require.Equal(t, 10*time.Second, cfg.Worker.EvalTimeout)
	require.Equal(t, []string{"BOTHOST_", "AWS_"}, cfg.Worker.EnvDenyPrefixes)
}

func TestLoad_BadEnvValue(t *testing.T) {
	_, err := Load("", mapLookup(map[string]string{"BOTHOST_FREE_DURATION": "soon"}))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Validate(), "missing master key")

	cfg.Passphrase = "pw"
	require.NoError(t, cfg.Validate())

	cfg.SecretBackend = "vault"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MasterKey = "k"
	cfg.Worker.EmbeddedMode = "thread"
	require.Error(t, cfg.Validate())
}
