package main

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(nil, envMap(nil), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 2222, cfg.Port)
	assert.Equal(t, "0.0.0.0:2222", cfg.ListenAddr())
	assert.Equal(t, "default", cfg.Model)
	assert.Equal(t, "logs", cfg.LogsDir)
}

func TestLoadConfigLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sshllm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 3000\nmodel: from-file\nlogs_dir: file-logs\n"), 0600))

	env := envMap(map[string]string{
		"SSHLLM_CONFIG": path,
		"SSHLLM_MODEL":  "from-env",
		"SSHLLM_PORT":   "4000",
	})

	cfg, err := loadConfig([]string{"-port", "5000"}, env, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Port, "flag beats env")
	assert.Equal(t, "from-env", cfg.Model, "env beats file")
	assert.Equal(t, "file-logs", cfg.LogsDir, "file beats default")
}

func TestLoadConfigUnsetFlagsKeepEnv(t *testing.T) {
	cfg, err := loadConfig([]string{"-model", "m"}, envMap(map[string]string{"SSHLLM_PORT": "2300"}), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 2300, cfg.Port)
	assert.Equal(t, "m", cfg.Model)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig([]string{"-port", "0"}, envMap(nil), &bytes.Buffer{})
	assert.ErrorContains(t, err, "port")

	_, err = loadConfig([]string{"extra"}, envMap(nil), &bytes.Buffer{})
	assert.ErrorContains(t, err, "unexpected arguments")

	_, err = loadConfig(nil, envMap(map[string]string{"SSHLLM_PORT": "abc"}), &bytes.Buffer{})
	assert.Error(t, err)

	_, err = loadConfig([]string{"-no-such-flag"}, envMap(nil), &bytes.Buffer{})
	assert.Error(t, err)
}

func TestLoadConfigVersion(t *testing.T) {
	var out bytes.Buffer
	_, err := loadConfig([]string{"-version"}, envMap(nil), &out)
	assert.ErrorIs(t, err, flag.ErrHelp)
	assert.Contains(t, out.String(), "sshllm")
}

func TestLoadConfigWriteConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sshllm.json")
	env := envMap(map[string]string{"SSHLLM_API_KEY": "sk-secret"})

	var out bytes.Buffer
	_, err := loadConfig([]string{"-model", "written", "-write-config", path}, env, &out)
	assert.ErrorIs(t, err, flag.ErrHelp)
	assert.Contains(t, out.String(), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-secret")

	cfg, err := loadConfig([]string{"-config", path}, envMap(nil), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "written", cfg.Model)
}
