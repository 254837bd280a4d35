package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediagrab/internal/config"
)

func TestConfigCommandPrintsEffectiveConfig(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("APP_ADDR", "")
	t.Setenv("JOB_TTL", "")

	path := filepath.Join(t.TempDir(), "mediagrab.toml")
	require.NoError(t, os.WriteFile(path, []byte("[jobs]\nttl = \"30m\"\n"), 0o644))

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "--config", path, "--addr", "127.0.0.1:9090"})
	require.NoError(t, cmd.Execute())

	var got config.Config
	require.NoError(t, toml.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "127.0.0.1:9090", got.Server.Addr)
	assert.Equal(t, "30m0s", got.Jobs.TTL.Duration.String())
	assert.Equal(t, 3, got.Jobs.MaxConcurrent)
}

func TestConfigCommandRejectsInvalidFile(t *testing.T) {
	chdir(t, t.TempDir())

	path := filepath.Join(t.TempDir(), "broken.toml")
	require.NoError(t, os.WriteFile(path, []byte("[jobs\n"), 0o644))

	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"config", "-c", path})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

// chdir changes the working directory for the duration of the test,
// restoring it on cleanup (stand-in for testing.T.Chdir, Go 1.24+).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
