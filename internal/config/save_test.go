package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func readConfig(t *testing.T, path string) Config {
	t.Helper()
	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())
	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	return cfg
}

func TestSaveUISelection_PreservesComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	require.NoError(t, SaveUISelection(path, "worker", "mistral"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "# llamadesk configuration")
	require.Contains(t, string(data), "# render responses with glamour")

	cfg := readConfig(t, path)
	require.Equal(t, "worker", cfg.UI.DefaultMode)
	require.Equal(t, "mistral", cfg.UI.DefaultModel)
	require.Equal(t, Defaults().Worker, cfg.Worker)
}

func TestSaveUISelection_CreatesFileAndSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	require.NoError(t, SaveUISelection(path, "consumer", "llama3.2"))

	cfg := readConfig(t, path)
	require.Equal(t, "consumer", cfg.UI.DefaultMode)
	require.Equal(t, "llama3.2", cfg.UI.DefaultModel)
}

func TestSaveValues_SkipsEmptyAndAddsKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  command: crowdllama # binary\n"), 0o600))

	require.NoError(t, SaveValues(path, map[string]string{
		"ui.default_model": "",
		"worker.dir":       "/srv",
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "# binary")
	require.NotContains(t, string(data), "default_model")

	cfg := readConfig(t, path)
	require.Equal(t, "crowdllama", cfg.Worker.Command)
	require.Equal(t, "/srv", cfg.Worker.Dir)
}

func TestSaveValues_Errors(t *testing.T) {
	dir := t.TempDir()

	scalarRoot := filepath.Join(dir, "scalar.yaml")
	require.NoError(t, os.WriteFile(scalarRoot, []byte("just a string\n"), 0o600))
	require.ErrorContains(t, SaveValues(scalarRoot, map[string]string{"ui.default_mode": "worker"}), "not a mapping")

	notMapping := filepath.Join(dir, "ui.yaml")
	require.NoError(t, os.WriteFile(notMapping, []byte("ui: plain\n"), 0o600))
	err := SaveValues(notMapping, map[string]string{"ui.default_mode": "worker"})
	require.ErrorContains(t, err, "setting ui.default_mode")

	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("ui: [unclosed\n"), 0o600))
	err = SaveValues(broken, map[string]string{"ui.default_mode": "worker"})
	require.True(t, strings.Contains(err.Error(), "parsing config"), err.Error())
}
