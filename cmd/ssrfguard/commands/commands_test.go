package commands

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oktsec/ssrfguard/internal/audit"
	"github.com/oktsec/ssrfguard/internal/config"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	root := NewRoot()
	root.SetArgs(args)
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	return root.Execute()
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("SSRFGUARD_ENV", "development")
	cfgFile = filepath.Join(t.TempDir(), "absent.yaml")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.False(t, cfg.IsProduction(), "environment overrides apply to defaults too")
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fetch:\n  max_redirects: 99\n"), 0o644))
	cfgFile = path

	_, err := loadConfig()
	assert.ErrorContains(t, err, "max_redirects")
}

func TestInit(t *testing.T) {
	t.Setenv("SSRFGUARD_ENV", "")
	t.Setenv("APP_ENV", "")
	path := filepath.Join(t.TempDir(), "ssrfguard.yaml")

	require.NoError(t, run(t, "init", "--config", path, "--environment", "development"))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Environment)

	assert.ErrorContains(t, run(t, "init", "--config", path), "already exists")
	require.NoError(t, run(t, "init", "--config", path, "--force"))
	cfg, err = config.Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())

	assert.Error(t, run(t, "init", "--config", path, "--force", "--environment", "moon"))
}

func TestCheck(t *testing.T) {
	t.Setenv("SSRFGUARD_ENV", "production")
	path := filepath.Join(t.TempDir(), "absent.yaml")

	// IP literals need no DNS.
	require.NoError(t, run(t, "check", "--config", path, "--json", "http://93.184.216.34/"))

	err := run(t, "check", "--config", path, "http://93.184.216.34/", "http://10.0.0.1/", "ftp://93.184.216.34/")
	assert.EqualError(t, err, "2 of 3 URL(s) rejected")

	assert.Error(t, run(t, "check", "--config", path), "at least one URL is required")
}

func TestClassify(t *testing.T) {
	assert.NoError(t, run(t, "classify", "10.0.0.1", "8.8.8.8", "nonsense"))
	assert.NoError(t, run(t, "classify", "--json", "::1"))
	assert.Error(t, run(t, "classify"))
}

func TestFetch_Refused(t *testing.T) {
	t.Setenv("SSRFGUARD_ENV", "production")
	path := filepath.Join(t.TempDir(), "absent.yaml")

	err := run(t, "fetch", "--config", path, "http://127.0.0.1:1/")
	assert.ErrorContains(t, err, "private_address_denied")

	err = run(t, "fetch", "--config", path, "-H", "no-colon", "http://93.184.216.34/")
	assert.ErrorContains(t, err, "invalid header")
}

func TestLogs_Disabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssrfguard.yaml")
	cfg := config.Defaults()
	cfg.Audit.Enabled = false
	require.NoError(t, cfg.Save(path))

	assert.ErrorContains(t, run(t, "logs", "--config", path), "disabled")
}

func TestLogs_Query(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ssrfguard.yaml")
	cfg := config.Defaults()
	cfg.Audit.DSN = filepath.Join(dir, "decisions.db")
	require.NoError(t, cfg.Save(path))

	assert.NoError(t, run(t, "logs", "--config", path))
	assert.NoError(t, run(t, "logs", "--config", path, "--json", "--outcome", "denied"))
	assert.NoError(t, run(t, "logs", "--config", path, "--stats"))
	assert.ErrorContains(t, run(t, "logs", "--config", path, "--since", "yesterday"), "invalid duration")
}

func TestPrintStats(t *testing.T) {
	var buf bytes.Buffer
	printStats(&buf, audit.Stats{
		Total:   4,
		Allowed: 1,
		Denied:  3,
		ByKind:  map[string]int{"private_address_denied": 2, "invalid_protocol": 1},
	})
	out := buf.String()
	assert.Contains(t, out, "Total:    4")
	assert.Contains(t, out, "By kind:")
	// Kinds print sorted.
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("invalid_protocol")), bytes.Index(buf.Bytes(), []byte("private_address_denied")))
}

func TestVersion(t *testing.T) {
	assert.NoError(t, run(t, "version"))
}
