package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oktsec/ssrfguard/internal/audit"
	"github.com/oktsec/ssrfguard/internal/config"
	"github.com/oktsec/ssrfguard/internal/guard"
	"github.com/oktsec/ssrfguard/internal/resolve"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewResolver(t *testing.T) {
	cfg := config.Defaults()
	_, upstream := NewResolver(cfg).(*resolve.Upstream)
	assert.False(t, upstream, "no nameserver uses the platform resolver")

	cfg.DNS.Nameserver = "9.9.9.9:53"
	r, ok := NewResolver(cfg).(*resolve.Upstream)
	require.True(t, ok)
	assert.Equal(t, "9.9.9.9:53", r.Server())
}

func TestNewGuard(t *testing.T) {
	cfg := config.Defaults()
	g := NewGuard(cfg, testLogger(), nil, nil)
	assert.True(t, g.Production)
	assert.True(t, g.Validator.Production())
	assert.Equal(t, cfg.Fetch.MaxBodyBytes, g.MaxBodyBytes)

	cfg.Environment = "development"
	g = NewGuard(cfg, testLogger(), nil, nil)
	assert.False(t, g.Production)

	// Localhost is exempt outside production, so no lookup happens.
	target, err := g.Validator.SafeURL(context.Background(), "http://localhost:8080/x")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/x", target.RequestURL)
}

func TestNewGuard_ProductionRejectsLiteral(t *testing.T) {
	g := NewGuard(config.Defaults(), testLogger(), nil, nil)
	_, err := g.Validator.SafeURL(context.Background(), "http://169.254.169.254/latest/meta-data/")
	assert.ErrorIs(t, err, guard.ErrPrivateAddress)
}

func TestOpenAudit_Disabled(t *testing.T) {
	cfg := config.Defaults()
	cfg.Audit.Enabled = false

	a, err := OpenAudit(cfg, testLogger())
	require.NoError(t, err)
	assert.Nil(t, a)
	assert.Nil(t, a.GuardRecorder())
	assert.Nil(t, a.QueryStore())
	assert.NoError(t, a.Close())
}

func TestOpenAudit_Store(t *testing.T) {
	cfg := config.Defaults()
	cfg.Audit.DSN = filepath.Join(t.TempDir(), "decisions.db")

	a, err := OpenAudit(cfg, testLogger())
	require.NoError(t, err)
	require.NotNil(t, a)
	defer func() { _ = a.Close() }()

	g := NewGuard(cfg, testLogger(), nil, a.GuardRecorder())
	_, err = g.Validator.SafeURL(context.Background(), "http://10.0.0.1/")
	require.ErrorIs(t, err, guard.ErrPrivateAddress)
	a.Recorder.Flush()

	entries, err := a.QueryStore().Query(context.Background(), audit.QueryOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "denied", entries[0].Outcome)
	assert.Equal(t, "10.0.0.1", entries[0].Host)
}

func TestOpenAudit_Stream(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := config.Defaults()
	cfg.Audit.DSN = filepath.Join(t.TempDir(), "decisions.db")
	cfg.Audit.Redis.URL = "redis://" + mr.Addr()
	cfg.Audit.Redis.Stream = audit.DefaultStream

	a, err := OpenAudit(cfg, testLogger())
	require.NoError(t, err)

	g := NewGuard(cfg, testLogger(), nil, a.GuardRecorder())
	_, _ = g.Validator.SafeURL(context.Background(), "ftp://example.com/")
	require.NoError(t, a.Close())

	entries, err := mr.Stream(audit.DefaultStream)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOpenAudit_Errors(t *testing.T) {
	cfg := config.Defaults()
	cfg.Audit.Driver = "mysql"
	_, err := OpenAudit(cfg, testLogger())
	assert.Error(t, err)

	cfg = config.Defaults()
	cfg.Audit.DSN = filepath.Join(t.TempDir(), "decisions.db")
	cfg.Audit.Redis.URL = "not a url"
	_, err = OpenAudit(cfg, testLogger())
	assert.Error(t, err)
}

func TestRetentionWindow(t *testing.T) {
	cfg := config.Defaults()
	cfg.Audit.RetentionDays = 7
	assert.Equal(t, 7*24*time.Hour, RetentionWindow(cfg))

	cfg.Audit.RetentionDays = 0
	assert.Zero(t, RetentionWindow(cfg))
}
