package cli

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/datasetops/hubfetch/internal/config"
	"github.com/datasetops/hubfetch/internal/report"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_HasSubcommands(t *testing.T) {
	root := newRootCmd("test")

	names := make([]string, 0, 2)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}

	assert.Contains(t, names, "download")
	assert.Contains(t, names, "verify")
}

func TestExitError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &exitError{code: 2, err: inner}

	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "boom", err.Error())

	bare := &exitError{code: 1}
	assert.Equal(t, "exit code 1", bare.Error())
}

func TestApplyDownloadFlags(t *testing.T) {
	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	applyDownloadFlags(cfg, &downloadFlags{
		maxRetries:  9,
		cacheDir:    "/tmp/hub",
		metricsAddr: "127.0.0.1:9999",
	})

	assert.Equal(t, 9, cfg.MaxRetries)
	assert.Equal(t, "/tmp/hub", cfg.CacheDir)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9999", cfg.Metrics.BindAddress)

	// Unset flags leave the environment-derived values alone.
	before := cfg.BaseBackoff
	applyDownloadFlags(cfg, &downloadFlags{})
	assert.Equal(t, before, cfg.BaseBackoff)
	assert.Equal(t, 9, cfg.MaxRetries)
}

func TestRunDownload_UnusableCacheRootIsFatal(t *testing.T) {
	base := t.TempDir()

	// A regular file where the cache root should be makes the root
	// uncreatable without depending on permission bits.
	blocked := filepath.Join(base, "hub")
	require.NoError(t, os.WriteFile(blocked, []byte("in the way"), 0o644))

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	cfg.CacheDir = blocked
	cfg.PreparedDir = filepath.Join(base, "prepared")
	cfg.HubEndpoint = "http://127.0.0.1:0" // must never be contacted

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	err = runDownload(cmd, cfg, &downloadFlags{}, "owner/name", "test")

	var ee *exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, report.ExitFatal, ee.code)
}

func TestAuthStatus(t *testing.T) {
	assert.Equal(t, "anonymous", authStatus(""))
	assert.Equal(t, "authenticated", authStatus("hf_abc"))
}
