package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creditbot/internal/config"
	"github.com/creditbot/internal/executor"
	"github.com/creditbot/internal/links"
	"github.com/creditbot/internal/state"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "creditbot.toml")
	require.NoError(t, os.WriteFile(path, []byte("[general]\nworkers = 2\n"), 0644))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	return cfg
}

func TestOpenStoreFileBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.State.Backend = "file"
	cfg.State.Path = filepath.Join(t.TempDir(), "state", "processed.json")

	store, closeStore, err := openStore(context.Background(), cfg)
	require.NoError(t, err)
	defer closeStore()

	ctx := context.Background()
	added, err := store.Record(ctx, "1700000000.000100", state.Summary{Kind: "no_reference"})
	require.NoError(t, err)
	assert.True(t, added)

	reopened, closeAgain, err := openStore(ctx, cfg)
	require.NoError(t, err)
	defer closeAgain()

	ok, err := reopened.Contains(ctx, "1700000000.000100")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOpenStoreUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.State.Backend = "redis"

	_, _, err := openStore(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported state backend")
}

func TestOpenExecutor(t *testing.T) {
	cfg := testConfig(t)

	cfg.Executor.Type = "http"
	cfg.Executor.Endpoint = "http://jobs.internal"
	exec, err := openExecutor(cfg)
	require.NoError(t, err)
	assert.IsType(t, &executor.HTTPJob{}, exec)

	cfg.Executor.Type = "papermill"
	cfg.Executor.Notebook = filepath.Join(t.TempDir(), "absent.ipynb")
	_, err = openExecutor(cfg)
	require.Error(t, err)

	cfg.Executor.Type = "static"
	cfg.Executor.StaticAmount = "12.50"
	exec, err = openExecutor(cfg)
	require.NoError(t, err)
	out := executor.NewAdapter(exec, time.Second).Execute(context.Background(),
		links.DashboardReference{URL: "https://acme.cloud.looker.com/looks/1", Kind: links.KindLook, ResolvedQuery: "SELECT 1"})
	require.True(t, out.OK())
	assert.Equal(t, "12.50", out.Amount.StringFixed(2))

	cfg.Executor.Type = "lambda"
	_, err = openExecutor(cfg)
	require.Error(t, err)
}

func TestExtractorAcceptsLinksWhenBaseURLHasPort(t *testing.T) {
	cfg := testConfig(t)
	cfg.Looker.BaseURL = "https://looker.example.com:9999"
	cfg.Looker.Hosts = nil

	refs := links.NewExtractor(cfg.AnalyticsHosts()).Collect("<https://looker.example.com:9999/looks/12>")
	require.Len(t, refs, 1)
	assert.Equal(t, links.KindLook, refs[0].Kind)
}
