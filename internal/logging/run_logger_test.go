package logging

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartRunLoggingWritesFile(t *testing.T) {
	dir := t.TempDir()
	Setup(Options{Level: "debug", Dir: dir})
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	rl, err := StartRunLogging("abc123")
	require.NoError(t, err)
	require.NotEmpty(t, rl.Path())
	assert.True(t, strings.HasPrefix(rl.Path(), dir))

	rl.LogSection("Message Check")
	rl.Logger().Info().Str("message_id", "1700000000.000100").Msg("processing message")
	require.NoError(t, rl.Close())

	data, err := os.ReadFile(rl.Path())
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, `"run_id":"abc123"`)
	assert.Contains(t, content, "Message Check")
	assert.Contains(t, content, "1700000000.000100")
}

func TestStartRunLoggingWithoutDir(t *testing.T) {
	Setup(Options{Level: "bogus"})
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	rl, err := StartRunLogging("nofile")
	require.NoError(t, err)
	assert.Empty(t, rl.Path())
	require.NoError(t, rl.Close())
}

func TestNilRunLoggerIsSafe(t *testing.T) {
	var rl *RunLogger
	rl.LogSection("ignored")
	assert.Empty(t, rl.Path())
	assert.NoError(t, rl.Close())
}

func TestRunLoggingLeavesGlobalLoggerAlone(t *testing.T) {
	Setup(Options{Level: "info", Dir: t.TempDir()})
	var global bytes.Buffer
	log.Logger = zerolog.New(&global)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rl, err := StartRunLogging("concurrent")
			if assert.NoError(t, err) {
				rl.Logger().Info().Msg("run line")
				assert.NoError(t, rl.Close())
			}
		}()
	}
	wg.Wait()

	log.Info().Msg("server line")
	assert.NotContains(t, global.String(), "run_id", "run fields must not leak into the global logger")
	assert.Contains(t, global.String(), "server line")
}

func TestFromContext(t *testing.T) {
	Setup(Options{Level: "info", Dir: t.TempDir()})
	assert.Same(t, &log.Logger, FromContext(context.Background()))

	rl, err := StartRunLogging("ctx123")
	require.NoError(t, err)
	defer rl.Close()

	ctx := rl.WithContext(context.Background())
	assert.Equal(t, *rl.Logger(), *FromContext(ctx))

	var nilRun *RunLogger
	assert.Same(t, &log.Logger, nilRun.Logger())
	assert.Equal(t, context.Background(), nilRun.WithContext(context.Background()))
}
