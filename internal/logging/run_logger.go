package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options controls the global logger.
type Options struct {
	Level   string
	Dir     string
	Console bool
}

// Setup configures the global zerolog logger. Console output is human readable;
// file output (one file per run, see StartRunLogging) stays JSON.
func Setup(opts Options) {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = io.Discard
	if opts.Console {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"}
	}
	base.Lock()
	base.console = out
	base.dir = opts.Dir
	base.Unlock()

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

var base struct {
	sync.Mutex
	console io.Writer
	dir     string
}

// RunLogger owns the log file of a single pipeline run. Its logger is scoped
// to the run; the global logger is never replaced, so concurrent readers such
// as the HTTP server are unaffected.
type RunLogger struct {
	runID     string
	path      string
	logFile   *os.File
	startTime time.Time
	logger    zerolog.Logger
}

// StartRunLogging returns a logger tagged with runID that also writes to
// run_<id>_<timestamp>.log under the configured log directory.
func StartRunLogging(runID string) (*RunLogger, error) {
	base.Lock()
	console, dir := base.console, base.dir
	base.Unlock()
	if console == nil {
		console = io.Discard
	}

	r := &RunLogger{runID: runID, startTime: time.Now()}
	if dir == "" {
		r.logger = log.Logger.With().Str("run_id", runID).Logger()
		return r, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	timestamp := r.startTime.Format("20060102_150405")
	r.path = filepath.Join(dir, fmt.Sprintf("run_%s_%s.log", runID, timestamp))
	f, err := os.Create(r.path)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	r.logFile = f

	r.logger = zerolog.New(zerolog.MultiLevelWriter(console, f)).
		With().Timestamp().Str("run_id", runID).Logger()
	return r, nil
}

// Logger returns the run's logger, or the global logger for a nil RunLogger.
func (r *RunLogger) Logger() *zerolog.Logger {
	if r == nil {
		return &log.Logger
	}
	return &r.logger
}

// WithContext attaches the run's logger to ctx for FromContext.
func (r *RunLogger) WithContext(ctx context.Context) context.Context {
	if r == nil {
		return ctx
	}
	return r.logger.WithContext(ctx)
}

// FromContext returns the logger attached to ctx, falling back to the global
// logger.
func FromContext(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}

// Path returns the run log file path, empty when file logging is disabled.
func (r *RunLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// LogSection writes a section marker, mirroring the banner lines operators grep for.
func (r *RunLogger) LogSection(title string) {
	if r == nil {
		return
	}
	r.logger.Info().Str("section", title).Msg(strings.Repeat("=", 20) + " " + title + " " + strings.Repeat("=", 20))
}

// Close flushes and closes the run log file.
func (r *RunLogger) Close() error {
	if r == nil {
		return nil
	}
	r.logger.Info().Dur("elapsed", time.Since(r.startTime)).Msg("Run log closed")
	if r.logFile == nil {
		return nil
	}
	if err := r.logFile.Sync(); err != nil {
		r.logFile.Close()
		return err
	}
	return r.logFile.Close()
}
