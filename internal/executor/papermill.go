package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// PapermillConfig configures notebook execution.
type PapermillConfig struct {
	Binary    string // defaults to "papermill"
	Notebook  string
	OutputDir string
	Kernel    string
	Parameter string // notebook parameter receiving the query, "looker" by default

	// WaitDelay bounds how long Await waits for stderr to close after the
	// process exits or is killed. Kernel children can inherit the pipe.
	WaitDelay time.Duration
}

// Papermill runs a parameterised notebook and reads credit_amount from the
// executed copy.
type Papermill struct {
	cfg  PapermillConfig
	mu   sync.Mutex
	jobs map[Handle]*notebookRun
}

type notebookRun struct {
	cmd    *exec.Cmd
	output string
	stderr *bytes.Buffer
	start  time.Time
}

func NewPapermill(cfg PapermillConfig) (*Papermill, error) {
	if cfg.Binary == "" {
		cfg.Binary = "papermill"
	}
	if cfg.Parameter == "" {
		cfg.Parameter = "looker"
	}
	if cfg.Kernel == "" {
		cfg.Kernel = "python3"
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = 10 * time.Second
	}
	if _, err := os.Stat(cfg.Notebook); err != nil {
		return nil, fmt.Errorf("notebook not found: %w", err)
	}
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Papermill{cfg: cfg, jobs: make(map[Handle]*notebookRun)}, nil
}

// Submit starts papermill. The process is bound to ctx and is killed when ctx ends.
func (p *Papermill) Submit(ctx context.Context, query string) (Handle, error) {
	handle := Handle(uuid.NewString())
	output := filepath.Join(p.cfg.OutputDir,
		fmt.Sprintf("output_%s_%s.ipynb", time.Now().Format("20060102_150405"), string(handle)[:8]))

	cmd := exec.CommandContext(ctx, p.cfg.Binary,
		p.cfg.Notebook, output,
		"-r", p.cfg.Parameter, query,
		"-k", p.cfg.Kernel,
	)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	cmd.WaitDelay = p.cfg.WaitDelay

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start papermill: %w", err)
	}

	log.Info().Str("handle", string(handle)).Str("output", output).Msg("Notebook execution started")

	p.mu.Lock()
	p.jobs[handle] = &notebookRun{cmd: cmd, output: output, stderr: stderr, start: time.Now()}
	p.mu.Unlock()
	return handle, nil
}

// Await waits for the notebook process and extracts the amount.
func (p *Papermill) Await(ctx context.Context, handle Handle) (Result, error) {
	p.mu.Lock()
	run, ok := p.jobs[handle]
	delete(p.jobs, handle)
	p.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("unknown notebook handle %s", handle)
	}

	err := run.cmd.Wait()
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: papermill: %v: %s", ErrJobFailed, err, lastLine(run.stderr.String()))
	}

	log.Info().
		Str("handle", string(handle)).
		Dur("elapsed", time.Since(run.start)).
		Msg("Notebook executed")

	data, err := os.ReadFile(run.output)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read executed notebook: %w", err)
	}
	return Result{Amount: ExtractNotebookAmount(data)}, nil
}

var streamNumber = regexp.MustCompile(`\$?(\d[\d,]*\.?\d*)`)

// ExtractNotebookAmount finds credit_amount in an executed nbformat v4 notebook.
// It looks at outputs of cells that mention credit_amount, then at the last
// cell's displayed value. It returns "" when nothing is found.
func ExtractNotebookAmount(notebook []byte) string {
	cells := gjson.GetBytes(notebook, "cells").Array()

	for _, cell := range cells {
		if cell.Get("cell_type").String() != "code" {
			continue
		}
		source := joinText(cell.Get("source"))
		if !strings.Contains(source, "credit_amount") {
			continue
		}
		for _, out := range cell.Get("outputs").Array() {
			switch out.Get("output_type").String() {
			case "execute_result", "display_data":
				if v := strings.TrimSpace(joinText(out.Get(`data.text/plain`))); v != "" {
					if _, fail := ParseAmount(v); fail == nil {
						return v
					}
				}
			case "stream":
				if m := streamNumber.FindStringSubmatch(joinText(out.Get("text"))); m != nil {
					return m[1]
				}
			}
		}
	}

	if len(cells) > 0 {
		last := cells[len(cells)-1]
		for _, out := range last.Get("outputs").Array() {
			t := out.Get("output_type").String()
			if t != "execute_result" && t != "display_data" {
				continue
			}
			v := strings.TrimSpace(joinText(out.Get(`data.text/plain`)))
			if _, fail := ParseAmount(v); fail == nil {
				return v
			}
		}
	}
	return ""
}

// nbformat stores multi-line strings either as a string or a list of lines.
func joinText(v gjson.Result) string {
	if !v.IsArray() {
		return v.String()
	}
	var b strings.Builder
	for _, line := range v.Array() {
		b.WriteString(line.String())
	}
	return b.String()
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
