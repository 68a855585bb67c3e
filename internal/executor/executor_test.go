package executor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creditbot/internal/links"
)

type funcExecutor struct {
	submit func(ctx context.Context, query string) (Handle, error)
	await  func(ctx context.Context, h Handle) (Result, error)
}

func (f funcExecutor) Submit(ctx context.Context, query string) (Handle, error) {
	return f.submit(ctx, query)
}

func (f funcExecutor) Await(ctx context.Context, h Handle) (Result, error) {
	return f.await(ctx, h)
}

func blockingExecutor() funcExecutor {
	return funcExecutor{
		submit: func(ctx context.Context, query string) (Handle, error) { return "h", nil },
		await: func(ctx context.Context, h Handle) (Result, error) {
			<-ctx.Done()
			return Result{}, ctx.Err()
		},
	}
}

func resolvedRef(query string) links.DashboardReference {
	return links.DashboardReference{
		URL:           "https://acme.cloud.looker.com/looks/1",
		Kind:          links.KindLook,
		Position:      1,
		ResolvedQuery: query,
	}
}

func TestExecuteSuccess(t *testing.T) {
	a := NewAdapter(&Static{Amounts: map[string]string{"q": "$4,948.80"}}, time.Second)

	out := a.Execute(context.Background(), resolvedRef("q"))
	require.True(t, out.OK(), "unexpected failure: %v", out.Failure)
	assert.True(t, out.Amount.Equal(decimal.RequireFromString("4948.80")))
}

func TestExecuteTimeout(t *testing.T) {
	a := NewAdapter(blockingExecutor(), 20*time.Millisecond)

	out := a.Execute(context.Background(), resolvedRef("q"))
	require.False(t, out.OK())
	assert.Equal(t, Timeout, out.Failure.Kind)
}

func TestExecuteParentCancelled(t *testing.T) {
	a := NewAdapter(blockingExecutor(), time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	out := a.Execute(ctx, resolvedRef("q"))
	require.False(t, out.OK())
	assert.Equal(t, Cancelled, out.Failure.Kind)
}

func TestExecuteAlreadyCancelledDoesNotSubmit(t *testing.T) {
	s := &Static{Fallback: "1"}
	a := NewAdapter(s, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := a.Execute(ctx, resolvedRef("q"))
	assert.Equal(t, Cancelled, out.Failure.Kind)
	assert.Zero(t, s.CallCount())
}

func TestExecuteRecoversPanic(t *testing.T) {
	a := NewAdapter(funcExecutor{
		submit: func(ctx context.Context, query string) (Handle, error) { panic("kernel died") },
	}, time.Second)

	out := a.Execute(context.Background(), resolvedRef("q"))
	require.False(t, out.OK())
	assert.Equal(t, ExecutionError, out.Failure.Kind)
	assert.Contains(t, out.Failure.Detail, "kernel died")
}

func TestExecuteErrors(t *testing.T) {
	tests := []struct {
		name string
		exec Executor
		want ErrorKind
	}{
		{
			name: "submit error",
			exec: &Static{Errors: map[string]error{"q": errors.New("connection refused")}},
			want: ExecutionError,
		},
		{
			name: "missing amount",
			exec: &Static{},
			want: ResultMissing,
		},
		{
			name: "none amount",
			exec: &Static{Fallback: "None"},
			want: ResultMissing,
		},
		{
			name: "unparseable amount",
			exec: &Static{Fallback: "about twelve"},
			want: ResultUnparseable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := NewAdapter(tt.exec, time.Second).Execute(context.Background(), resolvedRef("q"))
			require.False(t, out.OK())
			assert.Equal(t, tt.want, out.Failure.Kind)
		})
	}
}

func TestExecuteUnresolved(t *testing.T) {
	s := &Static{Fallback: "1"}
	out := NewAdapter(s, time.Second).Execute(context.Background(), resolvedRef(""))
	assert.Equal(t, ResolutionFailure, out.Failure.Kind)
	assert.Zero(t, s.CallCount())
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"179.73", "179.73"},
		{"$4,948.80", "4948.8"},
		{"'12.5'", "12.5"},
		{" 0 ", "0"},
	}
	for _, tt := range tests {
		got, fail := ParseAmount(tt.raw)
		require.Nil(t, fail, tt.raw)
		assert.Equal(t, tt.want, got.String(), tt.raw)
	}
}

func TestHTTPJob(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/jobs":
			w.Write([]byte(`{"id":"job-1"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/jobs/job-1":
			if polls.Add(1) < 3 {
				w.Write([]byte(`{"status":"running"}`))
				return
			}
			w.Write([]byte(`{"status":"succeeded","result":{"credit_amount":"148.80"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := NewAdapter(NewHTTPJob(srv.URL, "secret", time.Millisecond), time.Second)
	out := a.Execute(context.Background(), resolvedRef("SELECT 1"))
	require.True(t, out.OK(), "unexpected failure: %v", out.Failure)
	assert.Equal(t, "148.8", out.Amount.String())
	assert.EqualValues(t, 3, polls.Load())
}

func TestHTTPJobFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Write([]byte(`{"id":"job-2"}`))
			return
		}
		w.Write([]byte(`{"status":"failed","error":"kernel crashed"}`))
	}))
	defer srv.Close()

	job := NewHTTPJob(srv.URL, "", time.Millisecond)
	h, err := job.Submit(context.Background(), "q")
	require.NoError(t, err)
	_, err = job.Await(context.Background(), h)
	require.ErrorIs(t, err, ErrJobFailed)
	assert.Contains(t, err.Error(), "kernel crashed")
}

func TestExtractNotebookAmount(t *testing.T) {
	tests := []struct {
		name     string
		notebook string
		want     string
	}{
		{
			name: "execute result",
			notebook: `{"cells":[
				{"cell_type":"code","source":["x = 1\n","credit_amount = round(x, 2)\n","credit_amount"],
				 "outputs":[{"output_type":"execute_result","data":{"text/plain":["179.73"]}}]}
			]}`,
			want: "179.73",
		},
		{
			name: "stream output",
			notebook: `{"cells":[
				{"cell_type":"code","source":"print('credit_amount', credit_amount)",
				 "outputs":[{"output_type":"stream","name":"stdout","text":"credit_amount $4,948.80\n"}]}
			]}`,
			want: "4,948.80",
		},
		{
			name: "last cell fallback",
			notebook: `{"cells":[
				{"cell_type":"markdown","source":"# Verify"},
				{"cell_type":"code","source":"total",
				 "outputs":[{"output_type":"execute_result","data":{"text/plain":"'12.50'"}}]}
			]}`,
			want: "'12.50'",
		},
		{
			name:     "nothing",
			notebook: `{"cells":[{"cell_type":"code","source":"print(1)","outputs":[]}]}`,
			want:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractNotebookAmount([]byte(tt.notebook)))
		})
	}
}

// A notebook whose kernel leaves a child holding stderr must not outlive
// the adapter timeout.
func TestPapermillTimeoutHoldsWithInheritedStderr(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	dir := t.TempDir()
	script := filepath.Join(dir, "notebook.ipynb")
	require.NoError(t, os.WriteFile(script, []byte("sleep 30 &\nsleep 30\n"), 0o644))

	pm, err := NewPapermill(PapermillConfig{
		Binary:    sh,
		Notebook:  script,
		OutputDir: filepath.Join(dir, "out"),
		WaitDelay: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	out := NewAdapter(pm, 200*time.Millisecond).Execute(context.Background(), resolvedRef("SELECT 1"))
	require.False(t, out.OK())
	assert.Equal(t, Timeout, out.Failure.Kind)
	assert.Less(t, time.Since(start), 5*time.Second)
}
