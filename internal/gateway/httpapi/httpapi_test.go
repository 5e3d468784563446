package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/runbox/internal/detect"
	"github.com/jkaninda/runbox/internal/execution"
	"github.com/jkaninda/runbox/internal/observability"
	"github.com/jkaninda/runbox/internal/repo"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/sandbox/sandboxtest"
	"github.com/jkaninda/runbox/internal/security"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func snippetHandler(ctx context.Context, inst *sandboxtest.Instance, cmd sandbox.Command) (*sandbox.RunResult, error) {
	src, _ := inst.File("main.py")
	if strings.Contains(string(src), "sleep") {
		return sandboxtest.Block(ctx, inst, cmd)
	}
	if strings.Contains(string(src), `print("hi")`) {
		return &sandbox.RunResult{Stdout: "hi\n"}, nil
	}
	return &sandbox.RunResult{}, nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (bool, error) { return false, nil }

type fakeAnalyzer struct{}

func (fakeAnalyzer) Analyze(_ context.Context, owner, name string) (*repo.Analysis, error) {
	switch name {
	case "missing":
		return nil, fmt.Errorf("%w: %s/%s", repo.ErrNotFound, owner, name)
	case "limited":
		return nil, repo.ErrRateLimited
	case "broken":
		return nil, errors.New("connection reset")
	}
	return &repo.Analysis{
		Repository: repo.Metadata{Owner: owner, Name: name, Language: "Python"},
		Files:      []string{"requirements.txt"},
		Result:     detect.Result{Runtime: "python", IsExecutable: true, Confidence: 0.9},
	}, nil
}

type fakeArchive struct {
	results map[string]*execution.Result
}

func (f fakeArchive) Get(_ context.Context, id string) (*execution.Result, error) {
	if r, ok := f.results[id]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("%w: %s", execution.ErrNotFound, id)
}

type fixture struct {
	base    string
	ctrl    *execution.Controller
	mgr     *sandbox.Manager
	backend *sandboxtest.Backend
}

type options struct {
	cfg     Config
	backend *sandboxtest.Backend
	limiter security.RateLimiter
	archive ArchiveReader
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func startGateway(t *testing.T, opts options) *fixture {
	t.Helper()
	logger := quietLogger()
	backend := opts.backend
	if backend == nil {
		backend = &sandboxtest.Backend{Handler: snippetHandler}
	}
	mgr := sandbox.NewManager(backend, sandbox.ManagerConfig{}, logger)
	policy := security.NewPolicy(security.PolicyConfig{RateLimiter: opts.limiter}, logger)
	ctrl := execution.NewController(execution.Config{}, execution.Deps{
		Policy:    policy,
		Sandboxes: mgr,
		Events:    execution.NewBroker(),
		URLs: security.URLPolicy{
			AllowedHosts: []string{"github.com"},
			Lookup: func(context.Context, string) ([]string, error) {
				return []string{"140.82.121.4"}, nil
			},
		},
	}, logger)

	cfg := opts.cfg
	cfg.ListenAddr = freeAddr(t)
	g := NewGateway(cfg, ctrl, mgr, logger).WithAnalyzer(fakeAnalyzer{})
	if opts.archive != nil {
		g.WithArchive(opts.archive)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = g.Start(ctx) }()

	base := "http://" + cfg.ListenAddr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = g.Stop(sctx)
		ctrl.Shutdown(sctx)
		cancel()
	})
	return &fixture{base: base, ctrl: ctrl, mgr: mgr, backend: backend}
}

func (f *fixture) do(t *testing.T, method, path string, body any, header ...string) (int, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.base+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decodeResult(t *testing.T, data []byte) execution.Result {
	t.Helper()
	var res execution.Result
	require.NoError(t, json.Unmarshal(data, &res), string(data))
	return res
}

func TestExecuteCode_Success(t *testing.T) {
	f := startGateway(t, options{})

	code, body := f.do(t, http.MethodPost, "/execute/code", CodeExecutionRequest{Code: `print("hi")`, Language: "python", Timeout: 10})
	require.Equal(t, http.StatusOK, code, string(body))
	res := decodeResult(t, body)
	assert.Equal(t, execution.StatusSuccess, res.Status)
	assert.Equal(t, "hi\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, 1, f.backend.Destroyed())
}

func TestExecuteCode_RejectedIsStructured(t *testing.T) {
	f := startGateway(t, options{})

	code, body := f.do(t, http.MethodPost, "/execute/code", CodeExecutionRequest{Code: ":(){ :|:& };:", Language: "bash"})
	require.Equal(t, http.StatusOK, code, string(body))
	res := decodeResult(t, body)
	assert.Equal(t, execution.StatusRejected, res.Status)
	assert.NotEmpty(t, res.Reason)
	assert.Zero(t, f.backend.Provisioned())
}

func TestExecuteCode_BadRequests(t *testing.T) {
	f := startGateway(t, options{})

	cases := []CodeExecutionRequest{
		{Language: "python"},
		{Code: "print(1)"},
		{Code: "print(1)", Language: "python", Timeout: -1},
	}
	for _, c := range cases {
		code, body := f.do(t, http.MethodPost, "/execute/code", c)
		assert.Equal(t, http.StatusBadRequest, code, string(body))
	}
	assert.Zero(t, f.backend.Provisioned())
}

func TestExecuteCode_RateLimited(t *testing.T) {
	f := startGateway(t, options{limiter: denyAll{}})

	code, _ := f.do(t, http.MethodPost, "/execute/code", CodeExecutionRequest{Code: "print(1)", Language: "python"})
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Zero(t, f.backend.Provisioned())
}

func TestExecuteCode_ProvisioningUnavailable(t *testing.T) {
	f := startGateway(t, options{backend: &sandboxtest.Backend{ProvisionErr: errors.New("docker daemon unreachable")}})

	code, body := f.do(t, http.MethodPost, "/execute/code", CodeExecutionRequest{Code: "print(1)", Language: "python"})
	require.Equal(t, http.StatusServiceUnavailable, code, string(body))
	var fb FailureBody
	require.NoError(t, json.Unmarshal(body, &fb))
	require.NotNil(t, fb.Result)
	assert.Equal(t, execution.StatusFailed, fb.Result.Status)

	// Non-execution endpoints keep working.
	code, _ = f.do(t, http.MethodGet, "/execute/history", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestExecuteCode_AsyncStatusAndCancel(t *testing.T) {
	f := startGateway(t, options{})

	code, body := f.do(t, http.MethodPost, "/execute/code", CodeExecutionRequest{Code: "sleep()", Language: "python", Timeout: 60, Async: true})
	require.Equal(t, http.StatusAccepted, code, string(body))
	queued := decodeResult(t, body)
	assert.Equal(t, execution.StatusQueued, queued.Status)

	require.Eventually(t, func() bool {
		insts := f.backend.Instances()
		return len(insts) == 1 && len(insts[0].Commands()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	code, body = f.do(t, http.MethodGet, "/execute/status/"+queued.ID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, execution.StatusRunning, decodeResult(t, body).Status)

	code, body = f.do(t, http.MethodGet, "/sandbox/list", nil)
	require.Equal(t, http.StatusOK, code)
	var list SandboxListResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 1, list.Count)

	code, body = f.do(t, http.MethodPost, "/execute/cancel/"+queued.ID, nil)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, execution.StatusCancelled, decodeResult(t, body).Status)
	assert.Equal(t, 1, f.backend.Destroyed())

	code, _ = f.do(t, http.MethodPost, "/execute/cancel/unknown", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStatus_NotFoundAndArchiveFallback(t *testing.T) {
	archived := &execution.Result{ID: "old-1", Kind: execution.KindCode, Status: execution.StatusSuccess}
	f := startGateway(t, options{archive: fakeArchive{results: map[string]*execution.Result{"old-1": archived}}})

	code, body := f.do(t, http.MethodGet, "/execute/status/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, string(body), "Execution not found")

	code, body = f.do(t, http.MethodGet, "/execute/status/old-1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, execution.StatusSuccess, decodeResult(t, body).Status)
}

func TestHistory(t *testing.T) {
	f := startGateway(t, options{})
	for i := 0; i < 3; i++ {
		code, _ := f.do(t, http.MethodPost, "/execute/code", CodeExecutionRequest{Code: fmt.Sprintf("print(%d)", i), Language: "python"})
		require.Equal(t, http.StatusOK, code)
	}

	code, body := f.do(t, http.MethodGet, "/execute/history?limit=2", nil)
	require.Equal(t, http.StatusOK, code)
	var hist HistoryResponse
	require.NoError(t, json.Unmarshal(body, &hist))
	assert.Len(t, hist.History, 2)

	code, _ = f.do(t, http.MethodGet, "/execute/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestExecuteRepository_URLRejected(t *testing.T) {
	f := startGateway(t, options{})

	code, body := f.do(t, http.MethodPost, "/execute/repository", RepositoryExecutionRequest{RepoURL: "http://github.com/a/b"})
	require.Equal(t, http.StatusBadRequest, code, string(body))
	assert.Equal(t, execution.StatusRejected, decodeResult(t, body).Status)
	assert.Zero(t, f.backend.Provisioned())

	code, _ = f.do(t, http.MethodPost, "/execute/repository", RepositoryExecutionRequest{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAnalyze(t *testing.T) {
	f := startGateway(t, options{})

	code, body := f.do(t, http.MethodGet, "/execute/analyze?owner=octo&repo=hello", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	var analysis map[string]any
	require.NoError(t, json.Unmarshal(body, &analysis))
	assert.Equal(t, "python", analysis["detected_runtime"])
	assert.Equal(t, true, analysis["is_executable"])

	code, _ = f.do(t, http.MethodGet, "/execute/analyze?owner=octo", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodGet, "/execute/analyze?owner=octo&repo=missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, http.MethodGet, "/execute/analyze?owner=octo&repo=limited", nil)
	assert.Equal(t, http.StatusTooManyRequests, code)
	code, _ = f.do(t, http.MethodGet, "/execute/analyze?owner=octo&repo=broken", nil)
	assert.Equal(t, http.StatusBadGateway, code)
}

func TestSandboxCleanupAndStats(t *testing.T) {
	f := startGateway(t, options{})

	code, body := f.do(t, http.MethodPost, "/sandbox/cleanup", nil)
	require.Equal(t, http.StatusOK, code)
	var cleanup CleanupResponse
	require.NoError(t, json.Unmarshal(body, &cleanup))
	assert.Equal(t, 0, cleanup.Cleaned)
	assert.Equal(t, "Cleaned up 0 expired sandboxes", cleanup.Message)

	code, body = f.do(t, http.MethodGet, "/sandbox/stats/unknown", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, string(body), "Sandbox not found")
}

func TestAuthentication(t *testing.T) {
	f := startGateway(t, options{cfg: Config{APIKeys: map[string]string{"s3cret": "ci"}}})

	code, _ := f.do(t, http.MethodGet, "/execute/history", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = f.do(t, http.MethodGet, "/execute/history", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = f.do(t, http.MethodGet, "/execute/history", nil, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, code)

	// Probes stay open.
	code, _ = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestReadinessAndMetrics(t *testing.T) {
	mc := observability.NewMetricsCollector()
	hc := observability.NewHealthChecker(quietLogger())
	hc.AddCheck("storage", func(context.Context) error { return errors.New("database is locked") })
	f := startGateway(t, options{cfg: Config{
		MetricsRegistry: mc.Registry,
		Metrics:         mc,
		HealthChecker:   hc,
	}})

	code, body := f.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, string(body), "database is locked")

	code, _ = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestStop_BeforeStart(t *testing.T) {
	g := NewGateway(Config{}, nil, nil, quietLogger())
	assert.NoError(t, g.Stop(context.Background()))
}
