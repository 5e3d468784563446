package sandbox

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/runbox/internal/security"
)

func newTestProcessInstance(t *testing.T) (*ProcessBackend, Instance) {
	t.Helper()
	b := NewProcessBackend(ProcessConfig{Root: t.TempDir()}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := b.Ping(context.Background()); err != nil {
		t.Skipf("process backend unavailable: %v", err)
	}
	inst, err := b.Provision(context.Background(), ProvisionRequest{
		ID:       "test",
		Language: "bash",
		Limits:   security.Envelope{CPU: 1, MemoryMB: 256, DiskMB: 10, PIDs: 32, Timeout: 10 * time.Second},
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	t.Cleanup(func() { _ = inst.Destroy(context.Background()) })
	return b, inst
}

func TestProcessInstance_Echo(t *testing.T) {
	_, inst := newTestProcessInstance(t)
	res, err := inst.Exec(context.Background(), Command{Args: []string{"echo", "hi"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stdout != "hi\n" {
		t.Errorf("stdout = %q, want %q", res.Stdout, "hi\n")
	}
	if res.ExitCode != 0 || res.TimedOut {
		t.Errorf("exit = %d timedOut = %v", res.ExitCode, res.TimedOut)
	}
}

func TestProcessInstance_NonZeroExit(t *testing.T) {
	_, inst := newTestProcessInstance(t)
	res, err := inst.Exec(context.Background(), Command{Args: []string{"sh", "-c", "echo oops >&2; exit 42"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 42 {
		t.Errorf("exit code = %d, want 42", res.ExitCode)
	}
	if strings.TrimSpace(res.Stderr) != "oops" {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestProcessInstance_TimeoutKillsGroup(t *testing.T) {
	_, inst := newTestProcessInstance(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := inst.Exec(ctx, Command{Args: []string{"sh", "-c", "sleep 30 & sleep 30"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.TimedOut || res.ExitCode != ExitTimedOut {
		t.Errorf("timedOut = %v exit = %d, want timeout sentinel", res.TimedOut, res.ExitCode)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
}

func TestProcessInstance_EnvIsScrubbed(t *testing.T) {
	t.Setenv("RUNBOX_TEST_SECRET", "leak")
	_, inst := newTestProcessInstance(t)
	res, err := inst.Exec(context.Background(), Command{
		Args: []string{"sh", "-c", "echo \"$RUNBOX_TEST_SECRET|$EXTRA\""},
		Env:  map[string]string{"EXTRA": "ok"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); got != "|ok" {
		t.Errorf("stdout = %q, want %q", got, "|ok")
	}
}

func TestProcessInstance_OutputCap(t *testing.T) {
	_, inst := newTestProcessInstance(t)
	res, err := inst.Exec(context.Background(), Command{
		Args:      []string{"sh", "-c", "i=0; while [ $i -lt 100 ]; do echo 0123456789; i=$((i+1)); done"},
		MaxOutput: 64,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Stdout) != 64 || !res.StdoutTruncated {
		t.Errorf("len = %d truncated = %v", len(res.Stdout), res.StdoutTruncated)
	}
}

func TestProcessInstance_FilesRoundTrip(t *testing.T) {
	_, inst := newTestProcessInstance(t)
	ctx := context.Background()
	err := inst.WriteFiles(ctx, map[string][]byte{
		"repo/main.py":              []byte("print('x')"),
		"repo/node_modules/x/a.js":  []byte("skip"),
		"repo/pkg/requirements.txt": []byte("flask"),
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	files, err := inst.ReadFiles(ctx, "repo", ReadLimits{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(files["main.py"]) != "print('x')" {
		t.Errorf("main.py = %q", files["main.py"])
	}
	if _, ok := files["pkg/requirements.txt"]; !ok {
		t.Error("nested file missing")
	}
	if _, ok := files["node_modules/x/a.js"]; ok {
		t.Error("node_modules should be skipped")
	}

	st, err := inst.Usage(ctx)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if st.DiskBytes < int64(len("print('x')")) {
		t.Errorf("disk bytes = %d", st.DiskBytes)
	}
}

func TestProcessInstance_DestroyRemovesDir(t *testing.T) {
	_, inst := newTestProcessInstance(t)
	dir := inst.(*processInstance).dir
	if err := inst.Destroy(context.Background()); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("sandbox dir still exists: %v", err)
	}
	if err := inst.Destroy(context.Background()); err != nil {
		t.Errorf("second destroy: %v", err)
	}
	if _, err := inst.Exec(context.Background(), Command{Args: []string{"true"}}); err == nil {
		t.Error("exec after destroy should fail")
	}
}

func TestCleanRelPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"main.py", "main.py", true},
		{"./src//a.go", "src/a.go", true},
		{`src\win.py`, "src/win.py", true},
		{"../x", "", false},
		{"/abs", "", false},
		{".", "", false},
		{"a/../../x", "", false},
	}
	for _, tt := range tests {
		got, err := cleanRelPath(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("cleanRelPath(%q) err = %v, want ok=%v", tt.in, err, tt.ok)
			continue
		}
		if got != tt.want {
			t.Errorf("cleanRelPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestProcessInstance_SignalDeathIsNotTimeout(t *testing.T) {
	_, inst := newTestProcessInstance(t)
	res, err := inst.Exec(context.Background(), Command{Args: []string{"sh", "-c", "kill -KILL $$"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TimedOut {
		t.Error("signal death reported as timeout")
	}
	if res.ExitCode == ExitTimedOut {
		t.Errorf("exit code = %d, collides with the timeout sentinel", res.ExitCode)
	}
	if res.ExitCode != 128+9 {
		t.Errorf("exit code = %d, want %d", res.ExitCode, 128+9)
	}
}
