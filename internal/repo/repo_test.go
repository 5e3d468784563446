package repo

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadata_Validate(t *testing.T) {
	m := Metadata{
		Owner:     " octo ",
		Name:      "hello-world",
		Language:  "Python",
		TechStack: []string{"flask", " ", "postgresql"},
		Stars:     12,
	}
	require.NoError(t, m.Validate())
	assert.Equal(t, "octo", m.Owner)
	assert.Equal(t, []string{"flask", "postgresql"}, m.TechStack)

	tests := []struct {
		name string
		meta Metadata
	}{
		{"negative stars", Metadata{Stars: -1}},
		{"bad owner", Metadata{Owner: "a/b"}},
		{"dotdot name", Metadata{Name: ".."}},
		{"control chars", Metadata{Language: "py\x00thon"}},
		{"long language", Metadata{Language: strings.Repeat("x", 300)}},
		{"huge stack", Metadata{TechStack: make([]string, 100)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.meta.Validate(), ErrInvalidMetadata)
		})
	}
}

func TestMetadata_Hint(t *testing.T) {
	m := Metadata{Language: "Dart", TechStack: []string{"flutter"}, Topics: []string{"mobile"}, Stars: 3, OpenIssues: 1}
	h := m.Hint()
	assert.Equal(t, "Dart", h.Language)
	assert.Equal(t, []string{"flutter", "mobile"}, h.Topics)
	assert.Equal(t, 3, h.Stars)
}

func TestParseSlug(t *testing.T) {
	owner, name, err := ParseSlug("jkaninda/okapi.git")
	require.NoError(t, err)
	assert.Equal(t, "jkaninda", owner)
	assert.Equal(t, "okapi", name)

	for _, bad := range []string{"", "solo", "a/b/c", "../x", "a/.."} {
		_, _, err := ParseSlug(bad)
		assert.Error(t, err, "slug %q", bad)
	}
}

func newFakeGitHub(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/app", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"name":"app","full_name":"octo/app","language":"Go",
			"topics":["docker"],"stargazers_count":250,"open_issues_count":12,
			"default_branch":"main","owner":{"login":"octo"}}`)
	})
	mux.HandleFunc("/repos/octo/app/contents/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"name":"go.mod","type":"file"},{"name":"cmd","type":"dir"},{"name":"main.go","type":"file"}]`)
	})
	mux.HandleFunc("/repos/octo/limited", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.WriteHeader(http.StatusForbidden)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGitHub_Analyze(t *testing.T) {
	var calls atomic.Int32
	srv := newFakeGitHub(t, &calls)
	gh := NewGitHub(GitHubConfig{APIURL: srv.URL, Token: "secret", CacheTTL: time.Minute}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Unix(1_700_000_000, 0)
	gh.now = func() time.Time { return now }

	a, err := gh.Analyze(context.Background(), "octo", "app")
	require.NoError(t, err)
	assert.Equal(t, "go", a.Runtime)
	assert.True(t, a.IsExecutable)
	assert.Equal(t, "go test ./...", a.TestCommand)
	assert.Equal(t, "moderate", string(a.Complexity))
	assert.True(t, a.RequiresDocker)
	assert.InDelta(t, 0.9, a.Confidence, 0.001)
	assert.Contains(t, a.Files, "cmd/")

	_, err = gh.Analyze(context.Background(), "OCTO", "app")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "second lookup served from cache")

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, gh.PruneCache())
	_, err = gh.Analyze(context.Background(), "octo", "app")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGitHub_Errors(t *testing.T) {
	var calls atomic.Int32
	srv := newFakeGitHub(t, &calls)
	gh := NewGitHub(GitHubConfig{APIURL: srv.URL}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := gh.Analyze(context.Background(), "octo", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = gh.Analyze(context.Background(), "octo", "limited")
	assert.ErrorIs(t, err, ErrRateLimited)

	_, err = gh.Analyze(context.Background(), "octo", "../etc")
	assert.ErrorIs(t, err, ErrInvalidMetadata)
}
