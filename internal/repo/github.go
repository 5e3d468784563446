package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/runbox/internal/detect"
)

// Errors returned by the GitHub client.
var (
	ErrNotFound    = errors.New("repository not found")
	ErrRateLimited = errors.New("github rate limit exceeded")
)

const defaultAPIURL = "https://api.github.com"

// GitHubConfig configures the GitHub client.
type GitHubConfig struct {
	APIURL   string
	Token    string
	CacheTTL time.Duration
}

// GitHub fetches repository metadata and top-level listings from the REST API.
type GitHub struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
	ttl        time.Duration

	mu    sync.Mutex
	cache map[string]cachedAnalysis
	now   func() time.Time
}

type cachedAnalysis struct {
	analysis *Analysis
	expires  time.Time
}

// Analysis is the detector's verdict for a remote repository.
type Analysis struct {
	Repository Metadata `json:"repository"`
	Files      []string `json:"files"`
	detect.Result
}

// NewGitHub creates a GitHub client.
func NewGitHub(cfg GitHubConfig, logger *slog.Logger) *GitHub {
	base := strings.TrimRight(cfg.APIURL, "/")
	if base == "" {
		base = defaultAPIURL
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &GitHub{
		baseURL: base,
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger,
		ttl:    ttl,
		cache:  make(map[string]cachedAnalysis),
		now:    time.Now,
	}
}

// Analyze fetches owner/name and runs detection over its metadata and
// top-level file names. Results are cached for the configured TTL.
func (g *GitHub) Analyze(ctx context.Context, owner, name string) (*Analysis, error) {
	if !ValidName(owner) || !ValidName(name) {
		return nil, fmt.Errorf("%w: %s/%s", ErrInvalidMetadata, owner, name)
	}
	key := strings.ToLower(owner + "/" + name)

	g.mu.Lock()
	if c, ok := g.cache[key]; ok && g.now().Before(c.expires) {
		g.mu.Unlock()
		return c.analysis, nil
	}
	g.mu.Unlock()

	meta, err := g.Metadata(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	names, err := g.TopLevel(ctx, owner, name)
	if err != nil {
		// The listing is optional: detection still works on metadata alone.
		g.logger.WarnContext(ctx, "github contents listing failed",
			slog.String("repository", key),
			slog.String("error", err.Error()),
		)
	}
	files := make(map[string][]byte, len(names))
	for _, n := range names {
		files[n] = nil
	}
	a := &Analysis{Repository: *meta, Files: names, Result: detect.Detect(files, meta.Hint())}

	g.mu.Lock()
	g.cache[key] = cachedAnalysis{analysis: a, expires: g.now().Add(g.ttl)}
	g.mu.Unlock()
	return a, nil
}

// PruneCache drops expired analyses and returns how many were removed.
func (g *GitHub) PruneCache() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	n := 0
	for k, c := range g.cache {
		if !now.Before(c.expires) {
			delete(g.cache, k)
			n++
		}
	}
	return n
}

type ghRepository struct {
	Name          string   `json:"name"`
	FullName      string   `json:"full_name"`
	Description   string   `json:"description"`
	Language      string   `json:"language"`
	Topics        []string `json:"topics"`
	Stars         int      `json:"stargazers_count"`
	OpenIssues    int      `json:"open_issues_count"`
	DefaultBranch string   `json:"default_branch"`
	Owner         struct {
		Login string `json:"login"`
	} `json:"owner"`
}

// Metadata fetches and validates repository metadata.
func (g *GitHub) Metadata(ctx context.Context, owner, name string) (*Metadata, error) {
	var r ghRepository
	if err := g.get(ctx, "/repos/"+url.PathEscape(owner)+"/"+url.PathEscape(name), &r); err != nil {
		return nil, err
	}
	m := &Metadata{
		Owner:         r.Owner.Login,
		Name:          r.Name,
		FullName:      r.FullName,
		Description:   r.Description,
		Language:      r.Language,
		Topics:        r.Topics,
		Stars:         r.Stars,
		OpenIssues:    r.OpenIssues,
		DefaultBranch: r.DefaultBranch,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// TopLevel lists root entries. Directories carry a trailing slash.
func (g *GitHub) TopLevel(ctx context.Context, owner, name string) ([]string, error) {
	var entries []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	if err := g.get(ctx, "/repos/"+url.PathEscape(owner)+"/"+url.PathEscape(name)+"/contents/", &entries); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type == "dir" {
			out = append(out, e.Name+"/")
		} else {
			out = append(out, e.Name)
		}
	}
	return out, nil
}

func (g *GitHub) get(ctx context.Context, p string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+p, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", "runbox")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		return ErrRateLimited
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("github returned %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(v); err != nil {
		return fmt.Errorf("decoding github response: %w", err)
	}
	return nil
}
