// Package repo holds repository descriptors and the GitHub lookup used to
// analyze a repository without cloning it.
package repo

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jkaninda/runbox/internal/detect"
)

// ErrInvalidMetadata is returned when a repository descriptor fails validation.
var ErrInvalidMetadata = errors.New("invalid repository metadata")

const (
	maxNameLen     = 100
	maxFieldLen    = 256
	maxDescLen     = 2048
	maxStackItems  = 64
	maxStackItemLn = 64
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,100}$`)

// Metadata describes a repository as supplied by the caller or fetched from
// GitHub. Callers validate it once on ingress; later stages trust it.
type Metadata struct {
	Owner         string   `json:"owner,omitempty"`
	Name          string   `json:"name,omitempty"`
	FullName      string   `json:"full_name,omitempty"`
	Description   string   `json:"description,omitempty"`
	Language      string   `json:"language,omitempty"`
	TechStack     []string `json:"tech_stack,omitempty"`
	Topics        []string `json:"topics,omitempty"`
	Stars         int      `json:"stars"`
	OpenIssues    int      `json:"open_issues_count"`
	DefaultBranch string   `json:"default_branch,omitempty"`
}

// Validate normalises the metadata in place and rejects malformed values.
func (m *Metadata) Validate() error {
	m.Owner = strings.TrimSpace(m.Owner)
	m.Name = strings.TrimSpace(m.Name)
	m.FullName = strings.TrimSpace(m.FullName)
	m.Language = strings.TrimSpace(m.Language)
	m.DefaultBranch = strings.TrimSpace(m.DefaultBranch)

	if m.Owner != "" && !ValidName(m.Owner) {
		return fmt.Errorf("%w: owner %q", ErrInvalidMetadata, m.Owner)
	}
	if m.Name != "" && !ValidName(m.Name) {
		return fmt.Errorf("%w: name %q", ErrInvalidMetadata, m.Name)
	}
	for field, v := range map[string]string{
		"full_name":      m.FullName,
		"language":       m.Language,
		"default_branch": m.DefaultBranch,
	} {
		if err := checkText(field, v, maxFieldLen); err != nil {
			return err
		}
	}
	if err := checkText("description", m.Description, maxDescLen); err != nil {
		return err
	}
	if m.Stars < 0 || m.OpenIssues < 0 {
		return fmt.Errorf("%w: counts must not be negative", ErrInvalidMetadata)
	}
	var err error
	if m.TechStack, err = cleanList("tech_stack", m.TechStack); err != nil {
		return err
	}
	if m.Topics, err = cleanList("topics", m.Topics); err != nil {
		return err
	}
	return nil
}

func checkText(field, v string, limit int) error {
	if len(v) > limit {
		return fmt.Errorf("%w: %s longer than %d bytes", ErrInvalidMetadata, field, limit)
	}
	if !utf8.ValidString(v) {
		return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidMetadata, field)
	}
	for _, r := range v {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return fmt.Errorf("%w: %s contains control characters", ErrInvalidMetadata, field)
		}
	}
	return nil
}

func cleanList(field string, items []string) ([]string, error) {
	if len(items) > maxStackItems {
		return nil, fmt.Errorf("%w: %s has more than %d entries", ErrInvalidMetadata, field, maxStackItems)
	}
	out := items[:0]
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		if err := checkText(field, it, maxStackItemLn); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

// Hint converts the metadata into a detector hint. Tech-stack entries are
// treated like topics.
func (m Metadata) Hint() detect.Hint {
	topics := make([]string, 0, len(m.TechStack)+len(m.Topics))
	topics = append(topics, m.TechStack...)
	topics = append(topics, m.Topics...)
	return detect.Hint{
		Language:   m.Language,
		Topics:     topics,
		Stars:      m.Stars,
		OpenIssues: m.OpenIssues,
	}
}

// ValidName reports whether s is a valid GitHub owner or repository name.
func ValidName(s string) bool {
	return namePattern.MatchString(s) && s != "." && s != ".." && len(s) <= maxNameLen
}

// ParseSlug splits "owner/repo" into its parts.
func ParseSlug(slug string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(strings.Trim(slug, "/"), "/")
	name = strings.TrimSuffix(name, ".git")
	if !ok || !ValidName(owner) || !ValidName(name) {
		return "", "", fmt.Errorf("%w: expected owner/repo, got %q", ErrInvalidMetadata, slug)
	}
	return owner, name, nil
}
