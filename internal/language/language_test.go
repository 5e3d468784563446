package language

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"Python":   "python",
		" py ":     "python",
		"NodeJS":   "javascript",
		"c++":      "cpp",
		"shell":    "bash",
		"cobol":    "cobol",
		"":         "",
		"  Golang": "go",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), "Normalize(%q)", in)
	}
}

func TestLookup(t *testing.T) {
	spec, ok := Lookup("js")
	assert.True(t, ok)
	assert.Equal(t, "main.js", spec.FileName)
	assert.Equal(t, []string{"node", "main.js"}, spec.Run)

	_, ok = Lookup("brainfuck")
	assert.False(t, ok)
}

func TestImageFor(t *testing.T) {
	assert.Equal(t, "python:3.11-slim", ImageFor("python", nil, ""))
	assert.Equal(t, "pypy:3", ImageFor("py", map[string]string{"python": "pypy:3"}, ""))
	assert.Equal(t, "alpine:3", ImageFor("cobol", nil, "alpine:3"))
	assert.Equal(t, DefaultImage, ImageFor("cobol", nil, ""))
}

func TestRepositoryImageFor(t *testing.T) {
	assert.Equal(t, "golang:1.21", RepositoryImageFor("Go", nil))
	assert.Equal(t, DefaultRepositoryImage, RepositoryImageFor("", nil))
	assert.Equal(t, "debian:git", RepositoryImageFor("haskell", map[string]string{"default": "debian:git"}))
	assert.Equal(t, "node:20", RepositoryImageFor("ts", map[string]string{"typescript": "node:20"}))
}

func TestIsCompiled(t *testing.T) {
	assert.True(t, IsCompiled("rust"))
	assert.True(t, IsCompiled("c++"))
	assert.False(t, IsCompiled("python"))
	assert.False(t, IsCompiled("unknown"))
}

func TestNames_AllResolvable(t *testing.T) {
	names := Names()
	assert.Len(t, names, 12)
	for _, n := range names {
		spec, ok := Lookup(n)
		assert.True(t, ok, n)
		assert.Equal(t, n, spec.Name)
		assert.NotEmpty(t, spec.Run, n)
	}
}
