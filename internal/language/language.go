// Package language is the catalog of snippet languages runbox can execute:
// their container image, source file name and canonical run command.
package language

import (
	"strings"
)

// Spec describes how to run a single source file of one language.
type Spec struct {
	Name     string
	Image    string
	FileName string
	// Run is the command executed inside the sandbox working directory.
	// Compiled languages chain compile and run through sh -c.
	Run      []string
	Compiled bool
}

// DefaultImage is used for languages without a dedicated image.
const DefaultImage = "ubuntu:22.04"

var catalog = map[string]Spec{
	"python": {
		Name: "python", Image: "python:3.11-slim", FileName: "main.py",
		Run: []string{"python3", "-u", "main.py"},
	},
	"javascript": {
		Name: "javascript", Image: "node:18-alpine", FileName: "main.js",
		Run: []string{"node", "main.js"},
	},
	"typescript": {
		Name: "typescript", Image: "node:18-alpine", FileName: "main.ts",
		Run: []string{"npx", "--yes", "ts-node", "main.ts"},
	},
	"java": {
		Name: "java", Image: "openjdk:17-slim", FileName: "Main.java", Compiled: true,
		Run: []string{"sh", "-c", "javac Main.java && java Main"},
	},
	"go": {
		Name: "go", Image: "golang:1.21-alpine", FileName: "main.go", Compiled: true,
		Run: []string{"go", "run", "main.go"},
	},
	"rust": {
		Name: "rust", Image: "rust:1.75-slim", FileName: "main.rs", Compiled: true,
		Run: []string{"sh", "-c", "rustc -o main main.rs && ./main"},
	},
	"c": {
		Name: "c", Image: "gcc:13", FileName: "main.c", Compiled: true,
		Run: []string{"sh", "-c", "gcc -O2 -o main main.c && ./main"},
	},
	"cpp": {
		Name: "cpp", Image: "gcc:13", FileName: "main.cpp", Compiled: true,
		Run: []string{"sh", "-c", "g++ -O2 -o main main.cpp && ./main"},
	},
	"ruby": {
		Name: "ruby", Image: "ruby:3.2-alpine", FileName: "main.rb",
		Run: []string{"ruby", "main.rb"},
	},
	"php": {
		Name: "php", Image: "php:8.2-cli-alpine", FileName: "main.php",
		Run: []string{"php", "main.php"},
	},
	"bash": {
		Name: "bash", Image: "bash:5", FileName: "main.sh",
		Run: []string{"bash", "main.sh"},
	},
	"dart": {
		Name: "dart", Image: "dart:stable", FileName: "main.dart", Compiled: true,
		Run: []string{"dart", "run", "main.dart"},
	},
}

var aliases = map[string]string{
	"py":      "python",
	"python3": "python",
	"js":      "javascript",
	"node":    "javascript",
	"nodejs":  "javascript",
	"ts":      "typescript",
	"golang":  "go",
	"rs":      "rust",
	"c++":     "cpp",
	"cxx":     "cpp",
	"rb":      "ruby",
	"sh":      "bash",
	"shell":   "bash",
	"flutter": "dart",
}

// Normalize lowercases a language name and resolves aliases.
// Unknown names are returned lowercased and trimmed.
func Normalize(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := aliases[n]; ok {
		return canonical
	}
	return n
}

// Lookup returns the catalog entry for a language name or alias.
func Lookup(name string) (Spec, bool) {
	s, ok := catalog[Normalize(name)]
	return s, ok
}

// ImageFor returns the container image for a language, consulting overrides first.
func ImageFor(name string, overrides map[string]string, fallback string) string {
	n := Normalize(name)
	if img, ok := overrides[n]; ok && img != "" {
		return img
	}
	if s, ok := catalog[n]; ok {
		return s.Image
	}
	if fallback != "" {
		return fallback
	}
	return DefaultImage
}

// repositoryImages are full toolchain images, all of which ship git, used
// for repository pipelines keyed by the repository's declared language.
var repositoryImages = map[string]string{
	"python":     "python:3.11",
	"javascript": "node:18",
	"typescript": "node:18",
	"go":         "golang:1.21",
	"rust":       "rust:1.75",
	"java":       "maven:3.9-eclipse-temurin-17",
	"ruby":       "ruby:3.2",
	"php":        "composer:2",
	"dart":       "ghcr.io/cirruslabs/flutter:stable",
	"c":          "gcc:13",
	"cpp":        "gcc:13",
}

// DefaultRepositoryImage is used when the repository language is unknown.
const DefaultRepositoryImage = "buildpack-deps:bookworm"

// RepositoryImageFor returns the image a repository pipeline runs in.
func RepositoryImageFor(name string, overrides map[string]string) string {
	n := Normalize(name)
	if img, ok := overrides[n]; ok && img != "" {
		return img
	}
	if img, ok := repositoryImages[n]; ok {
		return img
	}
	if img, ok := overrides["default"]; ok && img != "" {
		return img
	}
	return DefaultRepositoryImage
}

// IsCompiled reports whether the language needs a compile step.
func IsCompiled(name string) bool {
	s, ok := Lookup(name)
	return ok && s.Compiled
}

// Names returns the canonical language names.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for n := range catalog {
		names = append(names, n)
	}
	return names
}
