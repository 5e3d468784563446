// Package detect infers a repository's runtime and toolchain commands from
// its files and metadata. Detection never fails: with no usable signal the
// result is the unknown runtime with zero confidence.
package detect

import (
	"path"
	"sort"
	"strings"
)

// Unknown is the runtime reported when nothing could be inferred.
const Unknown = "unknown"

// Complexity is a coarse estimate of how demanding a repository is to build.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
	ComplexityUnknown  Complexity = "unknown"
)

// Signal weights. A runtime backed by every signal scores 1.0.
const (
	weightManifest  = 0.5
	weightHint      = 0.2
	weightExtension = 0.2
	weightShebang   = 0.1

	// disagreementPenalty scales the weight of signals voting for another runtime.
	disagreementPenalty = 0.5
)

// Hint carries repository metadata supplied alongside the files.
type Hint struct {
	Language   string
	Topics     []string
	Stars      int
	OpenIssues int
}

// Signal is one piece of evidence considered by Detect.
type Signal struct {
	Kind    string  `json:"kind"`
	Runtime string  `json:"runtime"`
	Weight  float64 `json:"weight"`
	Source  string  `json:"source,omitempty"`
}

// Result is the outcome of detection.
type Result struct {
	Runtime          string     `json:"detected_runtime"`
	IsExecutable     bool       `json:"is_executable"`
	Languages        []string   `json:"languages"`
	SetupCommands    []string   `json:"setup_commands"`
	RunCommand       string     `json:"run_command,omitempty"`
	TestCommand      string     `json:"test_command,omitempty"`
	BuildCommand     string     `json:"build_command,omitempty"`
	Complexity       Complexity `json:"estimated_complexity"`
	Confidence       float64    `json:"confidence"`
	RequiresDocker   bool       `json:"requires_docker"`
	RequiresDatabase bool       `json:"requires_database"`
	Issues           []string   `json:"issues"`
	Signals          []Signal   `json:"signals,omitempty"`
}

// runtimeOrder breaks ties deterministically.
var runtimeOrder = []string{"python", "node", "go", "rust", "java", "dart", "ruby", "php", "cpp", "c"}

// Detect inspects files (paths relative to the repository root, content
// possibly nil when only names are known) and the metadata hint.
func Detect(files map[string][]byte, hint Hint) Result {
	res := Result{
		Runtime:       Unknown,
		Languages:     []string{},
		SetupCommands: []string{},
		Issues:        []string{},
		Complexity:    estimateComplexity(hint),
	}

	var signals []Signal
	signals = append(signals, manifestSignals(files)...)
	if s, ok := hintSignal(hint); ok {
		signals = append(signals, s)
	}
	if s, ok := extensionSignal(files); ok {
		signals = append(signals, s)
	}
	if s, ok := shebangSignal(files); ok {
		signals = append(signals, s)
	}
	res.Signals = signals
	res.Languages = languagesOf(signals, hint)
	res.RequiresDocker = requiresDocker(files, hint.Topics)
	res.RequiresDatabase = requiresDatabase(hint.Topics)
	if res.RequiresDatabase {
		res.Issues = append(res.Issues, "repository requires database setup")
	}
	if res.RequiresDocker {
		res.Issues = append(res.Issues, "repository ships container tooling that is not run inside the sandbox")
	}
	if len(signals) == 0 {
		res.Issues = append(res.Issues, "no runtime signal found")
		return res
	}

	scores := make(map[string]float64)
	for _, s := range signals {
		scores[s.Runtime] += s.Weight
	}
	winner := ""
	for _, rt := range runtimeOrder {
		if scores[rt] > scores[winner] {
			winner = rt
		}
	}
	if winner == "" {
		res.Issues = append(res.Issues, "no runtime signal found")
		return res
	}

	var agree, disagree float64
	for _, s := range signals {
		if s.Runtime == winner {
			agree += s.Weight
		} else {
			disagree += s.Weight
		}
	}
	conf := agree - disagreementPenalty*disagree
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	res.Confidence = round2(conf)
	if disagree > 0 {
		res.Issues = append(res.Issues, "runtime signals disagree")
	}

	plan := planFor(winner, files, hint)
	if plan.setup == nil {
		plan.setup = []string{}
	}
	res.Runtime = plan.runtime
	res.IsExecutable = true
	res.SetupCommands = plan.setup
	res.RunCommand = plan.run
	res.TestCommand = plan.test
	res.BuildCommand = plan.build
	if plan.test == "" {
		res.Issues = append(res.Issues, "no test command detected")
	}
	return res
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}

// estimateComplexity buckets a repository by popularity and open issue count.
func estimateComplexity(h Hint) Complexity {
	switch {
	case h.Stars < 0 || h.OpenIssues < 0:
		return ComplexityUnknown
	case h.Stars < 100 && h.OpenIssues < 10:
		return ComplexitySimple
	case h.Stars < 1000 && h.OpenIssues < 50:
		return ComplexityModerate
	default:
		return ComplexityComplex
	}
}

// languageRuntimes maps repository language names and topics to runtimes.
var languageRuntimes = map[string]string{
	"python":     "python",
	"javascript": "node",
	"typescript": "node",
	"node":       "node",
	"nodejs":     "node",
	"react":      "node",
	"vue":        "node",
	"angular":    "node",
	"nextjs":     "node",
	"go":         "go",
	"golang":     "go",
	"rust":       "rust",
	"java":       "java",
	"kotlin":     "java",
	"spring":     "java",
	"dart":       "dart",
	"flutter":    "dart",
	"ruby":       "ruby",
	"rails":      "ruby",
	"php":        "php",
	"laravel":    "php",
	"c":          "c",
	"c++":        "cpp",
	"cpp":        "cpp",
}

func hintSignal(h Hint) (Signal, bool) {
	if lang := strings.ToLower(strings.TrimSpace(h.Language)); lang != "" {
		if rt, ok := languageRuntimes[lang]; ok {
			return Signal{Kind: "hint", Runtime: rt, Weight: weightHint, Source: h.Language}, true
		}
	}
	for _, t := range h.Topics {
		if rt, ok := languageRuntimes[strings.ToLower(t)]; ok {
			return Signal{Kind: "hint", Runtime: rt, Weight: weightHint, Source: "topic:" + t}, true
		}
	}
	return Signal{}, false
}

var extensionRuntimes = map[string]string{
	".py":   "python",
	".js":   "node",
	".mjs":  "node",
	".cjs":  "node",
	".jsx":  "node",
	".ts":   "node",
	".tsx":  "node",
	".go":   "go",
	".rs":   "rust",
	".java": "java",
	".kt":   "java",
	".dart": "dart",
	".rb":   "ruby",
	".php":  "php",
	".c":    "c",
	".h":    "c",
	".cc":   "cpp",
	".cpp":  "cpp",
	".cxx":  "cpp",
	".hpp":  "cpp",
}

// extensionSignal votes for the runtime owning at least half of the
// recognised source files.
func extensionSignal(files map[string][]byte) (Signal, bool) {
	counts := make(map[string]int)
	total := 0
	for name := range files {
		if rt, ok := extensionRuntimes[strings.ToLower(path.Ext(name))]; ok {
			counts[rt]++
			total++
		}
	}
	if total == 0 {
		return Signal{}, false
	}
	// C headers alongside C++ sources belong to the C++ project.
	if counts["cpp"] > 0 && counts["c"] > 0 {
		counts["cpp"] += counts["c"]
		counts["c"] = 0
	}
	best, bestN := "", 0
	for _, rt := range runtimeOrder {
		if counts[rt] > bestN {
			best, bestN = rt, counts[rt]
		}
	}
	if bestN*2 < total {
		return Signal{}, false
	}
	return Signal{Kind: "extension", Runtime: best, Weight: weightExtension, Source: path.Ext(firstWithRuntime(files, best))}, true
}

func firstWithRuntime(files map[string][]byte, rt string) string {
	names := sortedNames(files)
	for _, n := range names {
		if extensionRuntimes[strings.ToLower(path.Ext(n))] == rt {
			return n
		}
	}
	return ""
}

var interpreterRuntimes = map[string]string{
	"python":  "python",
	"python3": "python",
	"python2": "python",
	"node":    "node",
	"nodejs":  "node",
	"ruby":    "ruby",
	"php":     "php",
	"dart":    "dart",
}

// shebangSignal votes for the interpreter named by most script shebangs.
func shebangSignal(files map[string][]byte) (Signal, bool) {
	counts := make(map[string]int)
	for _, name := range sortedNames(files) {
		rt := shebangRuntime(files[name])
		if rt != "" {
			counts[rt]++
		}
	}
	best, bestN := "", 0
	for _, rt := range runtimeOrder {
		if counts[rt] > bestN {
			best, bestN = rt, counts[rt]
		}
	}
	if best == "" {
		return Signal{}, false
	}
	return Signal{Kind: "shebang", Runtime: best, Weight: weightShebang}, true
}

func shebangRuntime(content []byte) string {
	if len(content) < 3 || content[0] != '#' || content[1] != '!' {
		return ""
	}
	line := string(content[2:])
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	interp := path.Base(fields[0])
	if interp == "env" {
		for _, f := range fields[1:] {
			if !strings.HasPrefix(f, "-") {
				interp = f
				break
			}
		}
	}
	return interpreterRuntimes[interp]
}

func languagesOf(signals []Signal, h Hint) []string {
	seen := map[string]bool{}
	out := []string{}
	if h.Language != "" {
		l := strings.ToLower(h.Language)
		seen[l] = true
		out = append(out, l)
	}
	for _, s := range signals {
		if !seen[s.Runtime] {
			seen[s.Runtime] = true
			out = append(out, s.Runtime)
		}
	}
	return out
}

func requiresDocker(files map[string][]byte, topics []string) bool {
	for _, n := range []string{"Dockerfile", "docker-compose.yml", "docker-compose.yaml", "compose.yml", "compose.yaml"} {
		if _, ok := files[n]; ok {
			return true
		}
	}
	return hasTopic(topics, "docker", "kubernetes", "containerized")
}

func requiresDatabase(topics []string) bool {
	return hasTopic(topics, "postgresql", "postgres", "mysql", "mongodb", "redis", "database", "sqlite")
}

func hasTopic(topics []string, want ...string) bool {
	for _, t := range topics {
		for _, w := range want {
			if strings.EqualFold(t, w) {
				return true
			}
		}
	}
	return false
}

func sortedNames(files map[string][]byte) []string {
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
