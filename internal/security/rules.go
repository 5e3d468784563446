package security

import (
	"fmt"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/jkaninda/runbox/internal/language"
)

// Rule is a single dangerous-pattern check.
// Patterns are compiled case-insensitive and matched against one line at a time.
type Rule struct {
	ID          string
	Description string
	Severity    Severity
	Languages   []string // Empty = applies to every language.
	pattern     *regexp.Regexp
}

// AppliesTo reports whether the rule scans payloads of the given language.
func (r Rule) AppliesTo(lang string) bool {
	return len(r.Languages) == 0 || slices.Contains(r.Languages, lang)
}

// Match reports whether the rule matches a single line.
func (r Rule) Match(line string) bool {
	return r.pattern.MatchString(line)
}

// NewRule compiles a rule. The pattern is forced case-insensitive.
func NewRule(id, description string, severity Severity, pattern string, languages ...string) (Rule, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("compiling rule %s: %w", id, err)
	}
	if severity == "" {
		severity = SeverityBlock
	}
	normalized := make([]string, 0, len(languages))
	for _, l := range languages {
		normalized = append(normalized, language.Normalize(l))
	}
	return Rule{ID: id, Description: description, Severity: severity, Languages: normalized, pattern: re}, nil
}

// pyImport matches an import of any listed module, including one-liners
// after a semicolon and comma-separated import lists.
func pyImport(modules string) string {
	return `(?:^|[;:\s])(?:import\s+[\w\s,.]*?\b|from\s+)(?:` + modules + `)\b`
}

func mustRule(id, description string, severity Severity, pattern string, languages ...string) Rule {
	r, err := NewRule(id, description, severity, pattern, languages...)
	if err != nil {
		panic(err)
	}
	return r
}

// DefaultRules returns the built-in rule set.
func DefaultRules() []Rule {
	return []Rule{
		// Filesystem destruction.
		mustRule("fs-root-delete", "recursive deletion of the filesystem root or home", SeverityBlock,
			`\brm\s+(?:-[a-z-]+\s+)*(?:/\*?|~/?|\$home/?)(?:\s|;|&|\||"|'|$)`),
		mustRule("fs-rmtree-root", "recursive deletion of the filesystem root", SeverityBlock,
			`shutil\.rmtree\(\s*['"]/['"]`, "python"),
		mustRule("fs-format", "filesystem creation on a device", SeverityBlock, `\bmkfs(?:\.\w+)?\b`),
		mustRule("fs-raw-device", "raw block device copy", SeverityBlock, `\bdd\s+if=`),
		mustRule("fs-device-write", "write to a block device", SeverityBlock, `>\s*/dev/(?:sd[a-z]|nvme\d|xvd[a-z]|hd[a-z])`),

		// Fork bombs and process floods.
		mustRule("fork-bomb", "recursive fork bomb", SeverityBlock, `:\(\)\s*\{.*\}`),
		mustRule("fork-bomb-perl", "fork loop", SeverityBlock, `\bfork\s+while\s+fork\b`),
		mustRule("fork-primitive", "direct process forking", SeverityBlock, `\bos\.fork\s*\(`, "python"),

		// Remote code fetched into a shell.
		mustRule("pipe-to-shell", "remote script piped into a shell", SeverityBlock,
			`\b(?:curl|wget)\b.*\|\s*(?:sudo\s+)?(?:ba|z|k|da)?sh\b`),

		// Raw sockets and exfiltration primitives.
		mustRule("raw-socket", "raw socket creation", SeverityBlock, `\bsock_raw\b`),
		mustRule("dev-tcp", "bash network redirection", SeverityBlock, `/dev/(?:tcp|udp)/`),
		mustRule("netcat-exec", "netcat reverse shell", SeverityBlock, `\b(?:nc|ncat|netcat)\b.*\s-[a-z]*[ec]\s`),
		mustRule("py-socket-import", "socket module import", SeverityBlock,
			pyImport(`socket|ctypes|pty`), "python"),
		mustRule("js-net-require", "raw network module", SeverityBlock,
			`require\(\s*['"](?:net|dgram)['"]\s*\)`, "javascript", "typescript"),

		// Privilege escalation.
		mustRule("sudo", "privilege escalation via sudo or su", SeverityBlock, `(?:^|[;&|\s])(?:sudo\b|su\s+(?:-|root\b))`),
		mustRule("setuid-bit", "setuid or setgid bit change", SeverityBlock,
			`\bchmod\s+(?:[ugoa]*\+[rwx]*s|[0-7]?[2467][0-7]{3}\b)`),
		mustRule("setuid-call", "privilege-changing syscall", SeverityBlock, `\b(?:setuid|setgid|setreuid|setresuid|ptrace)\s*\(`),
		mustRule("namespace-escape", "namespace or mount manipulation", SeverityBlock, `\b(?:nsenter|unshare|chroot|capsh)\b|\bmount\s+-`),
		mustRule("docker-socket", "container runtime socket access", SeverityBlock, `/var/run/docker\.sock`),

		// Package managers pointed at registries outside the default ones.
		mustRule("registry-pip", "pip install from a non-default index", SeverityBlock,
			`\bpip3?\s+install\b.*(?:--(?:extra-)?index-url\b|--trusted-host\b|\s-i\s|https?://)`),
		mustRule("registry-npm", "npm install from a non-default registry", SeverityBlock,
			`\b(?:npm|yarn|pnpm)\s+(?:install|i|add|config\s+set)\b.*(?:--registry\b|\bregistry\s)`),
		mustRule("registry-gem", "gem install from a non-default source", SeverityBlock, `\bgem\s+install\b.*--source\b`),
		mustRule("registry-goproxy", "go proxy override", SeverityBlock, `\bgoproxy=|\bgo\s+env\s+-w\s+goproxy\b`),

		// Language escape hatches.
		mustRule("py-dangerous-import", "process or interpreter control import", SeverityBlock,
			pyImport(`os|subprocess|sys|shutil|multiprocessing`)+`|\bimportlib\b`, "python"),
		mustRule("py-dynamic-code", "dynamic code evaluation", SeverityBlock,
			`__import__|(?:^|[^.\w])(?:eval|exec|compile)\s*\(`, "python"),
		mustRule("js-child-process", "child process spawning", SeverityBlock,
			`require\(\s*['"](?:child_process|fs|cluster|worker_threads)['"]\s*\)|from\s+['"](?:child_process|fs)['"]`, "javascript", "typescript"),
		mustRule("js-dynamic-code", "dynamic code evaluation", SeverityBlock,
			`(?:^|[^.\w])eval\s*\(|\bnew\s+Function\s*\(`, "javascript", "typescript"),
		mustRule("js-process-control", "process control", SeverityBlock,
			`\bprocess\.(?:exit|kill|binding)\b`, "javascript", "typescript"),
		mustRule("go-exec", "process spawning", SeverityBlock, `"os/exec"|"syscall"|"unsafe"`, "go"),
		mustRule("system-call", "shell escape", SeverityBlock,
			`\b(?:system|popen|exec[lv]?p?e?|shell_exec|passthru|proc_open)\s*\(|` + "`[^`]*`", "c", "cpp", "php", "ruby"),

		// Resource exhaustion hints. Timeouts bound these anyway.
		mustRule("infinite-loop", "unbounded loop", SeverityWarn,
			`\bwhile\s*\(?\s*(?:true|1)\s*\)?\s*[:{]|\bfor\s*\(\s*;\s*;\s*\)|^\s*for\s*\{\s*$|\bloop\s*\{`),
	}
}

type ruleFile struct {
	Rules []struct {
		ID          string   `yaml:"id"`
		Description string   `yaml:"description"`
		Severity    string   `yaml:"severity"`
		Pattern     string   `yaml:"pattern"`
		Languages   []string `yaml:"languages"`
	} `yaml:"rules"`
}

// LoadRulesFile reads extra rules from a YAML file:
//
//	rules:
//	  - id: no-crypto-miners
//	    pattern: xmrig|minerd
//	    severity: block
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file %s: %w", path, err)
	}
	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing rules file %s: %w", path, err)
	}
	rules := make([]Rule, 0, len(rf.Rules))
	for i, r := range rf.Rules {
		if r.ID == "" || r.Pattern == "" {
			return nil, fmt.Errorf("rules file %s: rule %d needs id and pattern", path, i)
		}
		sev := Severity(r.Severity)
		switch sev {
		case "", SeverityBlock, SeverityWarn:
		default:
			return nil, fmt.Errorf("rules file %s: rule %s has unknown severity %q", path, r.ID, r.Severity)
		}
		rule, err := NewRule(r.ID, r.Description, sev, r.Pattern, r.Languages...)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
