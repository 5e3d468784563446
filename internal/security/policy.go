package security

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/jkaninda/runbox/internal/language"
)

const defaultMaxPayloadBytes = 100 * 1024

// PolicyConfig configures the policy engine.
type PolicyConfig struct {
	MaxPayloadBytes int         // 0 = 100 KB.
	RateLimiter     RateLimiter // nil = NoopLimiter.
	Profiles        map[Trust]Envelope
}

// Policy validates payloads and computes resource envelopes.
// Thread-safe; the rule set can be swapped at runtime with SetExtraRules.
type Policy struct {
	base       []Rule
	extra      atomic.Pointer[[]Rule]
	maxPayload int
	limiter    RateLimiter
	profiles   map[Trust]Envelope
	logger     *slog.Logger
}

// NewPolicy creates a policy with the built-in rules.
func NewPolicy(cfg PolicyConfig, logger *slog.Logger) *Policy {
	maxPayload := cfg.MaxPayloadBytes
	if maxPayload <= 0 {
		maxPayload = defaultMaxPayloadBytes
	}
	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = NoopLimiter{}
	}
	profiles := DefaultProfiles()
	for t, env := range cfg.Profiles {
		profiles[t] = env
	}
	p := &Policy{
		base:       DefaultRules(),
		maxPayload: maxPayload,
		limiter:    limiter,
		profiles:   profiles,
		logger:     logger,
	}
	empty := []Rule{}
	p.extra.Store(&empty)
	return p
}

// SetExtraRules replaces the operator-supplied rules. Built-in rules always apply.
func (p *Policy) SetExtraRules(rules []Rule) {
	cp := append([]Rule(nil), rules...)
	p.extra.Store(&cp)
}

// RuleCount returns the number of active rules.
func (p *Policy) RuleCount() int {
	return len(p.base) + len(*p.extra.Load())
}

// Validate scans a payload line by line against every rule that applies to lang.
// It never returns an error: malformed input produces a rejecting verdict.
func (p *Policy) Validate(payload, lang string) Verdict {
	lang = language.Normalize(lang)
	v := Verdict{Language: lang, Digest: Digest(payload)}

	if _, ok := language.Lookup(lang); !ok {
		v.Reason = fmt.Sprintf("%s: %q", ErrUnsupportedLanguage, lang)
		return v
	}
	v.Envelope = p.EnvelopeFor(lang, TrustSnippet)

	if !utf8.ValidString(payload) || strings.ContainsRune(payload, 0) {
		v.Reason = ReasonUnparseable
		return v
	}
	if len(payload) > p.maxPayload {
		v.Reason = fmt.Sprintf("payload exceeds %d bytes", p.maxPayload)
		return v
	}

	v.Violations, v.Warnings = p.scan(payload, lang)
	if len(v.Violations) > 0 {
		ids := make([]string, 0, len(v.Violations))
		for _, viol := range v.Violations {
			ids = append(ids, viol.Rule)
		}
		v.Reason = "dangerous pattern: " + strings.Join(ids, ", ")
		return v
	}

	v.Allowed = true
	return v
}

// ValidateCommands checks generated shell commands (install, build, test) with the shell rules.
func (p *Policy) ValidateCommands(commands ...string) Verdict {
	return p.Validate(strings.Join(commands, "\n"), "bash")
}

func (p *Policy) scan(payload, lang string) (violations, warnings []Violation) {
	rules := append(append([]Rule(nil), p.base...), *p.extra.Load()...)

	sc := bufio.NewScanner(strings.NewReader(payload))
	sc.Buffer(make([]byte, 0, 64*1024), p.maxPayload+1)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		for _, r := range rules {
			if !r.AppliesTo(lang) || !r.Match(text) {
				continue
			}
			viol := Violation{Rule: r.ID, Description: r.Description, Severity: r.Severity, Line: line}
			if r.Severity == SeverityWarn {
				warnings = append(warnings, viol)
			} else {
				violations = append(violations, viol)
			}
		}
	}
	return violations, warnings
}

// EnvelopeFor returns the resource envelope for a language under a trust level.
// Pure: same inputs always give the same envelope.
func (p *Policy) EnvelopeFor(lang string, trust Trust) Envelope {
	env, ok := p.profiles[trust]
	if !ok {
		env = p.profiles[TrustSnippet]
	}
	if language.IsCompiled(lang) {
		env.MemoryMB = env.MemoryMB * 3 / 2
	}
	return env
}

// RateLimitCheck reports whether clientKey may submit another execution.
// Limiter errors fail open and are logged.
func (p *Policy) RateLimitCheck(ctx context.Context, clientKey string) bool {
	ok, err := p.limiter.Allow(ctx, clientKey)
	if err != nil {
		p.logger.WarnContext(ctx, "rate limit check failed, permitting",
			slog.String("client", clientKey),
			slog.String("error", err.Error()),
		)
		return true
	}
	return ok
}
