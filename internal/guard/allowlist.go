// Package guard is the agent-side command gate: allowlist validation, shell
// metacharacter rejection, container option screening, and rate limiting.
// Every dispatched command passes through it before anything executes.
package guard

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed allowlist.yaml
var defaultAllowlist []byte

// devNullSuffix is the one redirection tolerated, and only on pre-flight
// patterns.
const devNullSuffix = " 2>/dev/null"

// Rejection reasons returned by Validate.
const (
	ReasonMetachars  = "shell metacharacters not permitted"
	ReasonNotAllowed = "not in allowlist"
	ReasonTimeout    = "exceeds maximum timeout for this command"
)

// metachars are the characters and sequences that enable command chaining,
// substitution, or redirection. "$(" and "`" cover substitution; ">" and "<"
// cover redirection; ";", "|", "&" cover chaining (and with them "&&", "||").
var metachars = []string{";", "|", "&", "`", "$(", ">", "<"}

type patternSpec struct {
	Pattern    string `yaml:"pattern"`
	MaxTimeout int    `yaml:"max_timeout"`
	Preflight  bool   `yaml:"preflight"`
}

type allowlistSpec struct {
	Patterns []patternSpec `yaml:"patterns"`
}

// Pattern is one compiled allowlist entry. Matching is anchored at the start
// of the command.
type Pattern struct {
	re         *regexp.Regexp
	MaxTimeout time.Duration
	Preflight  bool
}

// Allowlist is the ordered set of permitted command patterns.
type Allowlist struct {
	patterns []Pattern
}

// DefaultAllowlist compiles the embedded pattern table.
func DefaultAllowlist() (*Allowlist, error) {
	return parseAllowlist(defaultAllowlist)
}

// LoadAllowlist reads a pattern table from a YAML file, replacing the
// embedded defaults entirely.
func LoadAllowlist(path string) (*Allowlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read allowlist: %w", err)
	}
	return parseAllowlist(data)
}

func parseAllowlist(data []byte) (*Allowlist, error) {
	var spec allowlistSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse allowlist: %w", err)
	}
	if len(spec.Patterns) == 0 {
		return nil, fmt.Errorf("allowlist has no patterns")
	}

	al := &Allowlist{patterns: make([]Pattern, 0, len(spec.Patterns))}
	for _, p := range spec.Patterns {
		expr := p.Pattern
		if !strings.HasPrefix(expr, "^") {
			expr = "^" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile allowlist pattern %q: %w", p.Pattern, err)
		}
		if p.MaxTimeout <= 0 {
			return nil, fmt.Errorf("allowlist pattern %q has no max_timeout", p.Pattern)
		}
		al.patterns = append(al.patterns, Pattern{
			re:         re,
			MaxTimeout: time.Duration(p.MaxTimeout) * time.Second,
			Preflight:  p.Preflight,
		})
	}
	return al, nil
}

// Validate checks a command string and an optional requested timeout
// (0 means "use the pattern ceiling"). It returns false with a reason when
// the command contains shell metacharacters, matches no pattern, or asks for
// more time than the matched pattern allows.
func (al *Allowlist) Validate(command string, requestedTimeout time.Duration) (bool, string) {
	command = strings.TrimSpace(command)

	// A single trailing stderr-discard is stripped before the metachar scan,
	// but only honored if the remainder matches a pre-flight pattern.
	bare, hadRedirect := strings.CutSuffix(command, devNullSuffix)
	bare = strings.TrimSpace(bare)

	if containsMetachars(bare) {
		return false, ReasonMetachars
	}

	match := al.match(bare)
	if match == nil {
		return false, ReasonNotAllowed
	}
	if hadRedirect && !match.Preflight {
		return false, ReasonMetachars
	}
	if requestedTimeout > match.MaxTimeout {
		return false, ReasonTimeout
	}
	return true, ""
}

// MaxTimeoutFor returns the timeout ceiling of the first matching pattern,
// or 0 when the command matches nothing.
func (al *Allowlist) MaxTimeoutFor(command string) time.Duration {
	command = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(command), devNullSuffix))
	if m := al.match(command); m != nil {
		return m.MaxTimeout
	}
	return 0
}

func (al *Allowlist) match(command string) *Pattern {
	for i := range al.patterns {
		if al.patterns[i].re.MatchString(command) {
			return &al.patterns[i]
		}
	}
	return nil
}

func containsMetachars(command string) bool {
	for _, m := range metachars {
		if strings.Contains(command, m) {
			return true
		}
	}
	return false
}

// NeedsShell reports whether a command requires a shell to run. Allowlisted
// commands never contain chaining or substitution, so this is true only for
// the tolerated stderr redirection.
func NeedsShell(command string) bool {
	return containsMetachars(command)
}

// SplitArgv splits a metachar-free command into an argv on whitespace.
func SplitArgv(command string) []string {
	return strings.Fields(command)
}
