// Package policy decides whether a shell command may be run by the agent.
package policy

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/mattn/go-shellwords"
	"go.uber.org/zap"

	"github.com/m4xw311/hybridshell/config"
	"github.com/m4xw311/hybridshell/logging"
)

// Verdict describes what a command would do, as far as static inspection
// can tell.
type Verdict struct {
	Destructive bool
	Interactive bool
	Reason      string
	// Programs are the base commands of every pipeline segment.
	Programs []string
}

// Policy classifies commands against the configured deny-list.
type Policy struct {
	deny        map[string]bool
	mutating    map[string]bool
	interactive map[string]bool
	patterns    []*regexp.Regexp
	literals    []string
	protected   []string
	home        string
	log         *zap.Logger
}

// New compiles cfg. Patterns that are not valid regular expressions are
// matched as literal substrings.
func New(cfg config.PolicyConfig, log *zap.Logger) *Policy {
	p := &Policy{
		deny:        set(cfg.DenyCommands),
		mutating:    set(cfg.MutatingCommands),
		interactive: set(cfg.InteractiveCommands),
		log:         logging.OrNop(log),
	}
	p.home, _ = os.UserHomeDir()
	for _, pattern := range cfg.DenyPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			p.log.Warn("invalid regex in deny_patterns, matching literally", zap.String("pattern", pattern), zap.Error(err))
			p.literals = append(p.literals, pattern)
			continue
		}
		p.patterns = append(p.patterns, re)
	}
	for _, g := range cfg.ProtectedPaths {
		p.protected = append(p.protected, p.expandHome(g))
	}
	return p
}

var defaultPolicy = New(config.Default().Policy, nil)

// Classify inspects command with the built-in deny-list.
func Classify(command string) Verdict { return defaultPolicy.Classify(command, "") }

// Classify inspects command. Relative path arguments are resolved against
// dir when it is set.
func (p *Policy) Classify(command, dir string) Verdict {
	v := Verdict{}
	p.classify(command, dir, &v, 0)
	return v
}

var substitutionRe = regexp.MustCompile("\\$\\(([^()]*)\\)|`([^`]*)`")

func (p *Policy) classify(command, dir string, v *Verdict, depth int) {
	for _, pattern := range p.patterns {
		if pattern.MatchString(command) {
			v.flag("matches deny pattern " + pattern.String())
		}
	}
	for _, lit := range p.literals {
		if strings.Contains(command, lit) {
			v.flag("matches deny pattern " + lit)
		}
	}

	for _, seg := range segments(command) {
		if seg.redirect || seg.input {
			// A redirected segment starts with the redirect target.
			if seg.redirect && len(seg.words) > 0 && p.isProtected(seg.words[0], dir) {
				v.flag("writes to protected path " + seg.words[0])
			}
			seg.words = seg.words[min(1, len(seg.words)):]
		}

		prog, args := program(seg.words)
		if prog == "" {
			continue
		}
		v.Programs = append(v.Programs, prog)
		switch {
		case p.deny[prog]:
			v.flag(prog + " is on the deny-list")
		case p.mutating[prog]:
			for _, a := range args {
				if !strings.HasPrefix(a, "-") && p.isProtected(a, dir) {
					v.flag(prog + " modifies protected path " + a)
					break
				}
			}
		}
		if p.interactive[prog] {
			v.Interactive = true
		}
	}

	if depth < 3 {
		for _, m := range substitutionRe.FindAllStringSubmatch(command, -1) {
			p.classify(m[1]+m[2], dir, v, depth+1)
		}
	}
}

func (v *Verdict) flag(reason string) {
	if !v.Destructive {
		v.Reason = reason
	}
	v.Destructive = true
}

func (p *Policy) isProtected(path, dir string) bool {
	path = p.expandHome(path)
	if !filepath.IsAbs(path) && dir != "" {
		path = filepath.Join(dir, path)
	}
	path = filepath.Clean(path)
	for _, g := range p.protected {
		if ok, err := doublestar.PathMatch(g, path); err == nil && ok {
			return true
		}
	}
	return false
}

func (p *Policy) expandHome(path string) string {
	if p.home != "" && (path == "~" || strings.HasPrefix(path, "~/")) {
		return filepath.Join(p.home, path[1:])
	}
	return path
}

type segment struct {
	words []string
	// redirect is set when the segment is the target of an output redirect;
	// input marks the target of an input redirect.
	redirect bool
	input    bool
}

// segments splits a command line at ; & | < > into word lists. Unparsable
// input falls back to whitespace splitting.
func segments(line string) []segment {
	var out []segment
	var redirect, input bool
	rest := []rune(line)
	for strings.TrimSpace(string(rest)) != "" {
		parser := shellwords.NewParser()
		words, err := parser.Parse(string(rest))
		if err != nil {
			return append(out, segment{words: strings.Fields(string(rest)), redirect: redirect, input: input})
		}
		out = append(out, segment{words: words, redirect: redirect, input: input})
		if parser.Position < 0 || parser.Position >= len(rest) {
			break
		}
		// Position counts runes.
		next, r, in := skipSeparators(rest[parser.Position:])
		if len(next) >= len(rest) {
			next = rest[1:]
		}
		rest, redirect, input = next, r, in
	}
	return out
}

func skipSeparators(rs []rune) (rest []rune, redirect, input bool) {
	i := 0
	for i < len(rs) {
		switch {
		case rs[i] == '>':
			redirect = true
		case rs[i] == '<':
			input = true
		case strings.ContainsRune(";&|", rs[i]):
		case unicode.IsDigit(rs[i]) && i+1 < len(rs) && rs[i+1] == '>':
		default:
			return rs[i:], redirect, input
		}
		i++
	}
	return rs[i:], redirect, input
}

// wrappers run their argument as a command.
var wrappers = map[string]bool{
	"env": true, "nohup": true, "time": true, "xargs": true, "command": true,
	"exec": true, "nice": true, "timeout": true, "builtin": true,
}

// program returns the base command of a segment, skipping environment
// assignments and wrapper commands.
func program(words []string) (string, []string) {
	for i := 0; i < len(words); i++ {
		w := words[i]
		if strings.Contains(w, "=") && !strings.HasPrefix(w, "=") && i+1 < len(words) && !strings.HasPrefix(w, "-") {
			continue
		}
		base := filepath.Base(w)
		if wrappers[base] {
			// Skip the wrapper's own flags and numeric operands.
			for i+1 < len(words) && (strings.HasPrefix(words[i+1], "-") || isNumeric(words[i+1])) {
				i++
			}
			continue
		}
		return base, words[i+1:]
	}
	return "", nil
}

func isNumeric(s string) bool {
	return s != "" && strings.Trim(s, "0123456789.smhd") == ""
}

func set(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}
