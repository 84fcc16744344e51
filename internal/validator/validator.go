// Package validator decides whether untrusted generated code may be
// shipped to a sandbox. The check is pure: same input, same verdict,
// no side effects.
package validator

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ViolationError is a rejection verdict. It is never retried and always
// surfaced to the caller.
type ViolationError struct {
	Reason    string // Which check failed.
	Construct string // The offending construct, when one exists.
	Line      int    // 1-based line of the offence, 0 when not line-bound.
}

func (e *ViolationError) Error() string {
	if e.Construct != "" {
		if e.Line > 0 {
			return fmt.Sprintf("code rejected: %s (%q at line %d)", e.Reason, e.Construct, e.Line)
		}
		return fmt.Sprintf("code rejected: %s (%q)", e.Reason, e.Construct)
	}
	return "code rejected: " + e.Reason
}

// denyPatterns are the dangerous constructs blocked by default: process
// spawning, raw sockets, dynamic evaluation, native memory access, and
// unbounded deletion.
var denyPatterns = []string{
	"__import__",
	"eval(",
	"exec(",
	"compile(",
	"subprocess",
	"os.system",
	"os.popen",
	"os.exec",
	"os.spawn",
	"os.fork",
	"socket",
	"ctypes",
	"pickle.loads",
	"pickle.load",
	"marshal.loads",
	"shutil.rmtree",
	"importlib",
	"builtins.",
	"getattr(__",
}

// Config configures the validator.
type Config struct {
	MaxBytes        int      // Maximum code length. 0 = 64 KiB.
	AllowedPatterns []string // Deny patterns explicitly whitelisted by configuration.
	ExtraDeny       []string // Additional literal substrings to reject.
	AllowedImports  []string // Optional allow-list of import namespaces. Empty = any not denied.
}

// Validator applies the configured checks in a fixed order, short-circuiting
// on the first failure: length, structural validity, denylist, import
// allowlist.
type Validator struct {
	maxBytes       int
	deny           []string
	allowedImports map[string]bool
}

// New creates a Validator.
func New(cfg Config) *Validator {
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}

	allowed := make(map[string]bool, len(cfg.AllowedPatterns))
	for _, p := range cfg.AllowedPatterns {
		allowed[p] = true
	}

	deny := make([]string, 0, len(denyPatterns)+len(cfg.ExtraDeny))
	for _, p := range denyPatterns {
		if !allowed[p] {
			deny = append(deny, p)
		}
	}
	deny = append(deny, cfg.ExtraDeny...)

	var imports map[string]bool
	if len(cfg.AllowedImports) > 0 {
		imports = make(map[string]bool, len(cfg.AllowedImports))
		for _, ns := range cfg.AllowedImports {
			imports[ns] = true
		}
	}

	return &Validator{
		maxBytes:       maxBytes,
		deny:           deny,
		allowedImports: imports,
	}
}

// Validate returns nil to accept the code or a *ViolationError to reject
// it.
func (v *Validator) Validate(code string) error {
	// 1. Length cap.
	if len(code) > v.maxBytes {
		return &ViolationError{
			Reason: fmt.Sprintf("code length %d exceeds limit %d", len(code), v.maxBytes),
		}
	}

	// 2. Structural validity.
	if err := checkStructure(code); err != nil {
		return err
	}

	// 3. Denylist.
	if err := v.checkDenylist(code); err != nil {
		return err
	}

	// 4. Optional import allowlist.
	if v.allowedImports != nil {
		if err := v.checkImports(code); err != nil {
			return err
		}
	}

	return nil
}

// checkStructure verifies the code is valid UTF-8 without NUL bytes and
// has balanced brackets and quotes. Full parsing happens remotely; this
// catches truncated or binary payloads before they ship.
func checkStructure(code string) error {
	if !utf8.ValidString(code) {
		return &ViolationError{Reason: "code is not valid UTF-8"}
	}
	if strings.ContainsRune(code, 0) {
		return &ViolationError{Reason: "code contains NUL bytes"}
	}

	var stack []byte
	line := 1
	inString := byte(0) // active quote char, 0 when outside strings
	escaped := false

	for i := 0; i < len(code); i++ {
		c := code[i]
		if c == '\n' {
			line++
			// Single-quoted Python strings do not span lines; reset so an
			// unclosed quote does not swallow the rest of the file.
			if inString != 0 && !isTriple(code, i, inString) {
				inString = 0
			}
			escaped = false
			continue
		}

		if inString != 0 {
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case inString:
				inString = 0
			}
			continue
		}

		switch c {
		case '#':
			// Comment runs to end of line.
			for i < len(code) && code[i] != '\n' {
				i++
			}
			line++
		case '\'', '"':
			inString = c
		case '(', '[', '{':
			stack = append(stack, c)
		case ')', ']', '}':
			if len(stack) == 0 || !matches(stack[len(stack)-1], c) {
				return &ViolationError{
					Reason:    "unbalanced delimiters",
					Construct: string(c),
					Line:      line,
				}
			}
			stack = stack[:len(stack)-1]
		}
	}

	if len(stack) > 0 {
		return &ViolationError{
			Reason:    "unbalanced delimiters",
			Construct: string(stack[len(stack)-1]),
		}
	}
	return nil
}

func isTriple(code string, newlineIdx int, quote byte) bool {
	// Look back for a triple-quote opener on this line. Cheap heuristic:
	// count occurrences of the quote tripled before the newline.
	lineStart := strings.LastIndexByte(code[:newlineIdx], '\n') + 1
	return strings.Contains(code[lineStart:newlineIdx], strings.Repeat(string(quote), 3))
}

func matches(open, close byte) bool {
	switch open {
	case '(':
		return close == ')'
	case '[':
		return close == ']'
	case '{':
		return close == '}'
	}
	return false
}

// checkDenylist scans for dangerous constructs line by line so the
// verdict carries the offending line.
func (v *Validator) checkDenylist(code string) error {
	lines := strings.Split(code, "\n")
	for lineNo, lineText := range lines {
		for _, pattern := range v.deny {
			if strings.Contains(lineText, pattern) {
				return &ViolationError{
					Reason:    "dangerous construct",
					Construct: pattern,
					Line:      lineNo + 1,
				}
			}
		}
	}
	return nil
}

// checkImports enforces the optional import namespace allowlist against
// both "import x" and "from x import y" forms.
func (v *Validator) checkImports(code string) error {
	lines := strings.Split(code, "\n")
	for lineNo, lineText := range lines {
		trimmed := strings.TrimSpace(lineText)

		var module string
		switch {
		case strings.HasPrefix(trimmed, "import "):
			module = strings.TrimSpace(strings.TrimPrefix(trimmed, "import "))
		case strings.HasPrefix(trimmed, "from "):
			module = strings.TrimSpace(strings.TrimPrefix(trimmed, "from "))
		default:
			continue
		}

		// Strip everything after the module path: aliases, import lists,
		// trailing comments, additional comma-separated modules.
		for _, sep := range []string{" ", ",", ";", "#"} {
			if idx := strings.Index(module, sep); idx >= 0 {
				module = module[:idx]
			}
		}
		// Top-level namespace only: "os.path" checks as "os".
		if idx := strings.IndexByte(module, '.'); idx >= 0 {
			module = module[:idx]
		}
		if module == "" {
			continue
		}

		if !v.allowedImports[module] {
			return &ViolationError{
				Reason:    "import outside allowlist",
				Construct: module,
				Line:      lineNo + 1,
			}
		}
	}
	return nil
}
