package validator

import (
	"errors"
	"strings"
	"testing"
)

func TestAcceptsSimpleCode(t *testing.T) {
	v := New(Config{})

	cases := []string{
		"print(1+1)",
		"x = [1, 2, 3]\nprint(sum(x))",
		"def add(a, b):\n    return a + b\n\nprint(add(2, 3))",
		"s = \"hello (world\"  # bracket inside string is fine\nprint(s)",
		"# a comment with 'odd quotes and [brackets\nprint(42)",
	}
	for _, code := range cases {
		if err := v.Validate(code); err != nil {
			t.Errorf("Validate(%q) = %v, want accept", code, err)
		}
	}
}

func TestRejectsDangerousConstructs(t *testing.T) {
	v := New(Config{})

	cases := []struct {
		code      string
		construct string
		line      int
	}{
		{"__import__('os').system('ls')", "__import__", 1},
		{"x = 1\nresult = eval(user_input)", "eval(", 2},
		{"import subprocess", "subprocess", 1},
		{"import socket\ns = socket.socket()", "socket", 1},
		{"import os\nos.system('whoami')", "os.system", 2},
		{"import ctypes", "ctypes", 1},
		{"data = pickle.loads(blob)", "pickle.load", 1},
		{"shutil.rmtree('/')", "shutil.rmtree", 1},
	}
	for _, tc := range cases {
		err := v.Validate(tc.code)
		var violation *ViolationError
		if !errors.As(err, &violation) {
			t.Errorf("Validate(%q) = %v, want *ViolationError", tc.code, err)
			continue
		}
		if violation.Construct != tc.construct {
			t.Errorf("Validate(%q) construct = %q, want %q", tc.code, violation.Construct, tc.construct)
		}
		if violation.Line != tc.line {
			t.Errorf("Validate(%q) line = %d, want %d", tc.code, violation.Line, tc.line)
		}
	}
}

func TestVerdictIsDeterministic(t *testing.T) {
	v := New(Config{})
	accept := "print(1+1)"
	reject := "__import__('os').system('rm -rf /tmp/x')"

	for i := 0; i < 50; i++ {
		if err := v.Validate(accept); err != nil {
			t.Fatalf("iteration %d: Validate(accept) = %v", i, err)
		}
		if err := v.Validate(reject); err == nil {
			t.Fatalf("iteration %d: Validate(reject) accepted", i)
		}
	}
}

func TestLengthCap(t *testing.T) {
	v := New(Config{MaxBytes: 32})

	if err := v.Validate("print(1)"); err != nil {
		t.Errorf("short code rejected: %v", err)
	}
	err := v.Validate(strings.Repeat("x = 1\n", 20))
	if err == nil {
		t.Fatal("oversize code accepted")
	}
	if !strings.Contains(err.Error(), "exceeds limit") {
		t.Errorf("error = %v, want length message", err)
	}
}

func TestStructuralChecks(t *testing.T) {
	v := New(Config{})

	cases := []struct {
		name   string
		code   string
		reason string
	}{
		{"invalid utf8", "print(1)\xff", "not valid UTF-8"},
		{"nul byte", "print(1)\x00", "NUL bytes"},
		{"unclosed paren", "print((1+1)", "unbalanced delimiters"},
		{"stray close", "print(1))", "unbalanced delimiters"},
		{"mismatched pair", "x = [1, 2)", "unbalanced delimiters"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(tc.code)
			if err == nil {
				t.Fatal("accepted, want reject")
			}
			if !strings.Contains(err.Error(), tc.reason) {
				t.Errorf("error = %v, want reason %q", err, tc.reason)
			}
		})
	}
}

func TestStructuralCheckRunsBeforeDenylist(t *testing.T) {
	v := New(Config{})

	err := v.Validate("eval((")
	var violation *ViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("Validate() = %v, want *ViolationError", err)
	}
	if violation.Reason != "unbalanced delimiters" {
		t.Errorf("reason = %q, want structural failure before denylist", violation.Reason)
	}
}

func TestAllowedPatternSkipsDenyRule(t *testing.T) {
	v := New(Config{AllowedPatterns: []string{"socket"}})

	if err := v.Validate("s = socket.socket()"); err != nil {
		t.Errorf("whitelisted construct rejected: %v", err)
	}
	// Other rules stay active.
	if err := v.Validate("eval(x)"); err == nil {
		t.Error("eval accepted despite unrelated whitelist entry")
	}
}

func TestExtraDeny(t *testing.T) {
	v := New(Config{ExtraDeny: []string{"requests.post"}})

	err := v.Validate("requests.post(url, data=payload)")
	var violation *ViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("Validate() = %v, want *ViolationError", err)
	}
	if violation.Construct != "requests.post" {
		t.Errorf("construct = %q, want requests.post", violation.Construct)
	}
}

func TestImportAllowlist(t *testing.T) {
	v := New(Config{AllowedImports: []string{"math", "json"}})

	accepts := []string{
		"import math\nprint(math.pi)",
		"from json import dumps\nprint(dumps({}))",
		"import math as m",
		"print(1+1)",
	}
	for _, code := range accepts {
		if err := v.Validate(code); err != nil {
			t.Errorf("Validate(%q) = %v, want accept", code, err)
		}
	}

	err := v.Validate("import os\nprint(os.getcwd())")
	var violation *ViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("Validate() = %v, want *ViolationError", err)
	}
	if violation.Construct != "os" || violation.Line != 1 {
		t.Errorf("violation = %+v, want os at line 1", violation)
	}

	// Submodule imports check the top-level namespace.
	if err := v.Validate("from os.path import join"); err == nil {
		t.Error("os.path accepted despite allowlist")
	}
}

func TestNoAllowlistMeansAnyImport(t *testing.T) {
	v := New(Config{})

	if err := v.Validate("import requests\nrequests.get(url)"); err != nil {
		t.Errorf("Validate() = %v, want accept when no allowlist configured", err)
	}
}
