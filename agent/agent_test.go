package agent

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Demo Agent":     "demo-agent",
		"demo_agent-v2":  "demo-agent-v2",
		"___":            "",
		"Already-Slug":   "already-slug",
		"  leading spc":  "leading-spc",
		"trailing spc  ": "trailing-spc",
		"Mixed!!Case??":  "mixed-case",
	}
	for in, want := range cases {
		if got := Slugify(in); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseInteractiveDefaults(t *testing.T) {
	raw := `---
description: watches things
listen:
  - task.*
---
You are a helpful agent.
`
	def, err := Parse("/agents/demo.md", []byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if def.ID != "demo" {
		t.Errorf("ID = %q, want demo", def.ID)
	}
	if def.Kind != KindInteractive {
		t.Errorf("Kind = %q, want %q", def.Kind, KindInteractive)
	}
	if !def.IgnoreSelf {
		t.Errorf("IgnoreSelf should default to true")
	}
	if len(def.Listen) != 1 || def.Listen[0] != "task.*" {
		t.Errorf("Listen = %v", def.Listen)
	}
	if def.Body != "You are a helpful agent.\n" {
		t.Errorf("Body = %q", def.Body)
	}
}

func TestParseShellTemplateExplicitIgnoreSelfFalse(t *testing.T) {
	raw := `---
type: shell-template
ignore_self: false
listen: ["*"]
---
echo {{.Type}}
`
	def, err := Parse("/agents/echoer.md", []byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if def.Kind != KindShell {
		t.Errorf("Kind = %q, want %q", def.Kind, KindShell)
	}
	if def.IgnoreSelf {
		t.Errorf("IgnoreSelf should be false when explicitly set")
	}
}

func TestParseNoHeaderWholeFileIsBody(t *testing.T) {
	def, err := Parse("/agents/plain.md", []byte("just a body, no header\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if def.Kind != KindInteractive {
		t.Errorf("Kind = %q, want default interactive", def.Kind)
	}
	if def.Body != "just a body, no header\n" {
		t.Errorf("Body = %q", def.Body)
	}
}

func TestParseEmptyIDRejected(t *testing.T) {
	_, err := Parse("/agents/___.md", []byte("body"))
	if err == nil {
		t.Fatalf("expected error for empty derived id")
	}
}

func TestParseUnknownKindRejected(t *testing.T) {
	raw := "---\ntype: bogus-kind\n---\nbody\n"
	_, err := Parse("/agents/x.md", []byte(raw))
	if err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestParseMissingClosingDelimiter(t *testing.T) {
	raw := "---\ntype: shell-template\nbody without closing fence\n"
	_, err := Parse("/agents/x.md", []byte(raw))
	if err == nil {
		t.Fatalf("expected error for missing closing delimiter")
	}
}

func TestDisablesToolAllowlist(t *testing.T) {
	def := Definition{AllowedTools: []string{"*"}}
	if !def.DisablesToolAllowlist() {
		t.Errorf("expected true for allowed_tools: [\"*\"]")
	}
	def2 := Definition{AllowedTools: []string{"bash"}}
	if def2.DisablesToolAllowlist() {
		t.Errorf("expected false for concrete allowed_tools")
	}
}

func TestLoadFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "greeter.md")
	content := "---\nlisten: [\"x\"]\n---\nhello\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	def, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if def.ID != "greeter" {
		t.Errorf("ID = %q, want greeter", def.ID)
	}
}
