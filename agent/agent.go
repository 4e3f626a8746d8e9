// Package agent loads agent-definition files: a YAML header block followed
// by a verbatim body, as described in spec §4.4.
package agent

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind is the agent's effect kind.
type Kind string

const (
	KindInteractive Kind = "interactive-subprocess"
	KindShell       Kind = "shell-template"
)

// Definition is the in-memory, loaded form of an agent-definition file.
type Definition struct {
	ID          string   `yaml:"-"`
	Path        string   `yaml:"-"`
	Kind        Kind     `yaml:"type"`
	Description string   `yaml:"description"`
	Listen      []string `yaml:"listen"`
	IgnoreSelf  bool     `yaml:"ignore_self"`
	Emits       []string `yaml:"emits"`

	// interactive-subprocess only
	AllowedTools []string `yaml:"allowed_tools"`
	Model        string   `yaml:"model"`
	Effort       string   `yaml:"effort"`

	Body string `yaml:"-"`
}

// header is the raw YAML-decodable shape; ignore_self defaults to true per
// spec §4.4, which the zero value of bool cannot express, so it is decoded
// into a pointer and resolved afterward.
type header struct {
	Type         string   `yaml:"type"`
	Description  string   `yaml:"description"`
	Listen       []string `yaml:"listen"`
	IgnoreSelf   *bool    `yaml:"ignore_self"`
	Emits        []string `yaml:"emits"`
	AllowedTools []string `yaml:"allowed_tools"`
	Model        string   `yaml:"model"`
	Effort       string   `yaml:"effort"`
}

const delimiter = "---"

// Load reads and parses a single agent-definition file. The id is derived
// from the file's basename (without extension). Returns an error if the
// file is malformed or the derived id is empty after slugification.
func Load(path string) (Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, err
	}
	return Parse(path, raw)
}

// Parse parses the contents of an agent-definition file already read from
// path (path is used only to derive the id and is not re-read).
func Parse(path string, raw []byte) (Definition, error) {
	id := DeriveID(path)
	if id == "" {
		return Definition{}, fmt.Errorf("agent: empty id derived from %q", path)
	}

	h, body, err := splitHeader(string(raw))
	if err != nil {
		return Definition{}, fmt.Errorf("agent %s: %w", id, err)
	}

	kind := Kind(h.Type)
	if kind == "" {
		kind = KindInteractive
	}
	if kind != KindInteractive && kind != KindShell {
		return Definition{}, fmt.Errorf("agent %s: unknown type %q", id, h.Type)
	}

	ignoreSelf := true
	if h.IgnoreSelf != nil {
		ignoreSelf = *h.IgnoreSelf
	}

	return Definition{
		ID:           id,
		Path:         path,
		Kind:         kind,
		Description:  h.Description,
		Listen:       h.Listen,
		IgnoreSelf:   ignoreSelf,
		Emits:        h.Emits,
		AllowedTools: h.AllowedTools,
		Model:        h.Model,
		Effort:       h.Effort,
		Body:         body,
	}, nil
}

// splitHeader separates the "---\n...\n---\n" header block from the body
// that follows it. A file with no header delimiter is treated as having an
// empty header and the whole file as body.
func splitHeader(content string) (header, string, error) {
	content = strings.TrimPrefix(content, "﻿") // tolerate a BOM
	if !strings.HasPrefix(strings.TrimLeft(content, "\r\n"), delimiter) {
		return header{}, content, nil
	}

	content = strings.TrimLeft(content, "\r\n")
	rest := strings.TrimPrefix(content, delimiter)
	rest = strings.TrimPrefix(rest, "\n")
	rest = strings.TrimPrefix(rest, "\r\n")

	end := strings.Index(rest, "\n"+delimiter)
	if end == -1 {
		return header{}, "", fmt.Errorf("header missing closing %q delimiter", delimiter)
	}

	headerYAML := rest[:end]
	body := rest[end+1+len(delimiter):]
	body = strings.TrimPrefix(body, "\n")
	body = strings.TrimPrefix(body, "\r\n")

	var h header
	if err := yaml.Unmarshal([]byte(headerYAML), &h); err != nil {
		return header{}, "", fmt.Errorf("invalid header: %w", err)
	}
	return h, body, nil
}

// DisablesToolAllowlist reports whether "*" was used for allowed_tools,
// meaning the supervisor must not append its own permission entry.
func (d Definition) DisablesToolAllowlist() bool {
	return len(d.AllowedTools) == 1 && d.AllowedTools[0] == "*"
}

// DeriveID computes the agent id a path would load as, without reading the
// file. Used by the watcher to identify a worker for a path that may no
// longer exist (spec §4.4 "remove": kill the worker by id).
func DeriveID(path string) string {
	return Slugify(basenameNoExt(path))
}

func basenameNoExt(path string) string {
	base := path
	if i := strings.LastIndexAny(base, "/\\"); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return base
}

// Slugify lowercases s and collapses runs of non-alphanumeric characters to
// a single hyphen, trimming leading/trailing hyphens.
func Slugify(s string) string {
	var b strings.Builder
	prevHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(s) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		switch {
		case isAlnum:
			b.WriteRune(r)
			prevHyphen = false
		case !prevHyphen:
			b.WriteByte('-')
			prevHyphen = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
