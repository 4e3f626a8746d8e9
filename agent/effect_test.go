package agent

import (
	"context"
	"testing"

	"github.com/gordonbrander/busytown/store"
)

func TestShellEffectRendersTemplateAndRuns(t *testing.T) {
	def := Definition{ID: "echoer", Kind: KindShell, Body: `test "{{.Type}}" = task.done`}
	effect := def.BuildEffect("", "")
	ev := store.Event{ID: 1, Type: "task.done"}
	if err := effect(context.Background(), ev); err != nil {
		t.Fatalf("effect: %v", err)
	}
}

func TestShellEffectPropagatesCommandFailure(t *testing.T) {
	def := Definition{ID: "failer", Kind: KindShell, Body: "exit 7"}
	effect := def.BuildEffect("", "")
	if err := effect(context.Background(), store.Event{ID: 1}); err == nil {
		t.Fatalf("expected error from a failing shell command")
	}
}

func TestShellEffectInvalidTemplateErrors(t *testing.T) {
	def := Definition{ID: "bad", Kind: KindShell, Body: "echo {{.Unclosed"}
	effect := def.BuildEffect("", "")
	if err := effect(context.Background(), store.Event{ID: 1}); err == nil {
		t.Fatalf("expected error from malformed template")
	}
}

func TestInteractiveEffectMissingBinaryErrors(t *testing.T) {
	def := Definition{ID: "demo", Kind: KindInteractive, Listen: []string{"*"}}
	effect := def.BuildEffect("/nonexistent/agent-cli", "/nonexistent/busytown-binary")
	if err := effect(context.Background(), store.Event{ID: 1, Type: "task.go"}); err == nil {
		t.Fatalf("expected error invoking a nonexistent binary")
	}
}
