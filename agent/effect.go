package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"text/template"

	"github.com/gordonbrander/busytown/store"
)

// BuildEffect turns a loaded Definition into the closure the supervisor
// dispatch loop runs for each matched event (spec §4.4 ADDED). agentCLI is
// the external subprocess runtime configured for interactive agents (spec
// §1 "out of scope: the specific subprocess runtime an agent invokes, e.g.
// an LLM CLI") — not this binary. eventsCLI is this binary's own path,
// handed to that subprocess so it can call back with "events push" to
// report into the log.
func (d Definition) BuildEffect(agentCLI, eventsCLI string) func(ctx context.Context, ev store.Event) error {
	if d.Kind == KindShell {
		return d.shellEffect()
	}
	return d.interactiveEffect(agentCLI, eventsCLI)
}

func (d Definition) interactiveEffect(agentCLI, eventsCLI string) func(ctx context.Context, ev store.Event) error {
	return func(ctx context.Context, ev store.Event) error {
		eventJSON, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("agent %s: marshal event: %w", d.ID, err)
		}

		args := []string{"--description", d.Description, "--event", string(eventJSON)}
		if d.Model != "" {
			args = append(args, "--model", d.Model)
		}
		if d.Effort != "" {
			args = append(args, "--effort", d.Effort)
		}
		if !d.DisablesToolAllowlist() {
			args = append(args, "--allowed-tool", "busytown-events")
			for _, tool := range d.AllowedTools {
				args = append(args, "--allowed-tool", tool)
			}
		}

		cmd := exec.CommandContext(ctx, agentCLI, args...)
		cmd.Stdin = strings.NewReader(d.Body)
		cmd.Env = append(os.Environ(),
			"BUSYTOWN_EVENTS_CLI="+eventsCLI,
			"BUSYTOWN_WORKER_ID="+d.ID,
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("agent %s: %w: %s", d.ID, err, trimOutput(out))
		}
		return nil
	}
}

func (d Definition) shellEffect() func(ctx context.Context, ev store.Event) error {
	return func(ctx context.Context, ev store.Event) error {
		tmpl, err := template.New(d.ID).Parse(d.Body)
		if err != nil {
			return fmt.Errorf("agent %s: template: %w", d.ID, err)
		}

		var rendered bytes.Buffer
		if err := tmpl.Execute(&rendered, ev); err != nil {
			return fmt.Errorf("agent %s: template exec: %w", d.ID, err)
		}

		cmd := exec.CommandContext(ctx, "sh", "-c", rendered.String())
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("agent %s: %w: %s", d.ID, err, trimOutput(out))
		}
		return nil
	}
}

func trimOutput(out []byte) string {
	const max = 2000
	if len(out) > max {
		out = out[:max]
	}
	return strings.TrimSpace(string(out))
}
