// Package notify holds the builtin notifier plugins: "command" runs a
// configured shell command with the event JSON on stdin (desktop
// notifiers, custom scripts), "webhook" POSTs the event as JSON. Both scrub payload text
// through redact before anything leaves the process.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/plugin"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/types"
	"github.com/xlordz/agent-orchestrator/redact"
)

// Plugin names.
const (
	CommandName = "command"
	WebhookName = "webhook"
)

const notifyTimeout = 30 * time.Second

func init() {
	plugin.RegisterModule(plugin.Module{
		Manifest: plugin.Manifest{
			Slot:        plugin.SlotNotifier,
			Name:        CommandName,
			Description: "Run a command with the event on stdin",
		},
		Factory: func(cfg map[string]any) (any, error) {
			command, _ := cfg["command"].(string)
			if command == "" {
				return nil, errors.New("command notifier: command option is required")
			}
			return &CommandNotifier{command: command}, nil
		},
	})
	plugin.RegisterModule(plugin.Module{
		Manifest: plugin.Manifest{
			Slot:        plugin.SlotNotifier,
			Name:        WebhookName,
			Description: "POST the event as JSON to a URL",
		},
		Factory: func(cfg map[string]any) (any, error) {
			url, _ := cfg["url"].(string)
			if url == "" {
				return nil, errors.New("webhook notifier: url option is required")
			}
			return &WebhookNotifier{
				url:    url,
				client: &http.Client{Timeout: notifyTimeout},
			}, nil
		},
	})
}

// scrub returns a copy of the event with secrets redacted from the
// message and data payload.
func scrub(event *types.Event) *types.Event {
	out := *event
	out.Message = redact.String(event.Message)
	out.Data = redact.Values(event.Data)
	return &out
}

// CommandNotifier pipes the event JSON into a shell command. The
// command also receives AO_EVENT_* variables for quick interpolation
// (notify-send "$AO_EVENT_MESSAGE").
type CommandNotifier struct {
	command string
}

// Notify runs the configured command once per event.
func (n *CommandNotifier) Notify(ctx context.Context, event *types.Event) error {
	event = scrub(event)
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", n.command) //nolint:gosec // operator-configured notifier command
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(cmd.Environ(),
		"AO_EVENT_TYPE="+string(event.Type),
		"AO_EVENT_PRIORITY="+string(event.Priority),
		"AO_EVENT_SESSION="+event.SessionID,
		"AO_EVENT_MESSAGE="+event.Message,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("notifier command: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// WebhookNotifier POSTs events as JSON.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// Notify delivers one event; non-2xx responses are errors.
func (n *WebhookNotifier) Notify(ctx context.Context, event *types.Event) error {
	payload, err := json.Marshal(scrub(event))
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
