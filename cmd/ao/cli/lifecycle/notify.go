package lifecycle

import (
	"context"
	"log/slog"

	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/logging"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/plugin"
	"github.com/xlordz/agent-orchestrator/cmd/ao/cli/types"
)

// NotifyHuman routes an event to the notifiers configured for its
// priority, falling back to the default notifier list. Delivery is
// sequential and each notifier's failure is swallowed so siblings
// still receive the event.
func (m *Manager) NotifyHuman(ctx context.Context, evt *types.Event, priority types.Priority) {
	if priority == "" {
		priority = evt.Priority
	}
	names := m.cfg.NotifiersFor(string(priority))
	if len(names) == 0 {
		return
	}
	ctx = logging.WithComponent(ctx, "notify")
	for _, name := range names {
		notifier, ok := plugin.Get[plugin.Notifier](m.registry, plugin.SlotNotifier, name)
		if !ok {
			continue
		}
		if err := notifier.Notify(ctx, evt); err != nil {
			logging.Warn(ctx, "notifier failed",
				slog.String("notifier", name),
				slog.String("event", string(evt.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
}
