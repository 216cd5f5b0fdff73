package surface

import (
	"context"
	"errors"
	"log/slog"

	"lantern/cli/internal/historydb"
)

const sourceAgent = "agent"

type MessageLog interface {
	Append(role, content, source string) (historydb.Message, error)
}

type Notifier interface {
	Notify(body string) error
}

// Delivery records the agent's message and shows it. A visible client gets
// the update through the hub; otherwise a desktop notification is raised.
type Delivery struct {
	log      MessageLog
	hub      *Hub
	notifier Notifier
	logger   *slog.Logger
}

func NewDelivery(log MessageLog, hub *Hub, notifier Notifier, logger *slog.Logger) *Delivery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Delivery{log: log, hub: hub, notifier: notifier, logger: logger.With("module", "delivery")}
}

func (d *Delivery) Deliver(_ context.Context, text string) error {
	if d.log == nil {
		return errors.New("message log is required")
	}
	msg, err := d.log.Append(historydb.RoleAssistant, text, sourceAgent)
	if err != nil {
		return err
	}
	visible := false
	if d.hub != nil {
		d.hub.Publish("conversation.updated", map[string]any{"message_id": msg.ID})
		visible = d.hub.HasVisibleClient()
	}
	if visible || d.notifier == nil {
		return nil
	}
	if err := d.notifier.Notify(text); err != nil {
		d.logger.Warn("notification failed", "message_id", msg.ID, "err", err)
	}
	return nil
}
