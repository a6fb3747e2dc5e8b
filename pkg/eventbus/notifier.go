package eventbus

import (
	"context"
	"log/slog"

	"skyfleet/pkg/events"
)

// LogNotifier is the stand-in for the external email/sms/push gateways.
// It satisfies the Notifier contract (fire-and-forget, same shape) so a
// real integration can be dropped in without touching the bus.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier returns a Notifier that records deliveries in the log.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log.With("component", "notifier")}
}

func (n *LogNotifier) Send(ctx context.Context, ch events.Channel, ev events.Event, title, message string) error {
	n.log.Info("notification sent",
		"channel", ch,
		"event_id", ev.ID,
		"type", ev.Type,
		"title", title,
		"message", message,
	)
	return nil
}
