package notify

import (
	"context"
	"log/slog"

	"github.com/ruteri/iot-identity-provisioning/interfaces"
)

// LogNotifier writes every event to the logger at info level.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(ctx context.Context, event interfaces.Event) error {
	tags, values := fields(event)
	attrs := make([]any, 0, 2*(len(tags)+len(values)))
	for k, v := range tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range values {
		if k == "count" {
			continue
		}
		attrs = append(attrs, slog.Any(k, v))
	}
	n.log.InfoContext(ctx, "event", attrs...)
	return nil
}
