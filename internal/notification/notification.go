package notification

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	// KindSettlementCompleted is sent when value moved and the ledger reflects it.
	KindSettlementCompleted = "settlement.completed"
	// KindSettlementFailed is sent when the external system refused the instruction.
	KindSettlementFailed = "settlement.failed"
	// KindSettlementCancelled is sent when a request was cancelled before execution.
	KindSettlementCancelled = "settlement.cancelled"
	// KindManualReview is sent to operators when reconciliation gave up.
	KindManualReview = "settlement.manual_review"
)

// Message describes a notification payload.
type Message struct {
	Kind        string    `json:"kind"`
	Destination string    `json:"destination"`
	RequestID   string    `json:"request_id"`
	State       string    `json:"state"`
	Body        string    `json:"body"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		slog.String("kind", message.Kind),
		slog.String("destination", message.Destination),
		slog.String("request_id", message.RequestID),
		slog.String("state", message.State),
		slog.String("body", message.Body),
	)
	return nil
}

// Fanout sends every message to all notifiers and joins their errors.
type Fanout []Notifier

func (f Fanout) Send(ctx context.Context, message Message) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Send(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
