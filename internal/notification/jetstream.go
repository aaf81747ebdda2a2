package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName holds settlement events.
	StreamName = "SETTLEMENT_EVENTS"
	// SubjectPrefix prefixes every event subject; the message kind completes it.
	SubjectPrefix = "settlement.events"
)

// Publisher is the part of jetstream.JetStream the notifier uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// JetStreamNotifier publishes messages to NATS JetStream. Events are published after the state
// change committed, with a message id so a republished event is dropped by the stream.
type JetStreamNotifier struct {
	js Publisher
}

// NewJetStreamNotifier constructs a JetStream notifier.
func NewJetStreamNotifier(js Publisher) *JetStreamNotifier {
	return &JetStreamNotifier{js: js}
}

// Subject returns the subject a message is published on.
func Subject(message Message) string {
	return SubjectPrefix + "." + message.Kind
}

func (n *JetStreamNotifier) Send(ctx context.Context, message Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	msgID := message.Kind + ":" + message.RequestID
	if _, err := n.js.Publish(ctx, Subject(message), data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publish %s: %w", msgID, err)
	}
	return nil
}

// EnsureStream creates or updates the settlement events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: 24 * time.Hour,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create settlement stream: %w", err)
	}
	return nil
}
