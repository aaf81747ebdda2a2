package notification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/congo-pay/settlement/internal/logging"
)

type published struct {
	subject string
	data    []byte
	opts    int
}

type fakePublisher struct {
	got []published
	err error
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.got = append(f.got, published{subject: subject, data: data, opts: len(opts)})
	return &jetstream.PubAck{Stream: StreamName, Sequence: uint64(len(f.got))}, nil
}

type recordingNotifier struct {
	got []Message
	err error
}

func (r *recordingNotifier) Send(_ context.Context, m Message) error {
	r.got = append(r.got, m)
	return r.err
}

func TestJetStreamNotifierPublishesOnKindSubject(t *testing.T) {
	pub := &fakePublisher{}
	n := NewJetStreamNotifier(pub)

	msg := Message{Kind: KindSettlementCompleted, Destination: "alice", RequestID: "req-1", State: "Completed"}
	if err := n.Send(context.Background(), msg); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if len(pub.got) != 1 {
		t.Fatalf("expected one publish, got %d", len(pub.got))
	}
	if pub.got[0].subject != "settlement.events.settlement.completed" {
		t.Fatalf("unexpected subject %q", pub.got[0].subject)
	}
	if pub.got[0].opts != 1 {
		t.Fatalf("expected a message id option")
	}

	var decoded Message
	if err := json.Unmarshal(pub.got[0].data, &decoded); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	if decoded.RequestID != "req-1" || decoded.Destination != "alice" {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}

func TestJetStreamNotifierWrapsErrors(t *testing.T) {
	boom := errors.New("no responders")
	n := NewJetStreamNotifier(&fakePublisher{err: boom})
	if err := n.Send(context.Background(), Message{Kind: KindSettlementFailed, RequestID: "req-1"}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped publish error, got %v", err)
	}
}

func TestFanoutDeliversToAll(t *testing.T) {
	a := &recordingNotifier{}
	b := &recordingNotifier{err: errors.New("down")}
	c := &recordingNotifier{}
	f := Fanout{a, b, NewLoggerNotifier(logging.Discard()), c}

	err := f.Send(context.Background(), Message{Kind: KindManualReview, RequestID: "req-9"})
	if err == nil {
		t.Fatalf("expected joined error from failing notifier")
	}
	if len(a.got) != 1 || len(b.got) != 1 || len(c.got) != 1 {
		t.Fatalf("every notifier must see the message: %d %d %d", len(a.got), len(b.got), len(c.got))
	}
}
