package statebus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/PayRpc/PayRox-Go-Beyond-sub021/pkg/stream"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestNewKafkaPublisherValidation(t *testing.T) {
	if _, err := NewKafkaPublisher(KafkaConfig{Topic: "manifest-events"}); err == nil {
		t.Error("missing brokers must fail")
	}
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{" ", ""}, Topic: "manifest-events"}); err == nil {
		t.Error("blank brokers must fail")
	}
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Error("missing topic must fail")
	}
	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "manifest-events"})
	if err != nil {
		t.Fatalf("valid config: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestPublishEncodesEvent(t *testing.T) {
	fw := &fakeWriter{}
	p := &KafkaPublisher{writer: fw}
	evt := stream.NewEvent(stream.TypeManifestActivated, map[string]any{"epoch": 3})
	evt.Seq = 42

	if err := p.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(fw.msgs) != 1 {
		t.Fatalf("wrote %d messages, want 1", len(fw.msgs))
	}
	if string(fw.msgs[0].Key) != stream.TypeManifestActivated {
		t.Errorf("key = %s", fw.msgs[0].Key)
	}
	var decoded stream.Event
	if err := json.Unmarshal(fw.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Seq != 42 || decoded.Type != stream.TypeManifestActivated {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestPublishErrors(t *testing.T) {
	var nilPub *KafkaPublisher
	if err := nilPub.Publish(context.Background(), stream.Event{}); err == nil {
		t.Error("nil publisher must fail")
	}
	if err := nilPub.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}
	busted := errors.New("broker down")
	p := &KafkaPublisher{writer: &fakeWriter{err: busted}}
	if err := p.Publish(context.Background(), stream.Event{Type: "x"}); !errors.Is(err, busted) {
		t.Errorf("err = %v, want %v", err, busted)
	}
}
