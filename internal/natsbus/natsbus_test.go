package natsbus

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/swarmd/internal/config"
)

func TestBusStartStop(t *testing.T) {
	dir := t.TempDir()
	bus, err := New(config.NATSConfig{
		Port:    -1, // in-process
		DataDir: dir,
	})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	defer bus.Close()

	if !bus.InProcess() {
		t.Fatal("expected in-process bus")
	}
	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to connect in-process: %v", err)
	}
	client.Close()
}

func TestPubSub(t *testing.T) {
	bus, err := New(config.NATSConfig{Port: -1})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	defer bus.Close()

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	received := make(chan string, 1)
	_, err = client.Subscribe("test.topic", func(msg *nats.Msg) {
		received <- string(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	if err := client.Publish("test.topic", []byte("hello")); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		if data != "hello" {
			t.Errorf("expected 'hello', got '%s'", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestPublishJSON(t *testing.T) {
	bus, err := New(config.NATSConfig{Port: -1})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	defer bus.Close()

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	received := make(chan string, 1)
	_, err = client.Subscribe("test.json", func(msg *nats.Msg) {
		received <- string(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	payload := map[string]string{"key": "value"}
	if err := client.PublishJSON("test.json", payload); err != nil {
		t.Fatalf("publish json error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		if data != `{"key":"value"}` {
			t.Errorf("expected json, got '%s'", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestTenantSubscriptionFiltersOtherTenants(t *testing.T) {
	bus, err := New(config.NATSConfig{Port: -1})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	defer bus.Close()

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	received := make(chan string, 4)
	if _, err := client.Subscribe(TopicTenantEvents("acme"), func(msg *nats.Msg) {
		received <- msg.Subject
	}); err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	for _, subj := range []string{
		TopicEvents("execution", "other"),
		TopicEvents("execution", "acme"),
		TopicEvents("job", "acme"),
	} {
		if err := client.Publish(subj, []byte("{}")); err != nil {
			t.Fatalf("publish error: %v", err)
		}
	}
	client.Flush()

	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case subj := <-received:
			got = append(got, subj)
		case <-timeout:
			t.Fatalf("timeout, got %v", got)
		}
	}
	if got[0] != "events.execution.acme" || got[1] != "events.job.acme" {
		t.Errorf("unexpected subjects %v", got)
	}
}

func TestTopicNames(t *testing.T) {
	if got := TopicEvents("execution", "acme"); got != "events.execution.acme" {
		t.Errorf("expected events.execution.acme, got %s", got)
	}
	if got := TopicEvents("job", "a.b*c"); got != "events.job.a_b_c" {
		t.Errorf("expected events.job.a_b_c, got %s", got)
	}
	if got := TopicTenantEvents(""); got != "events.*._" {
		t.Errorf("expected events.*._, got %s", got)
	}
}
