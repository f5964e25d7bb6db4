package engine_test

import (
	"testing"

	"github.com/rvail/pgarc/internal/engine"
)

func TestLogBrokerSingleSubscriber(t *testing.T) {
	b := engine.NewLogBroker()
	ch, unsub := b.Subscribe("j1")
	defer unsub()

	lines := []string{"line 1", "line 2", "line 3"}
	for i, l := range lines {
		b.Publish("j1", engine.LogEvent{Seq: i, Line: l})
	}
	b.Close("j1")

	var got []engine.LogEvent
	for ev := range ch {
		got = append(got, ev)
	}

	if len(got) != len(lines) {
		t.Fatalf("got %d events, want %d", len(got), len(lines))
	}
	for i, ev := range got {
		if ev.Line != lines[i] {
			t.Errorf("event[%d].Line = %q, want %q", i, ev.Line, lines[i])
		}
		if ev.Seq != i {
			t.Errorf("event[%d].Seq = %d, want %d", i, ev.Seq, i)
		}
	}
}

func TestLogBrokerMultipleSubscribers(t *testing.T) {
	b := engine.NewLogBroker()
	ch1, unsub1 := b.Subscribe("j1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("j1")
	defer unsub2()

	b.Publish("j1", engine.LogEvent{Seq: 0, Line: "hello"})
	b.Close("j1")

	var got1, got2 []string
	for ev := range ch1 {
		got1 = append(got1, ev.Line)
	}
	for ev := range ch2 {
		got2 = append(got2, ev.Line)
	}

	if len(got1) != 1 || got1[0] != "hello" {
		t.Errorf("subscriber 1 got %v, want [hello]", got1)
	}
	if len(got2) != 1 || got2[0] != "hello" {
		t.Errorf("subscriber 2 got %v, want [hello]", got2)
	}
}

func TestLogBrokerCloseClosesChannels(t *testing.T) {
	b := engine.NewLogBroker()
	ch, unsub := b.Subscribe("j1")
	defer unsub()

	b.Close("j1")

	// Channel should be closed; reading should return zero value immediately.
	_, ok := <-ch
	if ok {
		t.Error("channel should be closed after Close()")
	}
}

func TestLogBrokerLateSubscriberGetsClosed(t *testing.T) {
	b := engine.NewLogBroker()
	b.Publish("j1", engine.LogEvent{Seq: 0, Line: "early"})
	b.Close("j1")

	// Subscribe after Close — should get a closed channel.
	ch, unsub := b.Subscribe("j1")
	defer unsub()

	_, ok := <-ch
	if ok {
		t.Error("late subscriber should get a closed channel")
	}
}

func TestLogBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := engine.NewLogBroker()
	ch, unsub := b.Subscribe("j1")
	unsub()

	b.Publish("j1", engine.LogEvent{Seq: 0, Line: "after unsub"})
	b.Close("j1")

	// The channel should have no messages (we unsubscribed before publish).
	select {
	case ev, ok := <-ch:
		if ok {
			t.Errorf("got unexpected event %q after unsubscribe", ev.Line)
		}
	default:
		// No data — expected.
	}
}

func TestLogBrokerPublishToUnknownJobIsNoop(t *testing.T) {
	b := engine.NewLogBroker()
	// Should not panic.
	b.Publish("nonexistent", engine.LogEvent{Seq: 0, Line: "line"})
	b.Close("nonexistent")
}

func TestLogBrokerLateSubscriberMissesEarlierEvents(t *testing.T) {
	b := engine.NewLogBroker()
	ch1, unsub1 := b.Subscribe("j1")
	defer unsub1()

	b.Publish("j1", engine.LogEvent{Seq: 0, Line: "line 1"})

	// Late subscriber joins after line 1.
	ch2, unsub2 := b.Subscribe("j1")
	defer unsub2()

	b.Publish("j1", engine.LogEvent{Seq: 1, Line: "line 2"})
	b.Close("j1")

	var got1, got2 []engine.LogEvent
	for ev := range ch1 {
		got1 = append(got1, ev)
	}
	for ev := range ch2 {
		got2 = append(got2, ev)
	}

	if len(got1) != 2 {
		t.Errorf("subscriber 1 got %d events, want 2", len(got1))
	}
	if len(got2) != 1 || got2[0].Line != "line 2" {
		t.Errorf("late subscriber got %v, want [line 2]", got2)
	}
	// The sequence numbers reflect the full history even for late joiners.
	if len(got2) == 1 && got2[0].Seq != 1 {
		t.Errorf("late subscriber Seq = %d, want 1", got2[0].Seq)
	}
}
