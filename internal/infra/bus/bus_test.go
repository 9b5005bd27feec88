package bus

import (
	"testing"
	"time"
)

// recv ждёт событие из канала с таймаутом, чтобы тест не зависал.
func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func TestPublishFanOut(t *testing.T) {
	t.Parallel()

	b := New(8)
	defer b.Close()

	chA, cancelA := b.Subscribe()
	defer cancelA()
	chB, cancelB := b.Subscribe()
	defer cancelB()

	b.Publish(Event{Type: EventProgress, JobID: "job-1", Payload: map[string]any{"last_id": int64(42)}})

	for _, ch := range []<-chan Event{chA, chB} {
		ev := recv(t, ch)
		if ev.Type != EventProgress || ev.JobID != "job-1" {
			t.Errorf("got event %+v, want progress for job-1", ev)
		}
		if ev.At.IsZero() {
			t.Errorf("event timestamp not filled")
		}
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	t.Parallel()

	b := New(2)
	defer b.Close()

	slow, cancelSlow := b.Subscribe()
	defer cancelSlow()
	fast, cancelFast := b.Subscribe()
	defer cancelFast()

	// Переполняем бэклог медленного подписчика: 2 влезают, третье событие его снимает.
	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: EventLog, JobID: "job-2"})
		recv(t, fast)
	}

	if got := b.Subscribers(); got != 1 {
		t.Fatalf("Subscribers() = %d, want 1 after slow subscriber dropped", got)
	}

	// Канал медленного подписчика должен быть закрыт после буферизированных событий.
	for i := 0; i < 2; i++ {
		recv(t, slow)
	}
	if _, ok := <-slow; ok {
		t.Errorf("slow subscriber channel still open after drop")
	}
}

func TestCancelIdempotent(t *testing.T) {
	t.Parallel()

	b := New(0)
	defer b.Close()

	ch, cancel := b.Subscribe()
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Errorf("channel still open after cancel")
	}
	if got := b.Subscribers(); got != 0 {
		t.Errorf("Subscribers() = %d, want 0", got)
	}
	// Publish после отмены не должен паниковать.
	b.Publish(Event{Type: EventError})
}

func TestCloseUnsubscribesAll(t *testing.T) {
	t.Parallel()

	b := New(4)
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Close()
	b.Close()

	if _, ok := <-ch; ok {
		t.Errorf("channel still open after Close")
	}
	b.Publish(Event{Type: EventCompleted})

	late, lateCancel := b.Subscribe()
	defer lateCancel()
	if _, ok := <-late; ok {
		t.Errorf("Subscribe after Close returned open channel")
	}
}
