package forwarding

import (
	"context"
	"testing"
	"time"
)

func instantGovernor(t *testing.T) *Governor {
	t.Helper()
	ft := &fakeTime{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	g := NewGovernor(1000, time.Millisecond)
	g.now = ft.Now
	g.randFloat = func() float64 { return 0 }
	return g
}

func TestIteratorRoundRobin(t *testing.T) {
	t.Parallel()

	gov := instantGovernor(t)
	pool := NewPool(gov)
	defer pool.Close()
	pool.Put(&fakeTransport{id: "a"})
	pool.Put(&fakeTransport{id: "b"})

	it := NewIterator(pool, []string{"a", "b"})
	var order []string
	for i := 0; i < 4; i++ {
		h, err := it.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		order = append(order, h.AccountID())
	}
	want := []string{"a", "b", "a", "b"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("rotation order = %v, want %v", order, want)
		}
	}
}

func TestIteratorSkipsUnhealthy(t *testing.T) {
	t.Parallel()

	gov := instantGovernor(t)
	pool := NewPool(gov)
	defer pool.Close()
	pool.Put(&fakeTransport{id: "a"})
	pool.Put(&fakeTransport{id: "b"})
	pool.MarkUnhealthy("a", "session revoked")

	it := NewIterator(pool, []string{"a", "b"})
	for i := 0; i < 3; i++ {
		h, err := it.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if h.AccountID() != "b" {
			t.Fatalf("got unhealthy account %q", h.AccountID())
		}
	}
}

func TestIteratorNoAccounts(t *testing.T) {
	t.Parallel()

	gov := instantGovernor(t)
	pool := NewPool(gov)
	defer pool.Close()
	pool.Put(&fakeTransport{id: "a"})
	pool.MarkUnhealthy("a", "revoked")

	it := NewIterator(pool, []string{"a", "missing"})
	if _, err := it.Next(context.Background()); err != ErrNoAccounts {
		t.Errorf("Next = %v, want ErrNoAccounts", err)
	}
}

func TestIteratorWaitsOutFloodWait(t *testing.T) {
	t.Parallel()

	ft := &fakeTime{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	gov := NewGovernor(1000, time.Millisecond)
	gov.now = ft.Now
	gov.randFloat = func() float64 { return 0 }

	pool := NewPool(gov)
	defer pool.Close()
	pool.Put(&fakeTransport{id: "a"})
	gov.NoteFloodWait("a", 5*time.Second)

	it := NewIterator(pool, []string{"a"})
	// Реальный итератор спит реальным временем; для теста хватит короткого сна:
	// просто убеждаемся, что после истечения паузы аккаунт выдаётся.
	ft.now = ft.now.Add(10 * time.Second)
	h, err := it.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if h.AccountID() != "a" {
		t.Fatalf("got %q, want a", h.AccountID())
	}
}

func TestPoolReplaceClosesOld(t *testing.T) {
	t.Parallel()

	gov := instantGovernor(t)
	pool := NewPool(gov)
	defer pool.Close()

	old := &fakeTransport{id: "a"}
	pool.Put(old)
	pool.Put(&fakeTransport{id: "a"})

	if !old.isClosed() {
		t.Errorf("replaced transport not closed")
	}
}

func TestPoolRemoveCloses(t *testing.T) {
	t.Parallel()

	gov := instantGovernor(t)
	pool := NewPool(gov)
	defer pool.Close()

	tr := &fakeTransport{id: "a"}
	pool.Put(tr)
	pool.Remove("a")

	if !tr.isClosed() {
		t.Errorf("removed transport not closed")
	}
	if _, ok := pool.Get("a"); ok {
		t.Errorf("handle survived Remove")
	}
}
