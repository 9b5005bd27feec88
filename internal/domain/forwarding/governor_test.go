package forwarding

import (
	"context"
	"testing"
	"time"
)

// fakeTime — управляемые часы: sleep мгновенно продвигает now.
type fakeTime struct {
	now time.Time
}

func (f *fakeTime) Now() time.Time { return f.now }

func (f *fakeTime) Sleep(_ context.Context, d time.Duration) error {
	f.now = f.now.Add(d)
	return nil
}

func testGovernor(perMinute int, baseDelay time.Duration, randVal float64) (*Governor, *fakeTime) {
	ft := &fakeTime{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	g := NewGovernor(perMinute, baseDelay)
	g.now = ft.Now
	g.randFloat = func() float64 { return randVal }
	return g, ft
}

func TestAcquireWithinLimit(t *testing.T) {
	t.Parallel()
	g, _ := testGovernor(3, time.Second, 0)

	for i := 0; i < 3; i++ {
		if wait := g.Acquire("acc", 3); wait != 0 {
			t.Fatalf("Acquire %d = %s, want immediate", i, wait)
		}
	}
}

func TestAcquireReportsWindowWait(t *testing.T) {
	t.Parallel()
	g, ft := testGovernor(2, time.Second, 0)

	for i := 0; i < 2; i++ {
		if wait := g.Acquire("acc", 2); wait != 0 {
			t.Fatalf("Acquire %d = %s, want immediate", i, wait)
		}
	}
	// Третья отправка ждёт освобождения окна: ровно минуту от первой.
	wait := g.Acquire("acc", 2)
	if wait != time.Minute {
		t.Fatalf("third Acquire = %s, want 1m", wait)
	}
	_ = ft.Sleep(context.Background(), wait)
	if wait := g.Acquire("acc", 2); wait != 0 {
		t.Errorf("Acquire after window = %s, want immediate", wait)
	}
}

func TestAcquirePerAccountWindows(t *testing.T) {
	t.Parallel()
	g, _ := testGovernor(1, time.Second, 0)

	if wait := g.Acquire("a", 1); wait != 0 {
		t.Fatalf("Acquire a = %s", wait)
	}
	// Лимит считается на аккаунт: второй аккаунт не ждёт.
	if wait := g.Acquire("b", 1); wait != 0 {
		t.Errorf("Acquire b = %s, want immediate", wait)
	}
}

func TestAcquireUsesCallerLimit(t *testing.T) {
	t.Parallel()

	// Лимит задачи действует даже при щедром дефолте регулятора.
	g, _ := testGovernor(1000, time.Second, 0)
	for i := 0; i < 2; i++ {
		if wait := g.Acquire("acc", 2); wait != 0 {
			t.Fatalf("Acquire %d = %s, want immediate", i, wait)
		}
	}
	if wait := g.Acquire("acc", 2); wait != time.Minute {
		t.Errorf("Acquire over job limit = %s, want 1m", wait)
	}

	// Неположительный лимит откатывается к дефолту регулятора.
	if wait := g.Acquire("other", 0); wait != 0 {
		t.Errorf("Acquire with zero limit = %s, want immediate", wait)
	}
}

func TestNoteFloodWaitJitter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		randVal float64
		want    time.Duration
	}{
		{"min jitter", 0, 10*time.Second + 2*time.Second},
		{"mid jitter", 0.5, 10*time.Second + 2*time.Second + 2500*time.Millisecond},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			g, ft := testGovernor(10, time.Second, tc.randVal)
			got := g.NoteFloodWait("acc", 10*time.Second)
			if got != tc.want {
				t.Errorf("NoteFloodWait = %s, want %s", got, tc.want)
			}
			until, ok := g.FloodUntil("acc")
			if !ok || !until.Equal(ft.now.Add(tc.want)) {
				t.Errorf("FloodUntil = %v %v, want %v", until, ok, ft.now.Add(tc.want))
			}
		})
	}
}

func TestFloodWaitExpires(t *testing.T) {
	t.Parallel()
	g, ft := testGovernor(10, time.Second, 0)

	total := g.NoteFloodWait("acc", 3*time.Second)
	wait := g.Acquire("acc", 10)
	if wait != total {
		t.Fatalf("Acquire during flood = %s, want %s", wait, total)
	}
	_ = ft.Sleep(context.Background(), wait)
	if wait := g.Acquire("acc", 10); wait != 0 {
		t.Errorf("Acquire after flood = %s, want immediate", wait)
	}
	if _, ok := g.FloodUntil("acc"); ok {
		t.Errorf("flood still reported after expiry")
	}
}

func TestDynamicDelayRanges(t *testing.T) {
	t.Parallel()

	base := 2 * time.Second
	tests := []struct {
		name    string
		streak  int
		randVal float64
		want    time.Duration
	}{
		{"hot streak lower bound", 21, 0, 500 * time.Millisecond},
		{"hot streak upper bound", 21, 1, base},
		{"cold start lower bound", 0, 0, base},
		{"cold start upper bound", 4, 1, 3 * base},
		{"steady lower bound", 10, 0, time.Duration(0.8 * float64(base))},
		{"steady upper bound", 10, 1, time.Duration(1.2 * float64(base))},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			g, _ := testGovernor(10, base, tc.randVal)
			if got := g.DynamicDelay(base, tc.streak); got != tc.want {
				t.Errorf("DynamicDelay(%d) = %s, want %s", tc.streak, got, tc.want)
			}
		})
	}
}

func TestDynamicDelayUsesCallerBase(t *testing.T) {
	t.Parallel()

	// База задачи перекрывает дефолт регулятора; нулевая база откатывается
	// к дефолту.
	g, _ := testGovernor(10, 2*time.Second, 0)
	if got := g.DynamicDelay(500*time.Millisecond, 10); got != 400*time.Millisecond {
		t.Errorf("DynamicDelay(500ms base) = %s, want 400ms", got)
	}
	if got := g.DynamicDelay(0, 10); got != time.Duration(0.8*float64(2*time.Second)) {
		t.Errorf("DynamicDelay(zero base) = %s, want 1.6s", got)
	}
}
