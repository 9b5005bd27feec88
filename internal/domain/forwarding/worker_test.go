package forwarding

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"telegram-forwarder/internal/infra/progstore"
)

// fakeTransport — скриптуемая реализация Transport для тестов воркера и пула.
type fakeTransport struct {
	id       string
	history  []Message
	entities map[string]Entity
	probeErr func(target Entity) error
	sendErr  func(msg Message) error

	mu        sync.Mutex
	sentText  []sendRec
	sentMedia []sendRec
	closed    bool
}

type sendRec struct {
	msgID    int64
	targetID int64
	topicID  int
}

func newFakeTransport(id string, history ...Message) *fakeTransport {
	return &fakeTransport{
		id:      id,
		history: history,
		entities: map[string]Entity{
			"source_chat": {ID: 100, AccessHash: 7, Title: "Source", Kind: EntityBroadcast},
			"target_chat": {ID: 200, AccessHash: 8, Title: "Target", Kind: EntitySupergroup},
		},
	}
}

func (f *fakeTransport) AccountID() string { return f.id }

func (f *fakeTransport) ResolveEntity(_ context.Context, ref ChatRef) (Entity, error) {
	key := ref.Username
	if key == "" {
		key = strconv.FormatInt(ref.ChatID, 10)
	}
	ent, ok := f.entities[key]
	if !ok {
		return Entity{}, ErrNotFound
	}
	return ent, nil
}

func (f *fakeTransport) FetchAscending(_ context.Context, _ Entity, afterID int64, limit int) ([]Message, error) {
	var out []Message
	for _, msg := range f.history {
		if msg.ID > afterID {
			out = append(out, msg)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeTransport) SendText(_ context.Context, target Entity, msg Message, topicID int) error {
	if f.sendErr != nil {
		if err := f.sendErr(msg); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentText = append(f.sentText, sendRec{msgID: msg.ID, targetID: target.ID, topicID: topicID})
	return nil
}

func (f *fakeTransport) SendFile(_ context.Context, target Entity, msg Message, topicID int) error {
	if f.sendErr != nil {
		if err := f.sendErr(msg); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentMedia = append(f.sentMedia, sendRec{msgID: msg.ID, targetID: target.ID, topicID: topicID})
	return nil
}

func (f *fakeTransport) Probe(_ context.Context, target Entity) error {
	if f.probeErr != nil {
		return f.probeErr(target)
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) sentIDs() (text, media []int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.sentText {
		text = append(text, rec.msgID)
	}
	for _, rec := range f.sentMedia {
		media = append(media, rec.msgID)
	}
	return text, media
}

// recordingSink накапливает обратные вызовы воркера.
type recordingSink struct {
	mu         sync.Mutex
	updates    []*Job
	progress   []int64
	floods     []string
	logs       []string
	onProgress func(lastID int64)
}

func (r *recordingSink) JobUpdated(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, job)
}

func (r *recordingSink) Progress(_ *Job, lastID int64) {
	r.mu.Lock()
	hook := r.onProgress
	r.progress = append(r.progress, lastID)
	r.mu.Unlock()
	if hook != nil {
		hook(lastID)
	}
}

func (r *recordingSink) FloodWait(_ *Job, accountID string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.floods = append(r.floods, accountID)
}

func (r *recordingSink) Log(_ *Job, level, message string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, level+": "+message)
}

func testJob(accounts ...string) *Job {
	return NewJob("@source_chat", "@target_chat", accounts, Policy{},
		RateParams{DelaySeconds: 0.001, RatePerMinute: 1000})
}

// newWorkerHarness собирает воркер с мгновенными часами и фейковым транспортом.
func newWorkerHarness(t *testing.T, job *Job, transports ...*fakeTransport) (*Worker, *progstore.Store, *recordingSink) {
	t.Helper()

	store, err := progstore.Open(filepath.Join(t.TempDir(), "test.bbolt"), 0)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	gov := instantGovernor(t)
	pool := NewPool(gov)
	t.Cleanup(pool.Close)
	for _, tr := range transports {
		pool.Put(tr)
	}

	sink := &recordingSink{}
	w := NewWorker(job, store, pool, gov, sink)
	w.randInt = func(int) int { return 0 }
	w.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return w, store, sink
}

func TestWorkerDeliversHistory(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport("a",
		Message{ID: 1, Kind: KindText, Text: "one"},
		Message{ID: 2, Kind: KindPhoto, Text: "pic"},
		Message{ID: 3, Kind: KindEmpty},
		Message{ID: 4, Kind: KindText, Text: "four"},
	)
	job := testJob("a")
	w, store, _ := newWorkerHarness(t, job, tr)

	w.Run(context.Background())

	final := w.Snapshot()
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", final.Status, final.Error)
	}
	text, media := tr.sentIDs()
	if len(text) != 2 || text[0] != 1 || text[1] != 4 {
		t.Errorf("sent text = %v, want [1 4]", text)
	}
	if len(media) != 1 || media[0] != 2 {
		t.Errorf("sent media = %v, want [2]", media)
	}
	if final.Stats.Processed != 4 || final.Stats.Successful != 3 || final.Stats.Skipped != 1 {
		t.Errorf("stats = %+v", final.Stats)
	}

	cur, found, err := store.LoadCursor(job.ID)
	if err != nil || !found {
		t.Fatalf("LoadCursor: found=%v err=%v", found, err)
	}
	if cur.LastID != 4 {
		t.Errorf("cursor LastID = %d, want 4", cur.LastID)
	}
	for _, id := range []int64{1, 2, 4} {
		if !cur.HasDelivered(id) {
			t.Errorf("cursor missing delivered %d", id)
		}
	}
	if cur.HasDelivered(3) {
		t.Errorf("service message recorded as delivered")
	}
}

func TestWorkerResumesWithoutDuplicates(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport("a",
		Message{ID: 1, Kind: KindText, Text: "one"},
		Message{ID: 2, Kind: KindText, Text: "two"},
		Message{ID: 3, Kind: KindText, Text: "three"},
		Message{ID: 4, Kind: KindText, Text: "four"},
	)
	job := testJob("a")
	w, store, _ := newWorkerHarness(t, job, tr)

	// Рестарт после доставки 1..2, причём 3 уже была доставлена в прошлом
	// прогоне до сдвига last_id (консервативный курсор).
	if err := store.Append(job.ID, 2, 2); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}
	if err := store.Append(job.ID, 0, 3); err != nil {
		t.Fatalf("seed delivered: %v", err)
	}

	w.Run(context.Background())

	final := w.Snapshot()
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", final.Status, final.Error)
	}
	text, _ := tr.sentIDs()
	if len(text) != 1 || text[0] != 4 {
		t.Errorf("sent = %v, want only [4]", text)
	}
	if final.Stats.Skipped != 1 {
		t.Errorf("skipped = %d, want 1 (already delivered)", final.Stats.Skipped)
	}
}

func TestWorkerFilterAdvancesCursor(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport("a",
		Message{ID: 1, Kind: KindDocument, MIME: "video/mp4", Ext: "mp4"},
		Message{ID: 2, Kind: KindPhoto},
	)
	job := testJob("a")
	job.Policy = Policy{Allowed: []string{ClassImages}}
	w, store, _ := newWorkerHarness(t, job, tr)

	w.Run(context.Background())

	text, media := tr.sentIDs()
	if len(text) != 0 || len(media) != 1 || media[0] != 2 {
		t.Errorf("sent text=%v media=%v, want only media [2]", text, media)
	}
	cur, _, _ := store.LoadCursor(job.ID)
	if cur.LastID != 2 {
		t.Errorf("cursor LastID = %d, want 2 (drop advances cursor)", cur.LastID)
	}
	final := w.Snapshot()
	if final.Stats.Skipped != 1 || final.Stats.Successful != 1 {
		t.Errorf("stats = %+v", final.Stats)
	}
}

func TestWorkerFloodWaitRotatesAccounts(t *testing.T) {
	t.Parallel()

	flooded := newFakeTransport("a", Message{ID: 1, Kind: KindText, Text: "one"})
	flooded.sendErr = func(Message) error { return &FloodWaitError{Duration: 3 * time.Second} }
	healthy := newFakeTransport("b", Message{ID: 1, Kind: KindText, Text: "one"})

	job := testJob("a", "b")
	w, _, sink := newWorkerHarness(t, job, flooded, healthy)

	w.Run(context.Background())

	final := w.Snapshot()
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", final.Status, final.Error)
	}
	if text, _ := healthy.sentIDs(); len(text) != 1 {
		t.Errorf("healthy account sent %v, want the message", text)
	}
	sink.mu.Lock()
	floods := append([]string(nil), sink.floods...)
	sink.mu.Unlock()
	if len(floods) == 0 || floods[0] != "a" {
		t.Errorf("flood events = %v, want account a", floods)
	}
}

func TestWorkerPreflightSkipsWriteForbiddenAccount(t *testing.T) {
	t.Parallel()

	forbidden := newFakeTransport("a", Message{ID: 1, Kind: KindText, Text: "one"})
	forbidden.probeErr = func(Entity) error { return ErrWriteForbidden }
	healthy := newFakeTransport("b", Message{ID: 1, Kind: KindText, Text: "one"})

	job := testJob("a", "b")
	w, _, _ := newWorkerHarness(t, job, forbidden, healthy)

	w.Run(context.Background())

	final := w.Snapshot()
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", final.Status, final.Error)
	}
	if text, _ := forbidden.sentIDs(); len(text) != 0 {
		t.Errorf("forbidden account sent %v, want nothing", text)
	}
	if text, _ := healthy.sentIDs(); len(text) != 1 || text[0] != 1 {
		t.Errorf("healthy account sent %v, want [1]", text)
	}
}

func TestWorkerSendWriteForbiddenRotates(t *testing.T) {
	t.Parallel()

	// Предпроверка проходит, запрет всплывает только на реальной отправке.
	forbidden := newFakeTransport("a", Message{ID: 1, Kind: KindText, Text: "one"})
	forbidden.sendErr = func(Message) error { return ErrWriteForbidden }
	healthy := newFakeTransport("b", Message{ID: 1, Kind: KindText, Text: "one"})

	job := testJob("a", "b")
	w, _, _ := newWorkerHarness(t, job, forbidden, healthy)

	w.Run(context.Background())

	final := w.Snapshot()
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", final.Status, final.Error)
	}
	if text, _ := healthy.sentIDs(); len(text) != 1 {
		t.Errorf("healthy account sent %v, want the message", text)
	}
}

func TestWorkerFailsWhenNoWritableAccounts(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport("a", Message{ID: 1, Kind: KindText, Text: "one"})
	tr.probeErr = func(Entity) error { return ErrWriteForbidden }
	job := testJob("a")
	w, _, _ := newWorkerHarness(t, job, tr)

	w.Run(context.Background())

	final := w.Snapshot()
	if final.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if !strings.Contains(final.Error, "no usable accounts") {
		t.Errorf("error = %q", final.Error)
	}
	if text, _ := tr.sentIDs(); len(text) != 0 {
		t.Errorf("sent %v despite missing write permission", text)
	}
}

func TestWorkerConsecutiveFailuresFailJob(t *testing.T) {
	t.Parallel()

	var history []Message
	for id := int64(1); id <= 7; id++ {
		history = append(history, Message{ID: id, Kind: KindText, Text: "x"})
	}
	tr := newFakeTransport("a", history...)
	tr.sendErr = func(Message) error { return ErrTransient }
	job := testJob("a")
	w, _, _ := newWorkerHarness(t, job, tr)

	w.Run(context.Background())

	final := w.Snapshot()
	if final.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.Stats.Failed != maxConsecutiveFailures {
		t.Errorf("failed = %d, want %d", final.Stats.Failed, maxConsecutiveFailures)
	}
}

func TestWorkerStopRequest(t *testing.T) {
	t.Parallel()

	var history []Message
	for id := int64(1); id <= 50; id++ {
		history = append(history, Message{ID: id, Kind: KindText, Text: "x"})
	}
	tr := newFakeTransport("a", history...)
	job := testJob("a")
	w, store, sink := newWorkerHarness(t, job, tr)
	sink.onProgress = func(lastID int64) {
		if lastID == 3 {
			w.Stop(StatusStopped)
		}
	}

	w.Run(context.Background())

	final := w.Snapshot()
	if final.Status != StatusStopped {
		t.Fatalf("status = %s, want stopped", final.Status)
	}
	text, _ := tr.sentIDs()
	if len(text) >= len(history) {
		t.Errorf("all %d messages sent despite stop", len(text))
	}
	cur, found, _ := store.LoadCursor(job.ID)
	if !found || cur.LastID < 3 {
		t.Errorf("cursor = %+v, want preserved at >= 3", cur)
	}
}

func TestWorkerPauseKeepsCursor(t *testing.T) {
	t.Parallel()

	var history []Message
	for id := int64(1); id <= 20; id++ {
		history = append(history, Message{ID: id, Kind: KindText, Text: "x"})
	}
	tr := newFakeTransport("a", history...)
	job := testJob("a")
	w, _, sink := newWorkerHarness(t, job, tr)
	sink.onProgress = func(lastID int64) {
		if lastID == 2 {
			w.Stop(StatusPaused)
		}
	}

	w.Run(context.Background())

	if final := w.Snapshot(); final.Status != StatusPaused {
		t.Errorf("status = %s, want paused", final.Status)
	}
}

func TestWorkerForumTopic(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport("a", Message{ID: 1, Kind: KindText, Text: "one"})
	tr.entities["target_chat"] = Entity{ID: 200, Kind: EntitySupergroup, Forum: true}
	job := testJob("a")
	w, _, _ := newWorkerHarness(t, job, tr)

	w.Run(context.Background())

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.sentText) != 1 || tr.sentText[0].topicID != generalTopicID {
		t.Errorf("sent = %+v, want topic %d", tr.sentText, generalTopicID)
	}
}

func TestWorkerLinkedChatRedirect(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport("a", Message{ID: 1, Kind: KindText, Text: "one"})
	tr.entities["target_chat"] = Entity{ID: 200, Kind: EntityBroadcast, LinkedChatID: 300}
	tr.entities["300"] = Entity{ID: 300, Kind: EntitySupergroup, Title: "Discussion"}
	job := testJob("a")
	w, _, _ := newWorkerHarness(t, job, tr)

	w.Run(context.Background())

	final := w.Snapshot()
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", final.Status, final.Error)
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.sentText) != 1 || tr.sentText[0].targetID != 300 {
		t.Errorf("sent = %+v, want delivery into linked chat 300", tr.sentText)
	}
}

func TestWorkerHonorsJobRateLimit(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport("a",
		Message{ID: 1, Kind: KindText, Text: "one"},
		Message{ID: 2, Kind: KindText, Text: "two"},
		Message{ID: 3, Kind: KindText, Text: "three"},
	)
	job := testJob("a")
	job.Rate = RateParams{DelaySeconds: 0.001, RatePerMinute: 2}

	store, err := progstore.Open(filepath.Join(t.TempDir(), "test.bbolt"), 0)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	// Щедрый дефолт регулятора: потолок обязан прийти из параметров задачи.
	ft := &fakeTime{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	gov := NewGovernor(1000, time.Millisecond)
	gov.now = ft.Now
	gov.randFloat = func() float64 { return 0 }
	pool := NewPool(gov)
	t.Cleanup(pool.Close)
	pool.Put(tr)

	w := NewWorker(job, store, pool, gov, &recordingSink{})
	w.randInt = func(int) int { return 0 }
	var longest time.Duration
	w.sleep = func(ctx context.Context, d time.Duration) error {
		if d > longest {
			longest = d
		}
		return ft.Sleep(ctx, d)
	}

	w.Run(context.Background())

	final := w.Snapshot()
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", final.Status, final.Error)
	}
	if text, _ := tr.sentIDs(); len(text) != 3 {
		t.Errorf("sent = %v, want all three", text)
	}
	// Третья отправка упирается в окно: воркер обязан выждать почти минуту.
	if longest < 50*time.Second {
		t.Errorf("longest pause = %s, want a window-sized wait", longest)
	}
}

func TestWorkerCursorPersistFailureFailsJob(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport("a",
		Message{ID: 1, Kind: KindText, Text: "one"},
		Message{ID: 2, Kind: KindText, Text: "two"},
		Message{ID: 3, Kind: KindText, Text: "three"},
	)
	job := testJob("a")
	w, store, sink := newWorkerHarness(t, job, tr)
	// Хранилище умирает после первой доставки; следующая запись курсора
	// обязана уронить задачу, а не потеряться молча.
	sink.onProgress = func(lastID int64) {
		if lastID == 1 {
			_ = store.Close()
		}
	}

	w.Run(context.Background())

	final := w.Snapshot()
	if final.Status != StatusFailed {
		t.Fatalf("status = %s (%s), want failed", final.Status, final.Error)
	}
	if !strings.Contains(final.Error, "persist cursor") {
		t.Errorf("error = %q, want cursor persistence failure", final.Error)
	}
	if text, _ := tr.sentIDs(); len(text) != 2 {
		t.Errorf("sent = %v, want delivery to stop after the failed append", text)
	}
}

func TestWorkerLostAuthorizationRotates(t *testing.T) {
	t.Parallel()

	revoked := newFakeTransport("a", Message{ID: 1, Kind: KindText, Text: "one"})
	revoked.sendErr = func(Message) error { return ErrNotAuthorized }
	healthy := newFakeTransport("b", Message{ID: 1, Kind: KindText, Text: "one"})

	job := testJob("a", "b")
	w, _, _ := newWorkerHarness(t, job, revoked, healthy)

	w.Run(context.Background())

	final := w.Snapshot()
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", final.Status, final.Error)
	}
	if text, _ := healthy.sentIDs(); len(text) != 1 {
		t.Errorf("healthy account sent %v", text)
	}
}
