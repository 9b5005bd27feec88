package accounts

import (
	"path/filepath"
	"testing"

	"telegram-forwarder/internal/infra/progstore"
)

func newTestRegistry(t *testing.T) (*Registry, *progstore.Store) {
	t.Helper()
	store, err := progstore.Open(filepath.Join(t.TempDir(), "test.bbolt"), 0)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewRegistry(store), store
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)

	acc, err := r.Create("+15550100")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if acc.Status != StatusCreated || acc.ID == "" {
		t.Errorf("account = %+v", acc)
	}

	if _, err := r.Create("+15550100"); err != ErrPhoneInUse {
		t.Errorf("duplicate phone = %v, want ErrPhoneInUse", err)
	}
	if _, err := r.Create(""); err == nil {
		t.Errorf("empty phone accepted")
	}

	got, ok := r.Get(acc.ID)
	if !ok || got.Phone != "+15550100" {
		t.Errorf("Get = %+v %v", got, ok)
	}
}

func TestSessionRoundTripSurvivesReload(t *testing.T) {
	t.Parallel()
	r, store := newTestRegistry(t)

	acc, err := r.Create("+15550101")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.StoreSession(acc.ID, []byte("session-blob")); err != nil {
		t.Fatalf("StoreSession: %v", err)
	}
	if err := r.SetStatus(acc.ID, StatusAuthenticated, ""); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	// Рестарт процесса: новый реестр над тем же хранилищем.
	reloaded := NewRegistry(store)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	blob, ok := reloaded.Session(acc.ID)
	if !ok || string(blob) != "session-blob" {
		t.Errorf("Session = %q %v", blob, ok)
	}
	got, _ := reloaded.Get(acc.ID)
	if got.Status != StatusDisconnected {
		t.Errorf("status after reload = %s, want disconnected", got.Status)
	}
}

func TestLiveHandleExclusive(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)

	acc, err := r.Create("+15550102")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := r.AcquireLive(acc.ID); err != nil {
		t.Fatalf("AcquireLive: %v", err)
	}
	if err := r.AcquireLive(acc.ID); err != ErrAlreadyLive {
		t.Errorf("second AcquireLive = %v, want ErrAlreadyLive", err)
	}
	if err := r.Delete(acc.ID); err != ErrAlreadyLive {
		t.Errorf("Delete of live account = %v, want ErrAlreadyLive", err)
	}

	r.ReleaseLive(acc.ID)
	if err := r.AcquireLive(acc.ID); err != nil {
		t.Errorf("AcquireLive after release: %v", err)
	}
	r.ReleaseLive(acc.ID)

	if err := r.Delete(acc.ID); err != nil {
		t.Errorf("Delete: %v", err)
	}
	if err := r.AcquireLive(acc.ID); err != ErrNotFound {
		t.Errorf("AcquireLive deleted = %v, want ErrNotFound", err)
	}
}

func TestSessionCopyIsolated(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)

	acc, _ := r.Create("+15550103")
	if err := r.StoreSession(acc.ID, []byte("abc")); err != nil {
		t.Fatalf("StoreSession: %v", err)
	}
	blob, _ := r.Session(acc.ID)
	blob[0] = 'x'
	again, _ := r.Session(acc.ID)
	if string(again) != "abc" {
		t.Errorf("session mutated through returned copy: %q", again)
	}
}

func TestIsAuthenticated(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)

	acc, err := r.Create("+15550104")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.IsAuthenticated(acc.ID) {
		t.Errorf("fresh account reported authenticated")
	}
	if err := r.SetStatus(acc.ID, StatusAuthenticated, ""); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if !r.IsAuthenticated(acc.ID) {
		t.Errorf("authenticated account reported unauthenticated")
	}
	if err := r.SetStatus(acc.ID, StatusDisconnected, ""); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if r.IsAuthenticated(acc.ID) {
		t.Errorf("disconnected account reported authenticated")
	}
	if r.IsAuthenticated("missing") {
		t.Errorf("unknown account reported authenticated")
	}
}
