// Package accounts — реестр Telegram-аккаунтов движка пересылки. Хранит
// учётные записи с их MTProto-сессиями в долговременном хранилище и следит,
// чтобы на один блоб сессии приходилось не больше одной живой связи:
// параллельные подключения под одной сессией приводят к её отзыву сервером.
package accounts

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"telegram-forwarder/internal/infra/logger"
	"telegram-forwarder/internal/infra/progstore"
)

// Status — статус жизненного цикла аккаунта.
type Status string

const (
	StatusCreated        Status = "created"
	StatusAuthenticating Status = "authenticating"
	StatusAuthenticated  Status = "authenticated"
	StatusFailed         Status = "failed"
	StatusDisconnected   Status = "disconnected"
)

// Ошибки операций реестра.
var (
	ErrNotFound    = errors.New("account not found")
	ErrAlreadyLive = errors.New("account already has a live connection")
	ErrPhoneInUse  = errors.New("phone already registered")
)

// Account — учётная запись с состоянием авторизации и блобом MTProto-сессии.
// Session сериализуется в JSON как base64 и не отдаётся наружу через API.
type Account struct {
	ID         string    `json:"id"`
	Phone      string    `json:"phone"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Session    []byte    `json:"session,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// clone возвращает копию аккаунта с отвязанным блобом сессии.
func (a *Account) clone() *Account {
	cp := *a
	cp.Session = append([]byte(nil), a.Session...)
	return &cp
}

// Registry — потокобезопасный реестр аккаунтов поверх хранилища.
type Registry struct {
	mu       sync.Mutex
	store    *progstore.Store
	accounts map[string]*Account
	// live — аккаунты с активной связью; защита от двойного подключения.
	live map[string]bool
}

// NewRegistry создаёт пустой реестр над хранилищем store.
func NewRegistry(store *progstore.Store) *Registry {
	return &Registry{
		store:    store,
		accounts: make(map[string]*Account),
		live:     make(map[string]bool),
	}
}

// Load поднимает аккаунты из хранилища. Статусы соединений сбрасываются в
// disconnected: после рестарта живых связей нет по определению.
func (r *Registry) Load() error {
	blobs, err := r.store.LoadAccounts()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, blob := range blobs {
		var acc Account
		if err := json.Unmarshal(blob, &acc); err != nil {
			logger.Errorf("registry: skip corrupted account record %s: %v", id, err)
			continue
		}
		if acc.Status == StatusAuthenticated || acc.Status == StatusAuthenticating {
			acc.Status = StatusDisconnected
			if err := r.persistLocked(&acc); err != nil {
				logger.Errorf("registry: persist recovered account %s: %v", id, err)
			}
		}
		r.accounts[acc.ID] = &acc
	}
	logger.Infof("registry: loaded %d accounts", len(r.accounts))
	return nil
}

// Create регистрирует новый аккаунт по номеру телефона в статусе created.
func (r *Registry) Create(phone string) (*Account, error) {
	if phone == "" {
		return nil, errors.New("phone required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, acc := range r.accounts {
		if acc.Phone == phone {
			return nil, ErrPhoneInUse
		}
	}

	acc := &Account{
		ID:        uuid.NewString(),
		Phone:     phone,
		Status:    StatusCreated,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.persistLocked(acc); err != nil {
		return nil, err
	}
	r.accounts[acc.ID] = acc
	return acc.clone(), nil
}

// Get возвращает копию аккаунта.
func (r *Registry) Get(id string) (*Account, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[id]
	if !ok {
		return nil, false
	}
	return acc.clone(), true
}

// List возвращает копии всех аккаунтов, отсортированные по времени создания.
func (r *Registry) List() []*Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Account, 0, len(r.accounts))
	for _, acc := range r.accounts {
		out = append(out, acc.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// IsAuthenticated сообщает, авторизован ли аккаунт. Супервизор задач проверяет
// этим вызовом аккаунты-исполнители при создании задачи.
func (r *Registry) IsAuthenticated(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[id]
	return ok && acc.Status == StatusAuthenticated
}

// SetStatus переводит аккаунт в новый статус; errMsg заполняет поле ошибки
// (пустая строка очищает его).
func (r *Registry) SetStatus(id string, status Status, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[id]
	if !ok {
		return ErrNotFound
	}
	acc.Status = status
	acc.Error = errMsg
	return r.persistLocked(acc)
}

// Touch обновляет отметку последней активности аккаунта.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if acc, ok := r.accounts[id]; ok {
		acc.LastActive = time.Now().UTC()
		if err := r.persistLocked(acc); err != nil {
			logger.Errorf("registry: persist last active %s: %v", id, err)
		}
	}
}

// Session возвращает копию блоба сессии аккаунта; второй результат false,
// если сессии ещё нет.
func (r *Registry) Session(id string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[id]
	if !ok || len(acc.Session) == 0 {
		return nil, false
	}
	return append([]byte(nil), acc.Session...), true
}

// StoreSession сохраняет блоб сессии аккаунта. Вызывается слоем транспорта
// при каждом обновлении сессии сервером.
func (r *Registry) StoreSession(id string, blob []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[id]
	if !ok {
		return ErrNotFound
	}
	acc.Session = append([]byte(nil), blob...)
	return r.persistLocked(acc)
}

// Delete удаляет аккаунт. Аккаунт с живой связью сначала освобождают.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[id]; !ok {
		return ErrNotFound
	}
	if r.live[id] {
		return ErrAlreadyLive
	}
	delete(r.accounts, id)
	return r.store.DeleteAccount(id)
}

// AcquireLive резервирует право единственной живой связи аккаунта.
// Парный ReleaseLive обязателен при разрыве соединения.
func (r *Registry) AcquireLive(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[id]; !ok {
		return ErrNotFound
	}
	if r.live[id] {
		return ErrAlreadyLive
	}
	r.live[id] = true
	return nil
}

// ReleaseLive снимает отметку живой связи аккаунта.
func (r *Registry) ReleaseLive(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, id)
}

// persistLocked сохраняет аккаунт в хранилище. Вызывающий держит mu.
func (r *Registry) persistLocked(acc *Account) error {
	blob, err := json.Marshal(acc)
	if err != nil {
		return errors.Wrapf(err, "encode account %s", acc.ID)
	}
	return r.store.SaveAccount(acc.ID, blob)
}
