package forwarding

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"telegram-forwarder/internal/infra/logger"
)

// maxEligibilityWait — потолок одного ожидания итератора: дольше этого
// итератор не спит, а возвращается с ошибкой, давая воркеру шанс проверить
// флаг остановки.
const maxEligibilityWait = 30 * time.Second

// ErrNoAccounts — в пуле нет ни одного пригодного аккаунта для задачи.
var ErrNoAccounts = errors.New("no usable accounts")

// Handle — живая связь аккаунта: транспорт плюс мьютекс отправки, чтобы
// несколько задач не слали через один аккаунт одновременно.
type Handle struct {
	transport Transport

	mu        sync.Mutex
	unhealthy bool
	reason    string
}

// Transport возвращает транспорт связи.
func (h *Handle) Transport() Transport { return h.transport }

// AccountID возвращает идентификатор аккаунта связи.
func (h *Handle) AccountID() string { return h.transport.AccountID() }

// LockSend захватывает право отправки через аккаунт. Парный UnlockSend обязателен.
func (h *Handle) LockSend()   { h.mu.Lock() }
func (h *Handle) UnlockSend() { h.mu.Unlock() }

// Healthy сообщает, пригодна ли связь, и причину непригодности.
func (h *Handle) Healthy() (bool, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.unhealthy, h.reason
}

// markUnhealthy помечает связь непригодной с указанием причины.
func (h *Handle) markUnhealthy(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unhealthy = true
	h.reason = reason
}

// Pool — реестр живых связей аккаунтов. Супервизор кладёт связи при
// подключении аккаунтов, воркеры берут их через Iterator.
type Pool struct {
	mu      sync.Mutex
	handles map[string]*Handle
	gov     *Governor
}

// NewPool создаёт пул, координирующий выдачу связей с регулятором gov.
func NewPool(gov *Governor) *Pool {
	return &Pool{handles: make(map[string]*Handle), gov: gov}
}

// Put регистрирует (или заменяет) связь аккаунта. Старая связь закрывается.
func (p *Pool) Put(t Transport) {
	p.mu.Lock()
	old := p.handles[t.AccountID()]
	p.handles[t.AccountID()] = &Handle{transport: t}
	p.mu.Unlock()
	if old != nil {
		if err := old.transport.Close(); err != nil {
			logger.Warnf("Pool: close replaced handle %s: %v", t.AccountID(), err)
		}
	}
}

// Get возвращает связь аккаунта, если она зарегистрирована.
func (p *Pool) Get(accountID string) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[accountID]
	return h, ok
}

// Remove снимает связь аккаунта и закрывает транспорт.
func (p *Pool) Remove(accountID string) {
	p.mu.Lock()
	h := p.handles[accountID]
	delete(p.handles, accountID)
	p.mu.Unlock()
	if h != nil {
		if err := h.transport.Close(); err != nil {
			logger.Warnf("Pool: close handle %s: %v", accountID, err)
		}
	}
}

// MarkUnhealthy помечает связь аккаунта непригодной (отзыв сессии и т.п.).
// Итераторы перестают выдавать её до повторного Put.
func (p *Pool) MarkUnhealthy(accountID, reason string) {
	p.mu.Lock()
	h := p.handles[accountID]
	p.mu.Unlock()
	if h != nil {
		h.markUnhealthy(reason)
		logger.Warnf("Pool: account %s marked unhealthy: %s", accountID, reason)
	}
}

// Close закрывает все связи пула.
func (p *Pool) Close() {
	p.mu.Lock()
	handles := p.handles
	p.handles = make(map[string]*Handle)
	p.mu.Unlock()
	for id, h := range handles {
		if err := h.transport.Close(); err != nil {
			logger.Warnf("Pool: close handle %s: %v", id, err)
		}
	}
}

// Iterator выдаёт связи задачи по кругу, пропуская непригодные и пережидающие
// flood-wait аккаунты. Не потокобезопасен: у каждого воркера свой итератор.
type Iterator struct {
	pool *Pool
	ids  []string
	next int
}

// NewIterator создаёт итератор по аккаунтам задачи в заданном порядке ротации.
func NewIterator(pool *Pool, accountIDs []string) *Iterator {
	return &Iterator{pool: pool, ids: append([]string(nil), accountIDs...)}
}

// Next возвращает следующую пригодную связь. Если все аккаунты пережидают
// flood-wait, блокируется до ближайшего освобождения (не дольше
// maxEligibilityWait), чтобы воркер мог периодически проверять остановку.
// ErrNoAccounts — пригодных связей нет вовсе.
func (it *Iterator) Next(ctx context.Context) (*Handle, error) {
	for {
		var nearest time.Time
		anyAlive := false

		for range it.ids {
			id := it.ids[it.next%len(it.ids)]
			it.next++

			h, ok := it.pool.Get(id)
			if !ok {
				continue
			}
			if healthy, _ := h.Healthy(); !healthy {
				continue
			}
			anyAlive = true
			if until, flooded := it.pool.gov.FloodUntil(id); flooded {
				if nearest.IsZero() || until.Before(nearest) {
					nearest = until
				}
				continue
			}
			return h, nil
		}

		if !anyAlive {
			return nil, ErrNoAccounts
		}

		wait := time.Until(nearest)
		if wait > maxEligibilityWait {
			wait = maxEligibilityWait
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return nil, err
		}
	}
}
