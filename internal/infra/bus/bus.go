// Package bus — внутрипроцессная шина событий движка пересылки.
// Воркеры публикуют статусы, прогресс и логи; подписчики (web-сокеты,
// тесты) получают события по собственным буферизированным каналам.
// Доставка at-least-once только текущим подписчикам; отстающий подписчик
// отбрасывается после переполнения его бэклога, чтобы не блокировать
// публикаторов.
package bus

import (
	"sync"
	"time"

	"telegram-forwarder/internal/infra/logger"
)

// EventType — тег типа события, попадающий в JSON как "type".
type EventType string

// Типы событий движка. Строковые метки стабильны: их читают внешние подписчики.
const (
	EventStatusChange EventType = "status_change"
	EventProgress     EventType = "progress"
	EventLog          EventType = "log"
	EventFloodWait    EventType = "flood_wait"
	EventError        EventType = "error"
	EventCompleted    EventType = "completed"
)

// Event — единица публикации: тип, задача-источник и JSON-сериализуемая нагрузка.
type Event struct {
	Type    EventType      `json:"type"`
	JobID   string         `json:"job_id,omitempty"`
	Payload map[string]any `json:"data,omitempty"`
	At      time.Time      `json:"timestamp"`
}

// DefaultBacklog — ёмкость канала подписчика. Переполнение означает, что
// подписчик безнадёжно отстал, и его выгоднее отбросить, чем тормозить воркеры.
const DefaultBacklog = 256

// Bus — реестр подписчиков с неблокирующей рассылкой.
// Потокобезопасен; Publish никогда не блокируется на медленном подписчике.
type Bus struct {
	mu      sync.Mutex
	nextID  int64
	subs    map[int64]chan Event
	backlog int
	closed  bool
}

// New создаёт шину с ёмкостью бэклога backlog (<=0 — DefaultBacklog).
func New(backlog int) *Bus {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Bus{
		subs:    make(map[int64]chan Event),
		backlog: backlog,
	}
}

// Subscribe регистрирует нового подписчика и возвращает его канал событий
// вместе с функцией отмены. Отмена идемпотентна; канал закрывается шиной.
// Повторного воспроизведения прошедших событий нет.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.backlog)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() { b.drop(id) }
	return ch, cancel
}

// Publish рассылает событие всем текущим подписчикам. Если чей-то буфер
// полон, подписчик отбрасывается (его канал закрывается) — публикатор
// не ждёт никогда.
func (b *Bus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			// Бэклог переполнен: подписчик снимается, чтобы не блокировать воркеры.
			delete(b.subs, id)
			close(ch)
			logger.Warnf("Bus: subscriber %d dropped (backlog %d full)", id, b.backlog)
		}
	}
}

// Subscribers возвращает текущее число подписчиков (для статистики/тестов).
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close снимает всех подписчиков и закрывает их каналы. Последующие Publish
// игнорируются, Subscribe возвращает закрытый канал.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// drop снимает одного подписчика по id; безопасно при повторных вызовах.
func (b *Bus) drop(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}
