package forwarding

import (
	"fmt"
	"time"

	"github.com/go-faster/errors"
)

// Сентинели классов ошибок транспорта. Адаптер MTProto оборачивает сырые
// ошибки API в эти классы; воркер принимает решения только по ним.
var (
	// ErrWriteForbidden — аккаунту запрещено писать в целевой чат. Аккаунт
	// выбывает из ротации задачи; задача падает, лишь когда писать некому.
	ErrWriteForbidden = errors.New("write permission denied")
	// ErrNotFound — чат/канал не существует либо недоступен этому аккаунту.
	ErrNotFound = errors.New("chat not found")
	// ErrPrivateForbidden — приватный чат, аккаунт не участник.
	ErrPrivateForbidden = errors.New("chat is private")
	// ErrNotAuthorized — сессия аккаунта отозвана или не авторизована.
	ErrNotAuthorized = errors.New("account not authorized")
	// ErrTransient — временная ошибка (сеть, внутренняя ошибка сервера),
	// имеет смысл повторить.
	ErrTransient = errors.New("transient failure")
)

// FloodWaitError — сервер потребовал паузу. Несёт длительность ожидания;
// регулятор скорости добавляет к ней собственный джиттер.
type FloodWaitError struct {
	Duration time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait %s", e.Duration)
}

// AsFloodWait извлекает длительность flood-wait из цепочки ошибок.
func AsFloodWait(err error) (time.Duration, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.Duration, true
	}
	return 0, false
}

// IsFatalForJob сообщает, означает ли ошибка, что задача не может продолжаться
// ни на каком аккаунте (проблема цели, а не конкретного аккаунта). Запрет
// записи сюда не входит: он касается одного аккаунта, и воркер ротирует такой
// аккаунт вместо остановки задачи.
func IsFatalForJob(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPrivateForbidden)
}

// IsTransient сообщает, стоит ли повторять операцию после ошибки.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
