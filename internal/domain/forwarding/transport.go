package forwarding

import "context"

// Transport — сетевые операции одного Telegram-аккаунта, необходимые воркеру.
// Реализация живёт в адаптере MTProto; доменный слой работает только с
// нормализованными Message/Entity и классифицированными ошибками (errors.go).
type Transport interface {
	// AccountID возвращает идентификатор аккаунта, которому принадлежит связь.
	AccountID() string

	// ResolveEntity разрешает ссылку на чат в сущность с хэшем доступа.
	ResolveEntity(ctx context.Context, ref ChatRef) (Entity, error)

	// FetchAscending возвращает до limit сообщений источника с id строго
	// больше afterID, отсортированных по возрастанию id.
	FetchAscending(ctx context.Context, source Entity, afterID int64, limit int) ([]Message, error)

	// SendText отправляет текст сообщения (или подпись медиа) в цель.
	// topicID > 0 адресует тему форума.
	SendText(ctx context.Context, target Entity, msg Message, topicID int) error

	// SendFile копирует сообщение с вложением в цель, сохраняя подпись.
	SendFile(ctx context.Context, target Entity, msg Message, topicID int) error

	// Probe проверяет право записи в цель без отправки сообщения.
	Probe(ctx context.Context, target Entity) error

	// Close разрывает соединение аккаунта.
	Close() error
}
