// Package telegram — адаптер MTProto поверх gotd: подключение аккаунтов,
// авторизация, разрешение чатов, постраничное чтение истории и отправка
// сообщений. Реализует forwarding.Transport; наружу уходят только
// нормализованные доменные типы и классифицированные ошибки.
package telegram

import (
	"context"

	tdsession "github.com/gotd/td/session"

	"telegram-forwarder/internal/domain/accounts"
)

// sessionStore — tdsession.Storage поверх реестра аккаунтов: блоб сессии
// живёт в записи аккаунта и переживает рестарты вместе с ней.
type sessionStore struct {
	registry  *accounts.Registry
	accountID string
}

var _ tdsession.Storage = (*sessionStore)(nil)

// LoadSession возвращает сохранённый блоб сессии аккаунта.
func (s *sessionStore) LoadSession(context.Context) ([]byte, error) {
	blob, ok := s.registry.Session(s.accountID)
	if !ok {
		return nil, tdsession.ErrNotFound
	}
	return blob, nil
}

// StoreSession сохраняет блоб сессии; gotd вызывает его при каждом обновлении
// авторизационных данных сервером.
func (s *sessionStore) StoreSession(_ context.Context, data []byte) error {
	return s.registry.StoreSession(s.accountID, data)
}
