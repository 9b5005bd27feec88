// Package forwarding — доменное ядро движка копирования истории чатов.
// Здесь живут модель сообщения и сущности чата, политика фильтрации,
// регулятор скорости, пул аккаунтов, воркер задачи и супервизор.
// Пакет не знает про MTProto: весь сетевой слой скрыт за интерфейсом Transport.
package forwarding

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
)

// MessageKind — вид содержимого исходного сообщения.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindPhoto    MessageKind = "photo"
	KindDocument MessageKind = "document"
	// KindEmpty — служебные и пустые сообщения (joined, pinned и т.п.),
	// их курсор проходит без отправки.
	KindEmpty MessageKind = "empty"
)

// Message — нормализованное сообщение источника. Транспорт приводит к этой
// форме ответ getHistory; доменному слою не нужны детали MTProto-типов.
type Message struct {
	ID   int64
	Kind MessageKind
	// Text — текст сообщения либо подпись к медиа.
	Text string
	// MIME и Ext заполняются для документов; Ext — без точки, в нижнем регистре.
	MIME string
	Ext  string
	// MediaRef — непрозрачная ссылка транспорта на медиа (file reference и т.п.).
	// Домен передаёт её обратно в Transport.SendFile не заглядывая внутрь.
	MediaRef any
}

// HasMedia сообщает, несёт ли сообщение медиа-вложение.
func (m Message) HasMedia() bool {
	return m.Kind == KindPhoto || m.Kind == KindDocument
}

// EntityKind — тип разрешённой сущности чата.
type EntityKind string

const (
	EntityBroadcast  EntityKind = "broadcast"
	EntityGroup      EntityKind = "group"
	EntitySupergroup EntityKind = "supergroup"
)

// Entity — разрешённый чат: идентификатор с хэшем доступа и признаки,
// влияющие на маршрутизацию отправки (форум, привязанная группа обсуждений).
type Entity struct {
	ID         int64
	AccessHash int64
	Title      string
	Kind       EntityKind
	// Forum — у супергруппы включены темы; отправка идёт в тему General (id 1).
	Forum bool
	// LinkedChatID — id группы обсуждений канала; 0, если привязки нет.
	LinkedChatID int64
}

// ChatRef — распознанная ссылка на чат из пользовательского ввода.
// Ровно одно из полей Username/ChatID заполнено.
type ChatRef struct {
	Username string
	ChatID   int64
}

var refPatterns = []*regexp.Regexp{
	// t.me/username, telegram.me/username, с протоколом и без
	regexp.MustCompile(`^(?:https?://)?(?:t|telegram)\.me/([A-Za-z][A-Za-z0-9_]{3,31})/?$`),
	// @username
	regexp.MustCompile(`^@([A-Za-z][A-Za-z0-9_]{3,31})$`),
	// голый username
	regexp.MustCompile(`^([A-Za-z][A-Za-z0-9_]{3,31})$`),
}

// ParseChatRef разбирает пользовательскую ссылку на чат: числовой id
// (включая форму -100XXXXXXXXXX), @username, голый username или ссылку t.me.
func ParseChatRef(raw string) (ChatRef, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ChatRef{}, errors.New("empty chat reference")
	}

	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ChatRef{ChatID: normalizeChatID(id)}, nil
	}

	for _, re := range refPatterns {
		if m := re.FindStringSubmatch(s); m != nil {
			return ChatRef{Username: strings.ToLower(m[1])}, nil
		}
	}
	return ChatRef{}, errors.Errorf("unrecognized chat reference %q", raw)
}

// normalizeChatID приводит bot-api-форму -100XXXXXXXXXX к внутреннему id канала.
func normalizeChatID(id int64) int64 {
	const marker = -1_000_000_000_000
	if id < marker {
		return -id + marker
	}
	if id < 0 {
		return -id
	}
	return id
}
