package telegram

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"

	"telegram-forwarder/internal/domain/forwarding"
)

// randomID строит детерминированный random_id отправки из цели и исходного
// сообщения. Сервер дедуплицирует повторы с тем же random_id, поэтому
// повтор после обрыва соединения не породит дубль в целевом чате.
func randomID(accountID string, targetID, msgID int64) int64 {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s:%d:%d", accountID, targetID, msgID)
	return int64(h.Sum64())
}

// SendText отправляет текст сообщения в цель; topicID > 0 адресует тему форума.
func (c *Client) SendText(ctx context.Context, target forwarding.Entity, msg forwarding.Message, topicID int) error {
	req := &tg.MessagesSendMessageRequest{
		Peer:     inputPeer(target),
		Message:  msg.Text,
		RandomID: randomID(c.accountID, target.ID, msg.ID),
	}
	if topicID > 0 {
		req.SetReplyTo(&tg.InputReplyToMessage{ReplyToMsgID: topicID})
	}
	_, err := c.api.MessagesSendMessage(ctx, req)
	if err == nil {
		c.registry.Touch(c.accountID)
	}
	return classify(err)
}

// SendFile копирует вложение сообщения в цель серверной ссылкой на медиа:
// файл не скачивается и не заливается заново, подпись сохраняется.
func (c *Client) SendFile(ctx context.Context, target forwarding.Entity, msg forwarding.Message, topicID int) error {
	media, err := inputMedia(msg)
	if err != nil {
		return err
	}
	req := &tg.MessagesSendMediaRequest{
		Peer:     inputPeer(target),
		Media:    media,
		Message:  msg.Text,
		RandomID: randomID(c.accountID, target.ID, msg.ID),
	}
	if topicID > 0 {
		req.SetReplyTo(&tg.InputReplyToMessage{ReplyToMsgID: topicID})
	}
	_, err = c.api.MessagesSendMedia(ctx, req)
	if err == nil {
		c.registry.Touch(c.accountID)
	}
	return classify(err)
}

// inputMedia строит InputMedia по ссылке, сохранённой при чтении истории.
func inputMedia(msg forwarding.Message) (tg.InputMediaClass, error) {
	switch ref := msg.MediaRef.(type) {
	case *tg.InputPhoto:
		return &tg.InputMediaPhoto{ID: ref}, nil
	case *tg.InputDocument:
		return &tg.InputMediaDocument{ID: ref}, nil
	default:
		return nil, errors.Errorf("message %d has no sendable media", msg.ID)
	}
}

// Probe проверяет право записи в цель действием «печатает». Действие не
// оставляет следов в чате, но возвращает те же ошибки доступа, что и отправка.
func (c *Client) Probe(ctx context.Context, target forwarding.Entity) error {
	_, err := c.api.MessagesSetTyping(ctx, &tg.MessagesSetTypingRequest{
		Peer:   inputPeer(target),
		Action: &tg.SendMessageTypingAction{},
	})
	return classify(err)
}
