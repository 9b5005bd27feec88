package telegram

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"

	"telegram-forwarder/internal/domain/forwarding"
)

// dialogsPageLimit — размер страницы при поиске чата по id в диалогах.
const dialogsPageLimit = 100

// ResolveEntity разрешает ссылку на чат: username через contacts.resolveUsername,
// числовой id — поиском по диалогам аккаунта. Для широковещательных каналов
// дополнительно подтягивается id привязанной группы обсуждений.
func (c *Client) ResolveEntity(ctx context.Context, ref forwarding.ChatRef) (forwarding.Entity, error) {
	var (
		ent forwarding.Entity
		err error
	)
	if ref.Username != "" {
		ent, err = c.resolveUsername(ctx, ref.Username)
	} else {
		ent, err = c.findInDialogs(ctx, ref.ChatID)
	}
	if err != nil {
		return forwarding.Entity{}, err
	}

	if ent.Kind == forwarding.EntityBroadcast {
		linked, lerr := c.linkedChatID(ctx, ent)
		if lerr != nil {
			return forwarding.Entity{}, lerr
		}
		ent.LinkedChatID = linked
	}
	return ent, nil
}

// resolveUsername разрешает публичный username в сущность чата.
func (c *Client) resolveUsername(ctx context.Context, username string) (forwarding.Entity, error) {
	resp, err := c.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
		Username: username,
	})
	if err != nil {
		return forwarding.Entity{}, classify(err)
	}
	for _, chat := range resp.Chats {
		if ent, ok := entityFromChat(chat); ok {
			return ent, nil
		}
	}
	return forwarding.Entity{}, errors.Wrapf(forwarding.ErrNotFound, "username %s is not a chat", username)
}

// findInDialogs ищет чат по внутреннему id среди диалогов аккаунта.
// Приватные чаты без username разрешаются только так: аккаунт обязан быть
// участником.
func (c *Client) findInDialogs(ctx context.Context, chatID int64) (forwarding.Entity, error) {
	var (
		offsetDate int
		offsetID   int
	)
	offsetPeer := tg.InputPeerClass(&tg.InputPeerEmpty{})

	for page := 0; page < 50; page++ {
		resp, err := c.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetDate: offsetDate,
			OffsetID:   offsetID,
			OffsetPeer: offsetPeer,
			Limit:      dialogsPageLimit,
		})
		if err != nil {
			return forwarding.Entity{}, classify(err)
		}

		var (
			chats    []tg.ChatClass
			dialogs  []tg.DialogClass
			messages []tg.MessageClass
		)
		switch d := resp.(type) {
		case *tg.MessagesDialogs:
			chats, dialogs, messages = d.Chats, d.Dialogs, d.Messages
		case *tg.MessagesDialogsSlice:
			chats, dialogs, messages = d.Chats, d.Dialogs, d.Messages
		default:
			return forwarding.Entity{}, errors.Wrap(forwarding.ErrNotFound, "unexpected dialogs response")
		}

		for _, chat := range chats {
			if ent, ok := entityFromChat(chat); ok && ent.ID == chatID {
				return ent, nil
			}
		}
		if len(dialogs) < dialogsPageLimit {
			break
		}
		// Следующая страница отсчитывается от последнего сообщения выдачи.
		for _, m := range messages {
			if msg, ok := m.(*tg.Message); ok {
				offsetDate = msg.Date
				offsetID = msg.ID
			}
		}
	}
	return forwarding.Entity{}, errors.Wrapf(forwarding.ErrNotFound, "chat %d not in account dialogs", chatID)
}

// linkedChatID возвращает id группы обсуждений канала; 0, если привязки нет.
func (c *Client) linkedChatID(ctx context.Context, ent forwarding.Entity) (int64, error) {
	resp, err := c.api.ChannelsGetFullChannel(ctx, &tg.InputChannel{
		ChannelID:  ent.ID,
		AccessHash: ent.AccessHash,
	})
	if err != nil {
		return 0, classify(err)
	}
	full, ok := resp.FullChat.(*tg.ChannelFull)
	if !ok {
		return 0, nil
	}
	return full.LinkedChatID, nil
}

// entityFromChat нормализует вариант tg.ChatClass в доменную сущность.
// Возвращает false для забытых/недоступных вариантов.
func entityFromChat(chat tg.ChatClass) (forwarding.Entity, bool) {
	switch ch := chat.(type) {
	case *tg.Channel:
		kind := forwarding.EntitySupergroup
		if ch.Broadcast {
			kind = forwarding.EntityBroadcast
		}
		return forwarding.Entity{
			ID:         ch.ID,
			AccessHash: ch.AccessHash,
			Title:      ch.Title,
			Kind:       kind,
			Forum:      ch.Forum,
		}, true
	case *tg.Chat:
		return forwarding.Entity{
			ID:    ch.ID,
			Title: ch.Title,
			Kind:  forwarding.EntityGroup,
		}, true
	default:
		return forwarding.Entity{}, false
	}
}

// inputPeer строит InputPeer для RPC-вызовов по доменной сущности.
func inputPeer(ent forwarding.Entity) tg.InputPeerClass {
	if ent.Kind == forwarding.EntityGroup {
		return &tg.InputPeerChat{ChatID: ent.ID}
	}
	return &tg.InputPeerChannel{ChannelID: ent.ID, AccessHash: ent.AccessHash}
}
