package telegram

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gotd/td/tg"

	"telegram-forwarder/internal/domain/forwarding"
)

// FetchAscending возвращает до limit сообщений источника с id строго больше
// afterID в порядке возрастания. messages.getHistory отдаёт историю от новых
// к старым; смещение AddOffset = -limit с OffsetID = afterID+1 разворачивает
// окно в сторону старых id, начиная сразу за курсором.
func (c *Client) FetchAscending(ctx context.Context, source forwarding.Entity, afterID int64, limit int) ([]forwarding.Message, error) {
	resp, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:      inputPeer(source),
		OffsetID:  int(afterID) + 1,
		AddOffset: -limit,
		Limit:     limit,
	})
	if err != nil {
		return nil, classify(err)
	}

	modified, ok := resp.AsModified()
	if !ok {
		return nil, nil
	}

	out := make([]forwarding.Message, 0, limit)
	for _, raw := range modified.GetMessages() {
		msg := normalizeMessage(raw)
		if msg.ID > afterID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// normalizeMessage приводит вариант tg.MessageClass к доменному сообщению.
// Служебные, пустые и недоступные сообщения превращаются в KindEmpty: воркер
// проведёт через них курсор без отправки.
func normalizeMessage(raw tg.MessageClass) forwarding.Message {
	msg, ok := raw.(*tg.Message)
	if !ok {
		return forwarding.Message{ID: int64(raw.GetID()), Kind: forwarding.KindEmpty}
	}

	out := forwarding.Message{
		ID:   int64(msg.ID),
		Kind: forwarding.KindText,
		Text: msg.Message,
	}
	media, hasMedia := msg.GetMedia()
	if !hasMedia {
		return out
	}

	switch md := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := md.GetPhoto()
		if !ok {
			out.Kind = forwarding.KindEmpty
			return out
		}
		p, ok := photo.(*tg.Photo)
		if !ok {
			out.Kind = forwarding.KindEmpty
			return out
		}
		out.Kind = forwarding.KindPhoto
		out.MediaRef = &tg.InputPhoto{
			ID:            p.ID,
			AccessHash:    p.AccessHash,
			FileReference: p.FileReference,
		}
	case *tg.MessageMediaDocument:
		document, ok := md.GetDocument()
		if !ok {
			out.Kind = forwarding.KindEmpty
			return out
		}
		d, ok := document.(*tg.Document)
		if !ok {
			out.Kind = forwarding.KindEmpty
			return out
		}
		out.Kind = forwarding.KindDocument
		out.MIME = d.MimeType
		out.Ext = documentExt(d)
		out.MediaRef = &tg.InputDocument{
			ID:            d.ID,
			AccessHash:    d.AccessHash,
			FileReference: d.FileReference,
		}
	case *tg.MessageMediaWebPage:
		// Превью ссылки: пересылается как обычный текст.
	default:
		// Опросы, геопозиции и прочее не копируются; текст, если есть, уходит.
		if strings.TrimSpace(out.Text) == "" {
			out.Kind = forwarding.KindEmpty
		}
	}
	return out
}

// documentExt извлекает расширение файла документа из атрибута имени.
func documentExt(doc *tg.Document) string {
	for _, attr := range doc.Attributes {
		if fn, ok := attr.(*tg.DocumentAttributeFilename); ok {
			return strings.ToLower(strings.TrimPrefix(filepath.Ext(fn.FileName), "."))
		}
	}
	return ""
}
