package telegram

import (
	"context"
	"io"
	"net"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tgerr"

	"telegram-forwarder/internal/domain/forwarding"
)

// classify переводит сырую ошибку MTProto в доменный класс. Не распознанные
// ошибки возвращаются как есть: для воркера это unexpected и конец задачи.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &forwarding.FloodWaitError{Duration: wait}
	}

	switch {
	case tgerr.Is(err, "CHAT_WRITE_FORBIDDEN", "CHAT_ADMIN_REQUIRED", "USER_BANNED_IN_CHANNEL", "CHAT_SEND_PLAIN_FORBIDDEN", "CHAT_SEND_MEDIA_FORBIDDEN"):
		return errors.Wrap(forwarding.ErrWriteForbidden, err.Error())
	case tgerr.Is(err, "USERNAME_NOT_OCCUPIED", "USERNAME_INVALID", "PEER_ID_INVALID", "CHANNEL_INVALID", "CHAT_ID_INVALID"):
		return errors.Wrap(forwarding.ErrNotFound, err.Error())
	case tgerr.Is(err, "CHANNEL_PRIVATE", "CHAT_FORBIDDEN"):
		return errors.Wrap(forwarding.ErrPrivateForbidden, err.Error())
	case tgerr.Is(err, "AUTH_KEY_UNREGISTERED", "AUTH_KEY_INVALID", "SESSION_REVOKED", "SESSION_EXPIRED", "USER_DEACTIVATED"):
		return errors.Wrap(forwarding.ErrNotAuthorized, err.Error())
	}

	if rpcErr, ok := tgerr.As(err); ok && rpcErr.Code >= 500 {
		return errors.Wrap(forwarding.ErrTransient, err.Error())
	}
	if isNetworkError(err) {
		return errors.Wrap(forwarding.ErrTransient, err.Error())
	}
	return err
}

// isNetworkError распознаёт сетевые сбои, после которых операцию стоит повторить.
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}
