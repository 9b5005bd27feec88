package telegram

import (
	"context"
	"fmt"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"golang.org/x/term"
)

// TerminalAuthenticator проводит интерактивный вход аккаунта через терминал:
// код подтверждения читается через readline, пароль 2FA — без эха.
type TerminalAuthenticator struct {
	PhoneNumber string
}

var _ auth.UserAuthenticator = TerminalAuthenticator{}

// Phone возвращает номер телефона без запроса: он известен заранее.
func (a TerminalAuthenticator) Phone(context.Context) (string, error) {
	return a.PhoneNumber, nil
}

// Code запрашивает у оператора код подтверждения из Telegram.
func (a TerminalAuthenticator) Code(_ context.Context, _ *tg.AuthSentCode) (string, error) {
	rl, err := readline.New(fmt.Sprintf("Code for %s: ", a.PhoneNumber))
	if err != nil {
		return "", errors.Wrap(err, "init readline")
	}
	defer func() { _ = rl.Close() }()

	line, err := rl.Readline()
	if err != nil {
		return "", errors.Wrap(err, "read code")
	}
	code := strings.TrimSpace(line)
	if code == "" {
		return "", errors.New("empty confirmation code")
	}
	return code, nil
}

// Password запрашивает пароль двухфакторной аутентификации без эха в терминал.
func (a TerminalAuthenticator) Password(context.Context) (string, error) {
	fmt.Print("2FA password: ")
	raw, err := term.ReadPassword(syscall.Stdin)
	fmt.Println()
	if err != nil {
		return "", errors.Wrap(err, "read password")
	}
	return string(raw), nil
}

// AcceptTermsOfService молча принимает условия обслуживания.
func (a TerminalAuthenticator) AcceptTermsOfService(context.Context, tg.HelpTermsOfService) error {
	return nil
}

// SignUp отклоняется: движок работает только с существующими аккаунтами.
func (a TerminalAuthenticator) SignUp(context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, errors.New("sign up is not supported, register the account first")
}
