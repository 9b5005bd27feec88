package telegram

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/tg"
	"golang.org/x/time/rate"

	"telegram-forwarder/internal/domain/accounts"
	"telegram-forwarder/internal/domain/forwarding"
	"telegram-forwarder/internal/infra/logger"
)

// Options — параметры подключения аккаунта к Telegram.
type Options struct {
	APIID   int
	APIHash string
	// TestDC переключает клиент на тестовые дата-центры Telegram.
	TestDC bool
}

// Жёсткий нижний предел между RPC-вызовами одного аккаунта. Это страховка
// поверх регулятора задач: под него попадают и служебные вызовы.
const (
	rpcRateEvery = 100 * time.Millisecond
	rpcRateBurst = 3
)

// Client — живая связь одного аккаунта: фоновая горутина держит соединение
// gotd, методы Transport выполняют RPC поверх него.
type Client struct {
	accountID string
	registry  *accounts.Registry

	client *telegram.Client
	api    *tg.Client

	cancel  context.CancelFunc
	runDone chan error
}

var _ forwarding.Transport = (*Client)(nil)

// buildClient собирает telegram.Client с хранилищем сессии в реестре и
// ограничителем темпа RPC.
func buildClient(registry *accounts.Registry, accountID string, opts Options) *telegram.Client {
	tgOpts := telegram.Options{
		SessionStorage: &sessionStore{registry: registry, accountID: accountID},
		Middlewares: []telegram.Middleware{
			ratelimit.New(rate.Every(rpcRateEvery), rpcRateBurst),
		},
		Device: telegram.DeviceConfig{
			DeviceModel:    "telegram-forwarder",
			SystemVersion:  "linux",
			AppVersion:     "1.0.0",
			LangCode:       "en",
			SystemLangCode: "en",
		},
	}
	if opts.TestDC {
		tgOpts.DCList = dcs.Test()
	}
	return telegram.NewClient(opts.APIID, opts.APIHash, tgOpts)
}

// Connect устанавливает связь аккаунта и проверяет авторизацию сессии.
// Возвращённый Client живёт до Close независимо от ctx вызова; ctx ограничивает
// только само подключение. Аккаунт резервируется в реестре: вторая живая
// связь под тем же блобом сессии невозможна.
func Connect(ctx context.Context, registry *accounts.Registry, accountID string, opts Options) (*Client, error) {
	if err := registry.AcquireLive(accountID); err != nil {
		return nil, err
	}

	client := buildClient(registry, accountID, opts)
	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		accountID: accountID,
		registry:  registry,
		client:    client,
		api:       client.API(),
		cancel:    cancel,
		runDone:   make(chan error, 1),
	}

	ready := make(chan struct{})
	go func() {
		c.runDone <- client.Run(runCtx, func(ctx context.Context) error {
			status, err := client.Auth().Status(ctx)
			if err != nil {
				return errors.Wrap(err, "auth status")
			}
			if !status.Authorized {
				return errors.Wrap(forwarding.ErrNotAuthorized, "session not authorized")
			}
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	select {
	case <-ready:
	case err := <-c.runDone:
		cancel()
		registry.ReleaseLive(accountID)
		if serr := registry.SetStatus(accountID, accounts.StatusFailed, err.Error()); serr != nil {
			logger.Errorf("telegram: set account status %s: %v", accountID, serr)
		}
		return nil, classify(err)
	case <-ctx.Done():
		cancel()
		<-c.runDone
		registry.ReleaseLive(accountID)
		return nil, ctx.Err()
	}

	if err := registry.SetStatus(accountID, accounts.StatusAuthenticated, ""); err != nil {
		logger.Errorf("telegram: set account status %s: %v", accountID, err)
	}
	registry.Touch(accountID)
	logger.Infof("telegram: account %s connected", accountID)
	return c, nil
}

// AccountID возвращает идентификатор аккаунта связи.
func (c *Client) AccountID() string { return c.accountID }

// Close разрывает соединение и освобождает аккаунт в реестре.
func (c *Client) Close() error {
	c.cancel()
	err := <-c.runDone
	c.registry.ReleaseLive(c.accountID)
	if serr := c.registry.SetStatus(c.accountID, accounts.StatusDisconnected, ""); serr != nil {
		logger.Errorf("telegram: set account status %s: %v", c.accountID, serr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Login проводит интерактивную авторизацию аккаунта в терминале: код
// подтверждения, при необходимости пароль 2FA. Сессия сохраняется в реестре.
func Login(ctx context.Context, registry *accounts.Registry, accountID string, opts Options) error {
	acc, ok := registry.Get(accountID)
	if !ok {
		return accounts.ErrNotFound
	}
	if err := registry.AcquireLive(accountID); err != nil {
		return err
	}
	defer registry.ReleaseLive(accountID)

	if err := registry.SetStatus(accountID, accounts.StatusAuthenticating, ""); err != nil {
		return err
	}

	client := buildClient(registry, accountID, opts)
	err := client.Run(ctx, func(ctx context.Context) error {
		flow := auth.NewFlow(TerminalAuthenticator{PhoneNumber: acc.Phone}, auth.SendCodeOptions{})
		if err := client.Auth().IfNecessary(ctx, flow); err != nil {
			return errors.Wrap(err, "auth flow")
		}
		return nil
	})
	if err != nil {
		if serr := registry.SetStatus(accountID, accounts.StatusFailed, err.Error()); serr != nil {
			logger.Errorf("telegram: set account status %s: %v", accountID, serr)
		}
		return classify(err)
	}

	registry.Touch(accountID)
	logger.Infof("telegram: account %s (%s) authorized", accountID, acc.Phone)
	return registry.SetStatus(accountID, accounts.StatusAuthenticated, "")
}
