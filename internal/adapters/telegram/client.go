// Package telegram — адаптер MTProto поверх gotd. На каждый аккаунт создаётся
// свой Client: сетевой клиент gotd с файловой сессией, менеджер апдейтов с
// bbolt-хранилищем состояния и фасад RPC-вызовов. Каждый вызов проходит через
// обёртку invoke: отказ при действующем flood-wait, учёт вызова в лимитере,
// замер латентности, запись в журнал api_activity и классификация ошибок по
// таксономии движка.
package telegram

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/time/rate"

	boltstor "github.com/gotd/contrib/bbolt"
	tgratelimit "github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"telegram-syncd/internal/domain/cache"
	"telegram-syncd/internal/domain/ratelimit"
	"telegram-syncd/internal/domain/syncer"
	"telegram-syncd/internal/infra/clock"
	"telegram-syncd/internal/infra/errs"
	"telegram-syncd/internal/infra/logger"
	"telegram-syncd/internal/infra/storage"
	"telegram-syncd/internal/support/version"
)

// defaultRPS — клиентское сглаживание исходящих RPC; грубый серверный контроль
// остаётся за flood-wait ledger.
const defaultRPS = 10

// Options — параметры сборки клиента одного аккаунта.
type Options struct {
	AccountID        int64
	APIID            int
	APIHash          string
	SessionPath      string
	UpdatesStatePath string
	TestDC           bool

	Store    *cache.Store
	Limiter  *ratelimit.Limiter
	Activity *ratelimit.Activity
	Clock    clock.Clock
}

// Client — фасад MTProto одного аккаунта.
type Client struct {
	accountID int64
	tgc       *telegram.Client
	api       *tg.Client
	mgr       *tgupdates.Manager
	disp      tg.UpdateDispatcher
	bolt      *bbolt.DB

	store    *cache.Store
	limiter  *ratelimit.Limiter
	activity *ratelimit.Activity
	clk      clock.Clock
}

// New собирает клиент аккаунта: сессия, диспетчер, менеджер апдейтов,
// RPS-мидлварь. Сетевое соединение не открывается до Run.
func New(opts Options) (*Client, error) {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}

	dispatcher := tg.NewUpdateDispatcher()

	if err := storage.EnsureDir(opts.UpdatesStatePath); err != nil {
		return nil, fmt.Errorf("ensure updates state dir: %w", err)
	}
	boltDB, err := bbolt.Open(opts.UpdatesStatePath, storage.DefaultFilePerm, nil)
	if err != nil {
		return nil, fmt.Errorf("open updates state %s: %w", opts.UpdatesStatePath, err)
	}

	mgr := tgupdates.New(tgupdates.Config{
		Handler: dispatcher,
		Storage: boltstor.NewStateStorage(boltDB),
	})

	options := telegram.Options{
		SessionStorage: &FileStorage{Path: opts.SessionPath},
		UpdateHandler:  mgr,
		Middlewares: []telegram.Middleware{
			tgratelimit.New(rate.Limit(defaultRPS), defaultRPS*2),
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   "telegram-syncd",
			SystemVersion: "linux",
			AppVersion:    version.Version,
		},
	}
	if opts.TestDC {
		options.DCList = dcs.Test()
	}

	tgc := telegram.NewClient(opts.APIID, opts.APIHash, options)
	return &Client{
		accountID: opts.AccountID,
		tgc:       tgc,
		api:       tgc.API(),
		mgr:       mgr,
		disp:      dispatcher,
		bolt:      boltDB,
		store:     opts.Store,
		limiter:   opts.Limiter,
		activity:  opts.Activity,
		clk:       opts.Clock,
	}, nil
}

// Dispatcher отдаёт диспетчер апдейтов для регистрации хэндлеров.
func (c *Client) Dispatcher() *tg.UpdateDispatcher { return &c.disp }

// AccountID возвращает id аккаунта, которому принадлежит клиент.
func (c *Client) AccountID() int64 { return c.accountID }

// Run держит соединение: проверяет авторизацию, сообщает self наружу и
// блокируется в менеджере апдейтов до отмены контекста или сетевого сбоя.
// Авторизацию демон не проводит: без валидной сессии возвращается AUTH_REQUIRED.
func (c *Client) Run(ctx context.Context, onConnected func(ctx context.Context, self *tg.User) error) error {
	return c.tgc.Run(ctx, func(ctx context.Context) error {
		status, err := c.tgc.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("auth status: %w", err)
		}
		if !status.Authorized {
			return errs.New(errs.AuthRequired,
				"account %d has no authorized session", c.accountID)
		}
		self, err := c.tgc.Self(ctx)
		if err != nil {
			return fmt.Errorf("get self: %w", err)
		}
		logger.Infof("telegram: account %d connected as user %d", c.accountID, self.ID)

		if onConnected != nil {
			if err := onConnected(ctx, self); err != nil {
				return err
			}
		}
		return c.mgr.Run(ctx, c.api, self.ID, tgupdates.AuthOptions{IsBot: self.Bot})
	})
}

// Self выполняет лёгкий RPC-пробник готовности соединения.
func (c *Client) Self(ctx context.Context) (*tg.User, error) {
	var self *tg.User
	err := c.invoke(ctx, "users.getUsers", func(ctx context.Context) error {
		var err error
		self, err = c.tgc.Self(ctx)
		return err
	})
	return self, err
}

// Close закрывает локальные ресурсы клиента (bbolt-состояние апдейтов).
func (c *Client) Close() error {
	if c.bolt != nil {
		return c.bolt.Close()
	}
	return nil
}

// History качает одну страницу истории чата. Реализует контракт sync-воркера.
func (c *Client) History(ctx context.Context, peer tg.InputPeerClass, req syncer.HistoryRequest) (*syncer.HistoryResult, error) {
	limit := req.Limit
	if limit <= 0 || limit > syncer.PageLimit {
		limit = syncer.PageLimit
	}

	var raw tg.MessagesMessagesClass
	err := c.invoke(ctx, "messages.getHistory", func(ctx context.Context) error {
		var err error
		raw, err = c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:     peer,
			OffsetID: req.OffsetID,
			MinID:    req.MinID,
			Limit:    limit,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	switch m := raw.(type) {
	case *tg.MessagesMessages:
		return &syncer.HistoryResult{Messages: m.Messages, Users: m.Users, Chats: m.Chats}, nil
	case *tg.MessagesMessagesSlice:
		return &syncer.HistoryResult{Messages: m.Messages, Users: m.Users, Chats: m.Chats}, nil
	case *tg.MessagesChannelMessages:
		return &syncer.HistoryResult{Messages: m.Messages, Users: m.Users, Chats: m.Chats}, nil
	case *tg.MessagesMessagesNotModified:
		return &syncer.HistoryResult{}, nil
	default:
		return nil, errs.New(errs.TelegramError, "unexpected history response %T", raw)
	}
}

// SendMessage отправляет текст в указанный чат. random_id — 63-битный nonce.
func (c *Client) SendMessage(ctx context.Context, peer tg.InputPeerClass, text string) error {
	return c.invoke(ctx, "messages.sendMessage", func(ctx context.Context) error {
		_, err := c.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
			Peer:     peer,
			Message:  text,
			RandomID: clock.Nonce(),
		})
		return err
	})
}

// ResolveUsername разрешает публичный ник в пиров и складывает их в кэш.
func (c *Client) ResolveUsername(ctx context.Context, username string) (*cache.User, error) {
	var res *tg.ContactsResolvedPeer
	err := c.invoke(ctx, "contacts.resolveUsername", func(ctx context.Context) error {
		var err error
		res, err = c.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
			Username: cache.NormalizeUsername(username),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.storeResolved(ctx, res.Users, res.Chats)
}

// ResolvePhone разрешает телефон в пользователя и складывает его в кэш.
func (c *Client) ResolvePhone(ctx context.Context, phone string) (*cache.User, error) {
	var res *tg.ContactsResolvedPeer
	err := c.invoke(ctx, "contacts.resolvePhone", func(ctx context.Context) error {
		var err error
		res, err = c.api.ContactsResolvePhone(ctx, cache.NormalizePhone(phone))
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.storeResolved(ctx, res.Users, res.Chats)
}

// GetUsers запрашивает пользователей по input-ссылкам и обновляет кэш.
func (c *Client) GetUsers(ctx context.Context, ids []tg.InputUserClass) ([]cache.User, error) {
	var raw []tg.UserClass
	err := c.invoke(ctx, "users.getUsers", func(ctx context.Context) error {
		var err error
		raw, err = c.api.UsersGetUsers(ctx, ids)
		return err
	})
	if err != nil {
		return nil, err
	}

	var users []cache.User
	for _, u := range raw {
		if parsed, ok := syncer.ParseUser(u); ok {
			users = append(users, parsed)
		}
	}
	if err := c.store.Users.UpsertMany(ctx, users); err != nil {
		return nil, err
	}
	return users, nil
}

// storeResolved обновляет кэши пользователей и чатов из ответа resolve-вызова
// и возвращает первого пользователя (его и искали).
func (c *Client) storeResolved(ctx context.Context, rawUsers []tg.UserClass, rawChats []tg.ChatClass) (*cache.User, error) {
	var first *cache.User
	var users []cache.User
	for _, u := range rawUsers {
		if parsed, ok := syncer.ParseUser(u); ok {
			users = append(users, parsed)
			if first == nil {
				cp := parsed
				first = &cp
			}
		}
	}
	if err := c.store.Users.UpsertMany(ctx, users); err != nil {
		return nil, err
	}

	var chats []cache.Chat
	for _, ch := range rawChats {
		if parsed, ok := syncer.ParseChat(ch); ok {
			chats = append(chats, parsed)
		}
	}
	if err := c.store.Chats.UpsertMany(ctx, chats); err != nil {
		return nil, err
	}
	return first, nil
}

// invoke — общая обёртка RPC-вызова: flood-wait ledger до и после, учёт вызова,
// латентность, журнал активности, классификация ошибки.
func (c *Client) invoke(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	if blocked, err := c.limiter.IsBlocked(ctx, method); err != nil {
		return err
	} else if blocked {
		wait, err := c.limiter.GetWaitTime(ctx, method)
		if err != nil {
			return err
		}
		return errs.NewRateLimited(method, wait)
	}

	if err := c.limiter.RecordCall(ctx, method); err != nil {
		logger.Warnf("telegram: record call %s: %v", method, err)
	}

	start := c.clk.Now()
	callErr := fn(ctx)
	elapsed := c.clk.Now().Sub(start)

	code := ""
	if callErr != nil {
		code = errorCode(callErr)
	}
	if err := c.activity.Record(ctx, method, callErr == nil, code, elapsed.Milliseconds(),
		callContextID(c.accountID)); err != nil {
		logger.Debugf("telegram: record activity %s: %v", method, err)
	}

	if callErr == nil {
		return nil
	}
	return c.classify(ctx, method, callErr)
}

// classify переводит ошибку gotd в таксономию движка. Flood-wait попутно
// записывается в ledger, чтобы параллельные воркеры увидели блокировку.
func (c *Client) classify(ctx context.Context, method string, err error) error {
	if wait, ok := tgerr.AsFloodWait(err); ok {
		seconds := int(wait / time.Second)
		if seconds <= 0 {
			seconds = 1
		}
		if ledgerErr := c.limiter.SetFloodWait(ctx, method, seconds); ledgerErr != nil {
			logger.Errorf("telegram: set flood wait %s: %v", method, ledgerErr)
		}
		return errs.NewRateLimited(method, seconds)
	}
	if tgerr.Is(err, "AUTH_KEY_UNREGISTERED") {
		return errs.Wrap(errs.AuthRequired, err, "session for account %d is no longer valid", c.accountID)
	}
	if IsNetworkError(err) {
		return errs.Wrap(errs.NetworkError, err, "%s failed", method)
	}
	return errs.Wrap(errs.TelegramError, err, "%s failed", method)
}

// callContextID строит контекст записи журнала: аккаунт плюс корреляционный
// uuid вызова, чтобы записи одного RPC можно было связать между собой.
func callContextID(accountID int64) string {
	return fmt.Sprintf("acc:%d/%s", accountID, ratelimit.NewContextID())
}

// errorCode достаёт строковый код ошибки Telegram для журнала активности.
func errorCode(err error) string {
	rpcErr, ok := tgerr.As(err)
	if !ok {
		return "INTERNAL"
	}
	return rpcErr.Type
}
