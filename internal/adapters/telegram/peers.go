// Разрешение канонических chat_id в InputPeer по локальному кэшу access hash.
// Базовым группам hash не нужен; пользователям и каналам он берётся из
// users_cache/chats_cache. Промах кэша — не ошибка: воркер сам решает, можно
// ли работать с «голым» пиром.
package telegram

import (
	"context"
	"strconv"

	"github.com/gotd/td/tg"

	"telegram-syncd/internal/domain/cache"
	"telegram-syncd/internal/domain/syncer"
	"telegram-syncd/internal/domain/tgutil"
	"telegram-syncd/internal/infra/errs"
)

// Resolver разрешает пиров по кэшу. Реализует контракт sync-воркера.
type Resolver struct {
	store *cache.Store
}

var _ syncer.PeerResolver = (*Resolver)(nil)

// NewResolver собирает резолвер поверх кэша.
func NewResolver(store *cache.Store) *Resolver {
	return &Resolver{store: store}
}

// ResolvePeer строит InputPeer для канонического chat_id. found=false означает,
// что в кэше нет access hash, без которого пира не собрать.
func (r *Resolver) ResolvePeer(ctx context.Context, chatID string) (tg.InputPeerClass, bool, error) {
	canonical, err := tgutil.ParseID(chatID)
	if err != nil {
		return nil, false, errs.New(errs.InvalidArgs, "bad chat id %q", chatID)
	}
	kind, raw := tgutil.Split(canonical)

	switch kind {
	case tgutil.PeerChat:
		return &tg.InputPeerChat{ChatID: raw}, true, nil

	case tgutil.PeerUser:
		u, err := r.store.Users.GetByID(ctx, chatID)
		if err != nil {
			return nil, false, err
		}
		if u == nil || u.AccessHash == "" {
			return nil, false, nil
		}
		hash, err := strconv.ParseInt(u.AccessHash, 10, 64)
		if err != nil {
			return nil, false, nil
		}
		return &tg.InputPeerUser{UserID: raw, AccessHash: hash}, true, nil

	default:
		c, err := r.store.Chats.GetByID(ctx, chatID)
		if err != nil {
			return nil, false, err
		}
		if c == nil || c.AccessHash == "" {
			return nil, false, nil
		}
		hash, err := strconv.ParseInt(c.AccessHash, 10, 64)
		if err != nil {
			return nil, false, nil
		}
		return &tg.InputPeerChannel{ChannelID: raw, AccessHash: hash}, true, nil
	}
}
