// Package tgutil — канонизация идентификаторов Telegram-пиров.
// Кэш хранит chat_id в «знаковой» форме, единой для всех таблиц:
//   - пользователь  → положительный id,
//   - базовая группа → -id,
//   - канал/супергруппа → -(1e12 + id).
//
// Такая схема однозначно обратима: по знаку и величине восстанавливается
// трёхвариантный tg-peer (user | chat | channel).
package tgutil

import (
	"strconv"

	"github.com/gotd/td/tg"
)

// PeerKind — закрытое множество видов пира.
type PeerKind int

const (
	// PeerUser — личный диалог с пользователем.
	PeerUser PeerKind = iota
	// PeerChat — базовая группа.
	PeerChat
	// PeerChannel — канал или супергруппа.
	PeerChannel
)

// channelOffset отделяет идентификаторы каналов от базовых групп в знаковой форме.
const channelOffset int64 = 1_000_000_000_000

// Canonical нормализует tg.PeerClass до знакового идентификатора.
// Возвращает 0 для неизвестного типа peer.
func Canonical(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return -p.ChatID
	case *tg.PeerChannel:
		return -(channelOffset + p.ChannelID)
	default:
		return 0
	}
}

// CanonicalUser возвращает знаковую форму для пользователя.
func CanonicalUser(id int64) int64 { return id }

// CanonicalChat возвращает знаковую форму для базовой группы.
func CanonicalChat(id int64) int64 { return -id }

// CanonicalChannel возвращает знаковую форму для канала/супергруппы.
func CanonicalChannel(id int64) int64 { return -(channelOffset + id) }

// Split раскладывает знаковый идентификатор обратно на вид пира и «сырой» id,
// пригодный для конструирования tg.InputPeer*.
func Split(canonical int64) (PeerKind, int64) {
	switch {
	case canonical >= 0:
		return PeerUser, canonical
	case canonical <= -channelOffset:
		return PeerChannel, -canonical - channelOffset
	default:
		return PeerChat, -canonical
	}
}

// IsUser сообщает, указывает ли знаковый идентификатор на пользователя.
func IsUser(canonical int64) bool { return canonical >= 0 }

// Str переводит знаковый идентификатор в строковую форму для ключей кэша.
func Str(canonical int64) string { return strconv.FormatInt(canonical, 10) }

// ParseID разбирает строковый ключ кэша обратно в знаковый идентификатор.
func ParseID(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) }

// InputPeer строит tg.InputPeerClass из знакового идентификатора и access hash.
// Для пользователей и каналов без hash получается «голый» peer: сервер примет
// его только от клиента, уже видевшего пира в этой сессии.
func InputPeer(canonical int64, accessHash int64) tg.InputPeerClass {
	kind, raw := Split(canonical)
	switch kind {
	case PeerUser:
		return &tg.InputPeerUser{UserID: raw, AccessHash: accessHash}
	case PeerChat:
		return &tg.InputPeerChat{ChatID: raw}
	default:
		return &tg.InputPeerChannel{ChannelID: raw, AccessHash: accessHash}
	}
}
