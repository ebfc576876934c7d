// Package debug — утилиты отладочной печати апдейтов. Когда DEBUG выключен,
// все функции молчат и не тратят время на форматирование. На поведение демона
// пакет не влияет.
package debug

import (
	"unicode/utf8"

	"github.com/gotd/td/tg"
	"github.com/kr/pretty"

	"telegram-syncd/internal/infra/logger"
)

// DEBUG — глобальный переключатель отладочной печати. Включается переменной
// окружения через config при уровне лога debug.
var DEBUG = false

// textMaxLen ограничивает печатаемый текст, чтобы не раздувать лог.
const textMaxLen = 50

// PrintMessage печатает компактное представление входящего сообщения.
func PrintMessage(prefix string, msg *tg.Message) {
	if !DEBUG || msg == nil {
		return
	}
	text := msg.Message
	// Режем по рунам, а не по байтам, чтобы не порвать UTF-8.
	if utf8.RuneCountInString(text) > textMaxLen {
		runes := []rune(text)
		text = string(runes[:textMaxLen]) + "..."
	}
	logger.Debugf("%s: msg=%d peer=%v text=%q", prefix, msg.ID, msg.PeerID, text)
}

// Dump печатает произвольную структуру апдейта через pretty. Дорого; только
// под DEBUG.
func Dump(prefix string, v any) {
	if !DEBUG {
		return
	}
	logger.Debugf("%s: %# v", prefix, pretty.Formatter(v))
}
