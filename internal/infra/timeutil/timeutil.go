// Пакет timeutil содержит служебные функции для работы со временем,
// в первую очередь — парсинг компактных строк длительности из config.json.
package timeutil

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// множители единиц длительности относительно одной секунды.
const (
	secondsInMinute = 60
	secondsInHour   = 60 * secondsInMinute
	secondsInDay    = 24 * secondsInHour
	secondsInWeek   = 7 * secondsInDay
)

// ParseDuration разбирает строку вида "<n>(s|m|h|d|w)" — например "30s", "15m",
// "1h", "7d", "2w" — и возвращает time.Duration. Число должно быть целым и
// положительным, суффикс обязателен. Пробелы по краям игнорируются.
func ParseDuration(value string) (time.Duration, error) {
	v := strings.TrimSpace(strings.ToLower(value))
	if len(v) < 2 {
		return 0, fmt.Errorf("invalid duration %q: expected <n>(s|m|h|d|w)", value)
	}

	unit := v[len(v)-1]
	numPart := v[:len(v)-1]
	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid duration %q: value must be positive", value)
	}

	var seconds int64
	switch unit {
	case 's':
		seconds = n
	case 'm':
		seconds = n * secondsInMinute
	case 'h':
		seconds = n * secondsInHour
	case 'd':
		seconds = n * secondsInDay
	case 'w':
		seconds = n * secondsInWeek
	default:
		return 0, fmt.Errorf("invalid duration %q: unknown unit %q", value, string(unit))
	}

	return time.Duration(seconds) * time.Second, nil
}

// ParseDurationMS — то же, что ParseDuration, но возвращает миллисекунды.
// Формат хранения длительностей в конфигурации и кэше — целые миллисекунды.
func ParseDurationMS(value string) (int64, error) {
	d, err := ParseDuration(value)
	if err != nil {
		return 0, err
	}
	return d.Milliseconds(), nil
}

// FormatDuration возвращает каноничное строковое представление длительности
// в самой крупной единице, на которую она делится без остатка.
func FormatDuration(d time.Duration) string {
	seconds := int64(d / time.Second)
	switch {
	case seconds > 0 && seconds%secondsInWeek == 0:
		return strconv.FormatInt(seconds/secondsInWeek, 10) + "w"
	case seconds > 0 && seconds%secondsInDay == 0:
		return strconv.FormatInt(seconds/secondsInDay, 10) + "d"
	case seconds > 0 && seconds%secondsInHour == 0:
		return strconv.FormatInt(seconds/secondsInHour, 10) + "h"
	case seconds > 0 && seconds%secondsInMinute == 0:
		return strconv.FormatInt(seconds/secondsInMinute, 10) + "m"
	default:
		return strconv.FormatInt(seconds, 10) + "s"
	}
}
