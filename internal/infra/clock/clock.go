// Package clock — единый источник времени и случайных идентификаторов запросов.
// Время инжектируется через узкий интерфейс Clock, чтобы тесты могли управлять
// «сейчас» детерминированно; нонсы — 63-битные случайные числа для random_id
// исходящих сообщений MTProto.
package clock

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
)

// Clock отдаёт текущее время. Все компоненты движка читают время только отсюда.
type Clock interface {
	Now() time.Time
}

// System — обычные часы поверх time.Now.
type System struct{}

// Now возвращает текущее системное время.
func (System) Now() time.Time { return time.Now() }

// Manual — управляемые часы для тестов: время меняется только явными вызовами.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual создаёт ручные часы, установленные в start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now возвращает текущее «ручное» время.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance сдвигает ручные часы вперёд на d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set устанавливает ручные часы в абсолютное значение t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Nonce возвращает случайное 63-битное положительное число. Используется как
// random_id для messages.sendMessage и как контекстный идентификатор запроса.
// Источник — crypto/rand: коллизии между конкурентными воркерами недопустимы.
func Nonce() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand на поддерживаемых платформах не возвращает ошибок;
		// fallback на время оставлен на случай экзотических окружений.
		// UnixNano неотрицателен, маска не нужна.
		return time.Now().UnixNano()
	}
	v := binary.LittleEndian.Uint64(buf[:])
	return int64(v &^ (1 << 63))
}
