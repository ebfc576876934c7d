// Package concurrency — вспомогательная инфраструктура конкурентного исполнения.
// Deduplicator — потокобезопасный кэш «недавно видели», подавляющий повторную
// обработку одинаковых апдейтов Telegram в пределах окна времени. Идемпотентность
// кэша сообщений он не заменяет, но избавляет от лишних транзакций в SQLite,
// когда сервер доставляет один и тот же апдейт несколько раз.

package concurrency

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Deduplicator хранит сигнатуры недавно обработанных событий. Ключ формируется
// как `<chatID>:<msgID>:<editDate>`; правка сообщения меняет editDate и тем самым
// снимает дедупликацию для нового содержимого. Структура потокобезопасна.
type Deduplicator struct {
	mu     sync.Mutex           // защищает карту seen от параллельных горутин
	seen   map[string]time.Time // key -> expireAt
	window time.Duration        // окно, в пределах которого событие считается повтором

	runMu  sync.Mutex         // защищает старт/остановку фоновой очистки
	cancel context.CancelFunc // завершает цикл очистки, если он был запущен
	wg     sync.WaitGroup     // дожидается фоновой горутины при остановке
}

// NewDeduplicator создаёт кэш подавления повторов с заданным окном.
// Неположительное окно означает «повторов нет» — каждый вызов Seen вернёт false.
func NewDeduplicator(window time.Duration) *Deduplicator {
	return &Deduplicator{
		seen:   make(map[string]time.Time),
		window: window,
	}
}

// Start поднимает фоновую горутину очистки устаревших ключей. Повторные вызовы
// безопасны и игнорируются. Если передан nil-контекст, запуск отменяется.
func (d *Deduplicator) Start(ctx context.Context) {
	if ctx == nil {
		return
	}

	d.runMu.Lock()
	defer d.runMu.Unlock()

	if d.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Go(func() {
		// Раз в минуту вычищаем просроченные записи, чтобы карта не росла бесконечно.
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				d.Cleanup()
			}
		}
	})
}

// Stop корректно завершает фоновую очистку и дожидается её окончания.
func (d *Deduplicator) Stop() {
	d.runMu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.runMu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	d.wg.Wait()
}

// Seen сообщает, видели ли уже событие с сигнатурой `<chatID>:<msgID>:<editDate>`
// в пределах окна. Возвращает true для повтора; иначе регистрирует новую запись
// с истечением через window и возвращает false.
func (d *Deduplicator) Seen(chatID int64, msgID int, editDate int) bool {
	if d.window <= 0 {
		return false
	}
	key := fmt.Sprintf("%d:%d:%d", chatID, msgID, editDate)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return true
	}
	d.seen[key] = now.Add(d.window)
	return false
}

// Cleanup удаляет из карты все записи с истёкшим сроком. Метод потокобезопасен
// и может вызываться как фоново (через Start), так и синхронно.
func (d *Deduplicator) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for k, exp := range d.seen {
		if now.After(exp) {
			delete(d.seen, k)
		}
	}
}
