// Классификация ошибок RPC-слоя. Сетевые сбои ведут супервизор в reconnect,
// остальные ошибки поднимаются наверх как TELEGRAM_ERROR.
package telegram

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/gotd/td/pool"
	"github.com/gotd/td/rpc"
)

// IsNetworkError определяет, сигнализирует ли ошибка о сетевой проблеме или
// разрыве. Сетевыми считаются закрытия соединения/движка (pool.ErrConnDead,
// rpc.ErrEngineClosed), исчерпание ретраев, таймауты, EOF и net.Error.
// Контекстная отмена сетевой не считается.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, pool.ErrConnDead) {
		return true
	}
	if errors.Is(err, rpc.ErrEngineClosed) {
		return true
	}
	var retryErr *rpc.RetryLimitReachedErr
	if errors.As(err, &retryErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
