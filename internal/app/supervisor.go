// Супервизор соединения одного аккаунта: конечный автомат
// connecting → connected → error → reconnecting с экспоненциальным бэкофом и
// терминальным состоянием после исчерпания попыток. Сетевой цикл gotd живёт в
// отдельной горутине; супервизор следит за его завершением, гоняет health-пробу
// и решает, когда переподключаться.
package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gotd/td/tg"

	"telegram-syncd/internal/adapters/telegram"
	"telegram-syncd/internal/domain/cache"
	"telegram-syncd/internal/domain/syncer"
	"telegram-syncd/internal/infra/clock"
	"telegram-syncd/internal/infra/config"
	"telegram-syncd/internal/infra/errs"
	"telegram-syncd/internal/infra/logger"
)

// State — состояние супервизора.
type State int32

const (
	// StateConnecting — идёт первая или повторная попытка соединения.
	StateConnecting State = iota
	// StateConnected — соединение установлено, апдейты текут.
	StateConnected
	// StateError — соединение потеряно, ждём срока переподключения.
	StateError
	// StateReconnecting — срок подошёл, выполняется переподключение.
	StateReconnecting
	// StateTerminal — попытки исчерпаны, аккаунт выведен из работы.
	StateTerminal
)

// String возвращает имя состояния для логов и status-строк.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "terminal"
	}
}

// Supervisor управляет соединением одного аккаунта и владеет его sync-воркером.
type Supervisor struct {
	account cache.Account
	client  *telegram.Client
	worker  *syncer.Worker
	store   *cache.Store
	clk     clock.Clock
	rc      config.ReconnectConfig

	state        atomic.Int32
	attempts     atomic.Int32
	lastActivity atomic.Int64 // unix ms
	selfID       atomic.Int64

	mu              sync.Mutex
	nextReconnectAt time.Time
	runCancel       context.CancelFunc
	runDone         chan struct{}

	// onIdentity вызывается после удачного getMe: демон записывает user_id и
	// сливает дубликаты аккаунтов.
	onIdentity func(ctx context.Context, accountID int64, self *tg.User) error
}

// NewSupervisor собирает супервизор аккаунта. Воркера назначает демон после
// создания, когда готов планировщик.
func NewSupervisor(account cache.Account, client *telegram.Client, store *cache.Store,
	rc config.ReconnectConfig, clk clock.Clock,
	onIdentity func(ctx context.Context, accountID int64, self *tg.User) error) *Supervisor {
	if clk == nil {
		clk = clock.System{}
	}
	s := &Supervisor{
		account:    account,
		client:     client,
		store:      store,
		clk:        clk,
		rc:         rc,
		onIdentity: onIdentity,
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// SetWorker привязывает sync-воркер аккаунта.
func (s *Supervisor) SetWorker(w *syncer.Worker) { s.worker = w }

// Worker возвращает sync-воркер аккаунта.
func (s *Supervisor) Worker() *syncer.Worker { return s.worker }

// Account возвращает аккаунт супервизора.
func (s *Supervisor) Account() cache.Account { return s.account }

// Client возвращает клиент аккаунта.
func (s *Supervisor) Client() *telegram.Client { return s.client }

// State возвращает текущее состояние.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// TouchActivity отмечает полезную активность аккаунта (вызывается хэндлерами).
func (s *Supervisor) TouchActivity() {
	s.lastActivity.Store(s.clk.Now().UnixMilli())
}

// Connect запускает сетевой цикл в фоне и ждёт исхода первой попытки:
// либо клиент дошёл до connected, либо цикл завершился с ошибкой.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.state.Store(int32(StateConnecting))

	connected := make(chan struct{})
	errCh := make(chan error, 1)
	s.startRun(ctx, connected, errCh)

	select {
	case <-connected:
		return nil
	case err := <-errCh:
		s.noteFailure(err)
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startRun поднимает горутину с client.Run. connected закрывается после
// первой удачной инициализации, errCh получает ошибку завершения цикла.
func (s *Supervisor) startRun(ctx context.Context, connected chan struct{}, errCh chan error) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.runCancel = cancel
	s.runDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		err := s.client.Run(runCtx, func(ctx context.Context, self *tg.User) error {
			s.selfID.Store(self.ID)
			if s.onIdentity != nil {
				if err := s.onIdentity(ctx, s.account.ID, self); err != nil {
					return err
				}
			}
			s.state.Store(int32(StateConnected))
			s.attempts.Store(0)
			s.TouchActivity()
			select {
			case <-connected:
			default:
				close(connected)
			}
			return nil
		})
		if err != nil && runCtx.Err() == nil {
			s.noteFailure(err)
			select {
			case errCh <- err:
			default:
			}
		}
	}()
}

// noteFailure переводит супервизор в error/terminal и планирует переподключение.
func (s *Supervisor) noteFailure(err error) {
	if State(s.state.Load()) == StateTerminal {
		return
	}
	attempt := s.attempts.Add(1)

	if errs.KindOf(err) == errs.AuthRequired {
		logger.Errorf("supervisor[%d]: session invalid, giving up: %v", s.account.ID, err)
		s.state.Store(int32(StateTerminal))
		return
	}
	if int(attempt) > s.rc.MaxAttempts {
		logger.Errorf("supervisor[%d]: %d reconnect attempts exhausted, giving up", s.account.ID, attempt-1)
		s.state.Store(int32(StateTerminal))
		return
	}

	delay := s.backoffDelay(int(attempt))
	s.mu.Lock()
	s.nextReconnectAt = s.clk.Now().Add(delay)
	s.mu.Unlock()
	s.state.Store(int32(StateError))
	logger.Warnf("supervisor[%d]: connection lost (attempt %d, retry in %s): %v",
		s.account.ID, attempt, delay, err)
}

// backoffDelay считает задержку по формуле min(initial * mult^(attempt-1), max).
// Использует backoff.ExponentialBackOff как носитель параметров, чтобы
// джиттер и форма кривой совпадали с остальной экосистемой.
func (s *Supervisor) backoffDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.rc.InitialDelay
	b.MaxInterval = s.rc.MaxDelay
	b.Multiplier = s.rc.BackoffMultiplier
	b.RandomizationFactor = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay > s.rc.MaxDelay {
		delay = s.rc.MaxDelay
	}
	return delay
}

// Tick выполняет периодическое обслуживание: health-пробу в connected и
// переподключение в error, когда срок подошёл. Вызывается демоном каждые ~10 с.
func (s *Supervisor) Tick(ctx context.Context) {
	switch State(s.state.Load()) {
	case StateConnected:
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := s.client.Self(probeCtx)
		cancel()
		if _, rateLimited := errs.IsRateLimited(err); err != nil && !rateLimited {
			s.stopRun()
			s.noteFailure(err)
		}
	case StateError:
		s.mu.Lock()
		due := !s.clk.Now().Before(s.nextReconnectAt)
		s.mu.Unlock()
		if !due {
			return
		}
		s.state.Store(int32(StateReconnecting))
		logger.Infof("supervisor[%d]: reconnecting (attempt %d)", s.account.ID, s.attempts.Load())
		connected := make(chan struct{})
		errCh := make(chan error, 1)
		s.startRun(ctx, connected, errCh)
	case StateConnecting, StateReconnecting, StateTerminal:
	}
}

// stopRun гасит текущий сетевой цикл и дожидается его завершения.
func (s *Supervisor) stopRun() {
	s.mu.Lock()
	cancel := s.runCancel
	done := s.runDone
	s.runCancel = nil
	s.runDone = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Close останавливает сетевой цикл и освобождает ресурсы клиента.
func (s *Supervisor) Close() {
	s.stopRun()
	if err := s.client.Close(); err != nil {
		logger.Warnf("supervisor[%d]: close client: %v", s.account.ID, err)
	}
}
