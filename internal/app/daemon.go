// Package app — композиционный корень демона синхронизации. Daemon собирает
// базы, кэш, лимитер, планировщик и по супервизору на аккаунт, затем крутит
// главный цикл: раздаёт задания воркерам, гоняет health-пробы, обновляет
// status-строки и периодически чистит протухшее. Завершение — по
// SIGTERM/SIGINT с таймаутом на graceful shutdown.
package app

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gotd/td/tg"

	"telegram-syncd/internal/adapters/telegram"
	"telegram-syncd/internal/domain/cache"
	"telegram-syncd/internal/domain/ratelimit"
	"telegram-syncd/internal/domain/scheduler"
	"telegram-syncd/internal/domain/syncer"
	"telegram-syncd/internal/domain/tgutil"
	"telegram-syncd/internal/infra/clock"
	"telegram-syncd/internal/infra/concurrency"
	"telegram-syncd/internal/infra/config"
	"telegram-syncd/internal/infra/errs"
	"telegram-syncd/internal/infra/logger"
	"telegram-syncd/internal/infra/pidfile"
	"telegram-syncd/internal/infra/sqlite"
)

const (
	// tickInterval — период главного цикла.
	tickInterval = time.Second
	// healthEvery — каждый сколький тик гоняются health-пробы супервизоров.
	healthEvery = 10
	// maintenanceEvery — каждый сколький тик выполняется фоновая уборка.
	maintenanceEvery = 300
	// dedupWindow — окно подавления повторных апдейтов.
	dedupWindow = 5 * time.Minute
	// historyMethod — метод, блокировка которого делает задание недиспетчеризуемым.
	historyMethod = "messages.getHistory"
)

// Daemon — один процесс синхронизации всех аккаунтов.
type Daemon struct {
	clk clock.Clock

	dataDB  *sql.DB
	cacheDB *sql.DB
	store   *cache.Store

	limiter  *ratelimit.Limiter
	activity *ratelimit.Activity
	sched    *scheduler.Scheduler
	status   *StatusService
	dup      *concurrency.Deduplicator
	pid      *pidfile.File

	sups []*Supervisor

	shutdownRequested atomic.Bool
	totalSynced       atomic.Int64
}

// NewDaemon создаёт пустой каркас демона. clk == nil означает системные часы.
func NewDaemon(clk clock.Clock) *Daemon {
	if clk == nil {
		clk = clock.System{}
	}
	return &Daemon{clk: clk}
}

// Run поднимает демон и блокируется до завершения. Возвращаемая ошибка несёт
// kind таксономии, по которому CLI выбирает exit-код.
func (d *Daemon) Run(ctx context.Context) error {
	env := config.Env()
	if env.APIID == 0 || env.APIHash == "" {
		return errs.New(errs.InvalidArgs, "API_ID and API_HASH are required")
	}

	if err := d.openStores(); err != nil {
		return err
	}
	defer d.closeStores()

	accounts, err := d.store.Accounts.List(ctx)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return errs.New(errs.NoAccounts, "no accounts configured; run the auth flow first")
	}

	pid, err := pidfile.Acquire(config.PIDFilePath())
	if err != nil {
		return err
	}
	d.pid = pid
	defer d.pid.Release()

	// Один обработчик сигналов на процесс: повторный сигнал не прерывает
	// graceful shutdown, а лишь логируется.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			if d.shutdownRequested.Swap(true) {
				logger.Warnf("daemon: signal %v ignored, shutdown already in progress", sig)
				continue
			}
			logger.Infof("daemon: received %v, shutting down", sig)
			cancel()
		}
	}()

	d.dup = concurrency.NewDeduplicator(dedupWindow)
	d.dup.Start(ctx)

	connected, err := d.connectAll(ctx, accounts)
	if err != nil {
		return err
	}
	logger.Infof("daemon: %d/%d accounts connected", connected, len(accounts))

	if err := d.sched.InitializeForStartup(ctx); err != nil {
		return err
	}

	startedAt := d.clk.Now()
	_ = d.status.Set(ctx, StatusKeyState, StatusStateRunning)
	_ = d.status.SetInt(ctx, StatusKeyStartedAt, startedAt.UnixMilli())

	d.mainLoop(ctx)

	return d.shutdown()
}

// openStores открывает обе базы и собирает сервисы поверх них.
func (d *Daemon) openStores() error {
	dataDB, err := sqlite.OpenData(config.DataDBPath())
	if err != nil {
		return err
	}
	cacheDB, err := sqlite.OpenCache(config.CacheDBPath())
	if err != nil {
		_ = dataDB.Close()
		return err
	}
	d.dataDB = dataDB
	d.cacheDB = cacheDB
	d.store = cache.New(dataDB, cacheDB, d.clk)
	d.limiter = ratelimit.New(cacheDB, d.clk)
	d.activity = ratelimit.NewActivity(cacheDB, d.clk)
	d.sched = scheduler.New(cacheDB, d.store, d.clk)
	d.status = NewStatusService(cacheDB, d.clk)
	return nil
}

func (d *Daemon) closeStores() {
	if d.cacheDB != nil {
		_ = d.cacheDB.Close()
	}
	if d.dataDB != nil {
		_ = d.dataDB.Close()
	}
}

// connectAll конкурентно поднимает супервизоры всех аккаунтов. Возвращает
// число подключившихся; ноль — ALL_ACCOUNTS_FAILED.
func (d *Daemon) connectAll(ctx context.Context, accounts []cache.Account) (int, error) {
	env := config.Env()
	rc := config.File().Reconnect

	onIdentity := func(ctx context.Context, accountID int64, self *tg.User) error {
		keeper, err := d.store.Accounts.AssignIdentity(ctx, accountID,
			tgutil.Str(tgutil.CanonicalUser(self.ID)), self.Username)
		if err != nil {
			return err
		}
		if keeper.ID != accountID {
			logger.Infof("daemon: account %d merged into %d after identity check", accountID, keeper.ID)
		}
		return nil
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	connected := 0

	for _, account := range accounts {
		client, err := telegram.New(telegram.Options{
			AccountID:        account.ID,
			APIID:            env.APIID,
			APIHash:          env.APIHash,
			SessionPath:      config.SessionPath(account.ID),
			UpdatesStatePath: config.UpdatesStatePath(account.ID),
			TestDC:           env.TestDC,
			Store:            d.store,
			Limiter:          d.limiter,
			Activity:         d.activity,
			Clock:            d.clk,
		})
		if err != nil {
			logger.Errorf("daemon: build client for account %d: %v", account.ID, err)
			continue
		}

		sup := NewSupervisor(account, client, d.store, rc, d.clk, onIdentity)
		sup.SetWorker(syncer.New(d.store, d.sched, client, telegram.NewResolver(d.store), d.clk))
		telegram.NewHandlers(d.store, d.dup, sup.TouchActivity).Register(client.Dispatcher())

		mu.Lock()
		d.sups = append(d.sups, sup)
		mu.Unlock()

		wg.Go(func() {
			if err := sup.Connect(ctx); err != nil {
				logger.Errorf("daemon: account %d failed to connect: %v", account.ID, err)
				return
			}
			mu.Lock()
			connected++
			mu.Unlock()
		})
	}
	wg.Wait()

	if connected == 0 {
		for _, sup := range d.sups {
			sup.Close()
		}
		return 0, errs.New(errs.AllAccountsFailed, "no account could connect")
	}
	return connected, nil
}

// mainLoop — главный цикл демона: раз в секунду, пока не запрошено завершение.
func (d *Daemon) mainLoop(ctx context.Context) {
	interJobDelay := config.File().InterJobDelay
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	var lastDispatch time.Time
	for iteration := int64(1); ; iteration++ {
		if d.shutdownRequested.Load() || ctx.Err() != nil {
			return
		}

		// Минимальная пауза между диспетчеризациями заданий.
		if since := d.clk.Now().Sub(lastDispatch); since >= interJobDelay {
			if d.dispatchOne(ctx) {
				lastDispatch = d.clk.Now()
			}
		}

		if iteration%healthEvery == 0 {
			for _, sup := range d.sups {
				sup.Tick(ctx)
			}
		}

		d.writeStatus(ctx)

		if iteration%maintenanceEvery == 0 {
			d.maintenance(ctx)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// dispatchOne пытается исполнить одно задание очереди. true — диспетчеризация
// состоялась (независимо от исхода задания).
func (d *Daemon) dispatchOne(ctx context.Context) bool {
	job, err := d.sched.GetNextJob(ctx)
	if err != nil {
		logger.Errorf("daemon: get next job: %v", err)
		return false
	}
	if job == nil {
		return false
	}

	sup := d.eligibleSupervisor(ctx)
	if sup == nil {
		return false
	}

	res, err := sup.Worker().Run(ctx, job)
	switch {
	case err != nil:
		logger.Warnf("daemon: job %d (%s %s) failed: %v", job.ID, job.JobType, job.ChatID, err)
	case res == nil:
		// Задание перехвачено другим воркером.
	case res.RateLimited:
		logger.Infof("daemon: job %d deferred by flood wait (%ds)", job.ID, res.WaitSeconds)
		if err := d.sched.Requeue(ctx, job.ID); err != nil {
			logger.Errorf("daemon: requeue job %d: %v", job.ID, err)
		}
	case res.Success:
		d.totalSynced.Add(int64(res.MessagesFetched))
		if res.HasMore {
			if _, err := d.sched.Enqueue(ctx, job.ChatID, job.JobType, job.Priority, 0, 0); err != nil {
				logger.Errorf("daemon: enqueue follow-up for %s: %v", job.ChatID, err)
			}
		}
	}
	return true
}

// eligibleSupervisor выбирает подключённый аккаунт без блокировки метода истории.
func (d *Daemon) eligibleSupervisor(ctx context.Context) *Supervisor {
	blocked, err := d.limiter.IsBlocked(ctx, historyMethod)
	if err != nil {
		logger.Errorf("daemon: check flood wait: %v", err)
		return nil
	}
	if blocked {
		return nil
	}
	for _, sup := range d.sups {
		if sup.State() == StateConnected && sup.Worker() != nil {
			return sup
		}
	}
	return nil
}

// writeStatus обновляет heartbeat-строки статуса.
func (d *Daemon) writeStatus(ctx context.Context) {
	connected := int64(0)
	for _, sup := range d.sups {
		if sup.State() == StateConnected {
			connected++
		}
	}
	_ = d.status.SetInt(ctx, StatusKeyConnectedAccounts, connected)
	_ = d.status.SetInt(ctx, StatusKeyMessagesSynced, d.totalSynced.Load())
	if qs, err := d.sched.GetStatus(ctx); err == nil {
		_ = d.status.SetInt(ctx, StatusKeyPendingJobs, qs.PendingJobs)
		_ = d.status.SetInt(ctx, StatusKeyRunningJobs, qs.RunningJobs)
	}
	_ = d.status.SetInt(ctx, StatusKeyLastUpdate, d.clk.Now().UnixMilli())
}

// maintenance выполняет фоновую уборку: старые задания, окна лимитера,
// журнал активности и протухшие flood-wait.
func (d *Daemon) maintenance(ctx context.Context) {
	if n, err := d.sched.Cleanup(ctx, scheduler.DefaultCleanupAge); err != nil {
		logger.Warnf("daemon: cleanup jobs: %v", err)
	} else if n > 0 {
		logger.Debugf("daemon: %d finished jobs cleaned up", n)
	}
	if _, err := d.limiter.ClearExpiredFloodWaits(ctx); err != nil {
		logger.Warnf("daemon: clear flood waits: %v", err)
	}
	if _, err := d.limiter.PruneOldWindows(ctx); err != nil {
		logger.Warnf("daemon: prune rate windows: %v", err)
	}
	if _, err := d.activity.Prune(ctx, 7*24*time.Hour); err != nil {
		logger.Warnf("daemon: prune api activity: %v", err)
	}
}

// shutdown выполняет graceful-завершение, ограниченное shutdownTimeout.
func (d *Daemon) shutdown() error {
	timeout := config.File().ShutdownTimeout
	logger.Infof("daemon: shutting down (timeout %s)", timeout)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Контекст главного цикла уже отменён; для финальных записей нужен свой.
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		d.sched = nil
		for _, sup := range d.sups {
			sup.Close()
		}
		d.dup.Stop()
		_ = d.status.Set(ctx, StatusKeyState, StatusStateStopped)
	}()

	select {
	case <-done:
		logger.Info("daemon: stopped")
		return nil
	case <-time.After(timeout):
		logger.Error("daemon: shutdown timeout exceeded, exiting anyway")
		return errs.New(errs.GeneralError, "shutdown timed out after %s", timeout)
	}
}
