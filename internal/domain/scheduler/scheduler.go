// Package scheduler — приоритетная очередь заданий синхронизации поверх
// таблицы sync_jobs. Выдача строго по (priority, created_at); дубликаты
// pending-заданий одной пары (chat_id, job_type) не создаются. Очередь
// переживает рестарт демона вместе с cache.db.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"telegram-syncd/internal/domain/cache"
	"telegram-syncd/internal/infra/clock"
	"telegram-syncd/internal/infra/logger"
)

// Типы заданий — закрытое множество.
const (
	JobInitialLoad     = "initial_load"
	JobForwardCatchup  = "forward_catchup"
	JobBackwardHistory = "backward_history"
	JobFullSync        = "full_sync"
)

// Статусы заданий.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// DefaultCleanupAge — возраст, после которого завершённые задания выметаются.
const DefaultCleanupAge = 24 * time.Hour

// Job — строка sync_jobs.
type Job struct {
	ID              int64
	ChatID          string
	JobType         string
	Priority        int
	Status          string
	CursorStart     int64
	CursorEnd       int64
	MessagesFetched int64
	ErrorMessage    string
	CreatedAt       int64
	StartedAt       int64
	CompletedAt     int64
}

// Scheduler — сервис очереди. Безопасен для конкурентного использования.
type Scheduler struct {
	db    *sql.DB
	store *cache.Store
	clk   clock.Clock
}

// New собирает планировщик. clk == nil означает системные часы.
func New(db *sql.DB, store *cache.Store, clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.System{}
	}
	return &Scheduler{db: db, store: store, clk: clk}
}

const jobColumns = `id, chat_id, job_type, priority, status, cursor_start, cursor_end,
	messages_fetched, error_message, created_at, started_at, completed_at`

// scanJob читает одну строку sync_jobs.
func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var cursorStart, cursorEnd, messagesFetched, startedAt, completedAt sql.NullInt64
	var errorMessage sql.NullString
	if err := row.Scan(&j.ID, &j.ChatID, &j.JobType, &j.Priority, &j.Status,
		&cursorStart, &cursorEnd, &messagesFetched, &errorMessage,
		&j.CreatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	j.CursorStart = cursorStart.Int64
	j.CursorEnd = cursorEnd.Int64
	j.MessagesFetched = messagesFetched.Int64
	j.ErrorMessage = errorMessage.String
	j.StartedAt = startedAt.Int64
	j.CompletedAt = completedAt.Int64
	return &j, nil
}

// GetNextJob возвращает pending-задание с минимальным (priority, created_at)
// или nil, если очередь пуста.
func (s *Scheduler) GetNextJob(ctx context.Context) (*Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `
SELECT `+jobColumns+` FROM sync_jobs
WHERE status = ?
ORDER BY priority ASC, created_at ASC, id ASC
LIMIT 1`, StatusPending))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get next job: %w", err)
	}
	return j, nil
}

// Enqueue ставит задание в очередь. Если pending-задание той же пары
// (chat_id, job_type) уже есть, возвращается его id и новая строка не
// создаётся.
func (s *Scheduler) Enqueue(ctx context.Context, chatID, jobType string, priority int, cursorStart, cursorEnd int64) (int64, error) {
	if priority < cache.PriorityHighest || priority > cache.PriorityLowest {
		priority = cache.PriorityDefault
	}

	var cs, ce any
	if cursorStart != 0 {
		cs = cursorStart
	}
	if cursorEnd != 0 {
		ce = cursorEnd
	}
	// Частичный уникальный индекс idx_sync_jobs_pending_pair делает проверку
	// дубликата атомарной: конкурирующая вставка той же пары просто не пройдёт.
	res, err := s.db.ExecContext(ctx, `
INSERT INTO sync_jobs (chat_id, job_type, priority, status, cursor_start, cursor_end, created_at)
VALUES (?, ?, ?, 'pending', ?, ?, ?)
ON CONFLICT(chat_id, job_type) WHERE status = 'pending' DO NOTHING`,
		chatID, jobType, priority, cs, ce, s.clk.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("enqueue %s for %s: %w", jobType, chatID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return res.LastInsertId()
	}

	var existing int64
	if err := s.db.QueryRowContext(ctx, `
SELECT id FROM sync_jobs WHERE chat_id = ? AND job_type = ? AND status = ? LIMIT 1`,
		chatID, jobType, StatusPending).Scan(&existing); err != nil {
		return 0, fmt.Errorf("find pending duplicate: %w", err)
	}
	logger.Debugf("scheduler: pending %s for %s already queued (job %d)", jobType, chatID, existing)
	return existing, nil
}

// QueueForwardCatchup ставит догоняющее задание, снимая forward_cursor чата.
func (s *Scheduler) QueueForwardCatchup(ctx context.Context, chatID string) (int64, error) {
	st, err := s.store.Sync.Get(ctx, chatID)
	if err != nil {
		return 0, err
	}
	priority, cursor := 2, int64(0)
	if st != nil {
		priority, cursor = st.SyncPriority, st.ForwardCursor
	}
	return s.Enqueue(ctx, chatID, JobForwardCatchup, priority, cursor, 0)
}

// QueueBackwardHistory ставит backfill-задание, снимая backward_cursor чата.
func (s *Scheduler) QueueBackwardHistory(ctx context.Context, chatID string) (int64, error) {
	st, err := s.store.Sync.Get(ctx, chatID)
	if err != nil {
		return 0, err
	}
	priority, cursor := 2, int64(0)
	if st != nil {
		priority, cursor = st.SyncPriority, st.BackwardCursor
	}
	return s.Enqueue(ctx, chatID, JobBackwardHistory, priority, cursor, 0)
}

// QueueInitialLoad ставит первичную загрузку чата.
func (s *Scheduler) QueueInitialLoad(ctx context.Context, chatID string) (int64, error) {
	st, err := s.store.Sync.Get(ctx, chatID)
	if err != nil {
		return 0, err
	}
	priority := 2
	if st != nil {
		priority = st.SyncPriority
	}
	return s.Enqueue(ctx, chatID, JobInitialLoad, priority, 0, 0)
}

// InitializeForStartup засеивает очередь на старте демона: чатам без
// forward_cursor — initial_load, остальным — forward_catchup; чатам с
// незавершённой историей дополнительно backward_history с приоритетом на
// единицу ниже. Зависшие в running задания с прошлой жизни возвращаются
// в pending.
func (s *Scheduler) InitializeForStartup(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sync_jobs SET status = ?, started_at = NULL WHERE status = ?`,
		StatusPending, StatusRunning); err != nil {
		return fmt.Errorf("requeue stale running jobs: %w", err)
	}

	chats, err := s.store.Sync.EnabledChats(ctx)
	if err != nil {
		return err
	}
	for _, st := range chats {
		if st.ForwardCursor == 0 {
			if _, err := s.Enqueue(ctx, st.ChatID, JobInitialLoad, st.SyncPriority, 0, 0); err != nil {
				return err
			}
		} else {
			if _, err := s.Enqueue(ctx, st.ChatID, JobForwardCatchup, st.SyncPriority, st.ForwardCursor, 0); err != nil {
				return err
			}
		}
		if !st.HistoryComplete {
			bp := st.SyncPriority + 1
			if bp > cache.PriorityLowest {
				bp = cache.PriorityLowest
			}
			if _, err := s.Enqueue(ctx, st.ChatID, JobBackwardHistory, bp, st.BackwardCursor, 0); err != nil {
				return err
			}
		}
	}
	logger.Infof("scheduler: startup seeding done for %d chats", len(chats))
	return nil
}

// MarkRunning атомарно переводит pending-задание в running. false — задание
// уже перехвачено или исчезло.
func (s *Scheduler) MarkRunning(ctx context.Context, jobID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE sync_jobs SET status = ?, started_at = ?
WHERE id = ? AND status = ?`,
		StatusRunning, s.clk.Now().UnixMilli(), jobID, StatusPending)
	if err != nil {
		return false, fmt.Errorf("mark job %d running: %w", jobID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkCompleted завершает задание успешно.
func (s *Scheduler) MarkCompleted(ctx context.Context, jobID int64, messagesFetched int, cursorEnd int64) error {
	var ce any
	if cursorEnd != 0 {
		ce = cursorEnd
	}
	if _, err := s.db.ExecContext(ctx, `
UPDATE sync_jobs SET status = ?, messages_fetched = ?, cursor_end = ?, completed_at = ?
WHERE id = ?`,
		StatusCompleted, messagesFetched, ce, s.clk.Now().UnixMilli(), jobID); err != nil {
		return fmt.Errorf("mark job %d completed: %w", jobID, err)
	}
	return nil
}

// Requeue возвращает running-задание в pending с теми же курсорами. Демон
// вызывает его после flood-wait: задание будет подобрано заново, когда метод
// разблокируется.
func (s *Scheduler) Requeue(ctx context.Context, jobID int64) error {
	if _, err := s.db.ExecContext(ctx, `
UPDATE sync_jobs SET status = ?, started_at = NULL
WHERE id = ? AND status = ?`,
		StatusPending, jobID, StatusRunning); err != nil {
		return fmt.Errorf("requeue job %d: %w", jobID, err)
	}
	return nil
}

// MarkFailed завершает задание с ошибкой.
func (s *Scheduler) MarkFailed(ctx context.Context, jobID int64, reason string) error {
	if _, err := s.db.ExecContext(ctx, `
UPDATE sync_jobs SET status = ?, error_message = ?, completed_at = ?
WHERE id = ?`,
		StatusFailed, reason, s.clk.Now().UnixMilli(), jobID); err != nil {
		return fmt.Errorf("mark job %d failed: %w", jobID, err)
	}
	return nil
}

// GetJob возвращает задание по id или nil.
func (s *Scheduler) GetJob(ctx context.Context, jobID int64) (*Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs WHERE id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", jobID, err)
	}
	return j, nil
}

// QueueStatus — сводка очереди для status-сервиса.
type QueueStatus struct {
	PendingJobs int64
	RunningJobs int64
}

// GetStatus возвращает число pending и running заданий.
func (s *Scheduler) GetStatus(ctx context.Context) (*QueueStatus, error) {
	var st QueueStatus
	if err := s.db.QueryRowContext(ctx, `
SELECT
	COALESCE(SUM(status = ?), 0),
	COALESCE(SUM(status = ?), 0)
FROM sync_jobs WHERE status IN (?, ?)`,
		StatusPending, StatusRunning, StatusPending, StatusRunning).Scan(
		&st.PendingJobs, &st.RunningJobs); err != nil {
		return nil, fmt.Errorf("get queue status: %w", err)
	}
	return &st, nil
}

// Cleanup удаляет completed/failed задания старше maxAge. maxAge <= 0 — сутки.
func (s *Scheduler) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		maxAge = DefaultCleanupAge
	}
	cutoff := s.clk.Now().UnixMilli() - maxAge.Milliseconds()
	res, err := s.db.ExecContext(ctx, `
DELETE FROM sync_jobs
WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		StatusCompleted, StatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup jobs: %w", err)
	}
	return res.RowsAffected()
}
