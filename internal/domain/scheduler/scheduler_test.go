package scheduler_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"telegram-syncd/internal/domain/cache"
	"telegram-syncd/internal/domain/scheduler"
	"telegram-syncd/internal/infra/clock"
	"telegram-syncd/internal/infra/sqlite"
)

func newScheduler(t *testing.T) (*scheduler.Scheduler, *cache.Store, *clock.Manual) {
	t.Helper()

	db, err := sqlite.OpenMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := cache.New(db, db, clk)
	return scheduler.New(db, store, clk), store, clk
}

func TestQueueOrder(t *testing.T) {
	t.Parallel()

	sched, _, clk := newScheduler(t)
	ctx := t.Context()

	// Приоритет важнее времени создания; при равенстве — FIFO.
	if _, err := sched.Enqueue(ctx, "-1", scheduler.JobBackwardHistory, 3, 0, 0); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Second)
	if _, err := sched.Enqueue(ctx, "-2", scheduler.JobForwardCatchup, 1, 0, 0); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Second)
	if _, err := sched.Enqueue(ctx, "-3", scheduler.JobForwardCatchup, 1, 0, 0); err != nil {
		t.Fatal(err)
	}

	wantOrder := []string{"-2", "-3", "-1"}
	for _, want := range wantOrder {
		j, err := sched.GetNextJob(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if j == nil || j.ChatID != want {
			t.Fatalf("next job = %#v, want chat %s", j, want)
		}
		claimed, err := sched.MarkRunning(ctx, j.ID)
		if err != nil || !claimed {
			t.Fatalf("claim job %d: (%v, %v)", j.ID, claimed, err)
		}
	}

	j, err := sched.GetNextJob(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if j != nil {
		t.Fatalf("queue not drained: %#v", j)
	}
}

func TestPriorityZeroDequeuedFirst(t *testing.T) {
	t.Parallel()

	sched, _, clk := newScheduler(t)
	ctx := t.Context()

	// Приоритет 0 — высший: побеждает даже более позднее задание.
	if _, err := sched.Enqueue(ctx, "-1", scheduler.JobForwardCatchup, 1, 0, 0); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Second)
	id0, err := sched.Enqueue(ctx, "-2", scheduler.JobForwardCatchup, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	j, err := sched.GetNextJob(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if j == nil || j.ID != id0 || j.Priority != 0 {
		t.Fatalf("next job = %#v, want priority-0 job %d", j, id0)
	}
}

func TestPendingPairUniqueIndex(t *testing.T) {
	t.Parallel()

	sched, store, _ := newScheduler(t)
	ctx := t.Context()

	if _, err := sched.Enqueue(ctx, "-1", scheduler.JobForwardCatchup, 2, 0, 0); err != nil {
		t.Fatal(err)
	}

	// Гонка двух Enqueue сводится к прямой вставке мимо проверки: частичный
	// уникальный индекс обязан её отклонить.
	_, err := store.CacheDB().ExecContext(ctx, `
INSERT INTO sync_jobs (chat_id, job_type, priority, status, created_at)
VALUES ('-1', 'forward_catchup', 2, 'pending', 0)`)
	if err == nil {
		t.Fatal("duplicate pending row inserted past the unique index")
	}
}

func TestEnqueueDeduplicatesPending(t *testing.T) {
	t.Parallel()

	sched, _, _ := newScheduler(t)
	ctx := t.Context()

	id1, err := sched.Enqueue(ctx, "-1", scheduler.JobForwardCatchup, 2, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := sched.Enqueue(ctx, "-1", scheduler.JobForwardCatchup, 1, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("duplicate pending created: %d != %d", id1, id2)
	}

	// Другая пара (chat_id, job_type) — отдельное задание.
	id3, err := sched.Enqueue(ctx, "-1", scheduler.JobBackwardHistory, 2, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if id3 == id1 {
		t.Fatal("different job type collapsed into same row")
	}

	// После захвата pending-guard снимается.
	if claimed, err := sched.MarkRunning(ctx, id1); err != nil || !claimed {
		t.Fatalf("claim: (%v, %v)", claimed, err)
	}
	id4, err := sched.Enqueue(ctx, "-1", scheduler.JobForwardCatchup, 2, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if id4 == id1 {
		t.Fatal("running job blocked a new pending")
	}
}

func TestMarkRunningAtomic(t *testing.T) {
	t.Parallel()

	sched, _, _ := newScheduler(t)
	ctx := t.Context()

	id, err := sched.Enqueue(ctx, "-1", scheduler.JobInitialLoad, 2, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	claimed, err := sched.MarkRunning(ctx, id)
	if err != nil || !claimed {
		t.Fatalf("first claim: (%v, %v)", claimed, err)
	}
	claimed, err = sched.MarkRunning(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if claimed {
		t.Fatal("job claimed twice")
	}
}

func TestRequeueKeepsCursors(t *testing.T) {
	t.Parallel()

	sched, _, _ := newScheduler(t)
	ctx := t.Context()

	id, err := sched.Enqueue(ctx, "-1", scheduler.JobBackwardHistory, 2, 500, 0)
	if err != nil {
		t.Fatal(err)
	}
	if claimed, err := sched.MarkRunning(ctx, id); err != nil || !claimed {
		t.Fatalf("claim: (%v, %v)", claimed, err)
	}

	// Flood-wait: задание возвращается в pending с теми же курсорами.
	if err := sched.Requeue(ctx, id); err != nil {
		t.Fatal(err)
	}

	j, err := sched.GetNextJob(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if j == nil || j.ID != id {
		t.Fatalf("requeued job not returned: %#v", j)
	}
	if j.Status != scheduler.StatusPending || j.CursorStart != 500 || j.StartedAt != 0 {
		t.Fatalf("requeued job state: %#v", j)
	}
}

func TestMarkCompletedAndFailed(t *testing.T) {
	t.Parallel()

	sched, _, _ := newScheduler(t)
	ctx := t.Context()

	okID, err := sched.Enqueue(ctx, "-1", scheduler.JobInitialLoad, 2, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	badID, err := sched.Enqueue(ctx, "-2", scheduler.JobInitialLoad, 2, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := sched.MarkCompleted(ctx, okID, 100, 42); err != nil {
		t.Fatal(err)
	}
	if err := sched.MarkFailed(ctx, badID, "PEER_UNRESOLVED"); err != nil {
		t.Fatal(err)
	}

	j, err := sched.GetJob(ctx, okID)
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != scheduler.StatusCompleted || j.MessagesFetched != 100 || j.CursorEnd != 42 {
		t.Fatalf("completed job: %#v", j)
	}

	j, err = sched.GetJob(ctx, badID)
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != scheduler.StatusFailed || j.ErrorMessage != "PEER_UNRESOLVED" {
		t.Fatalf("failed job: %#v", j)
	}
}

func TestInitializeForStartup(t *testing.T) {
	t.Parallel()

	sched, store, _ := newScheduler(t)
	ctx := t.Context()

	// Свежий чат без курсоров, частично просинканный и завершённый.
	if err := store.Sync.Register(ctx, "-1", cache.ChatTypeGroup, 0, 1); err != nil {
		t.Fatal(err)
	}
	if err := store.Sync.Register(ctx, "-2", cache.ChatTypeSupergroup, 0, 2); err != nil {
		t.Fatal(err)
	}
	seedSyncState(t, store, "-2", 200, 100, false)
	if err := store.Sync.Register(ctx, "-3", cache.ChatTypeChannel, 0, 2); err != nil {
		t.Fatal(err)
	}
	seedSyncState(t, store, "-3", 300, 1, true)

	// Зависшее с прошлой жизни running-задание.
	staleID, err := sched.Enqueue(ctx, "-2", scheduler.JobForwardCatchup, 2, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if claimed, err := sched.MarkRunning(ctx, staleID); err != nil || !claimed {
		t.Fatalf("claim stale: (%v, %v)", claimed, err)
	}

	if err := sched.InitializeForStartup(ctx); err != nil {
		t.Fatal(err)
	}

	jobs := drainQueue(t, sched)
	type key struct{ chat, typ string }
	got := map[key]bool{}
	for _, j := range jobs {
		got[key{j.ChatID, j.JobType}] = true
	}

	want := []key{
		{"-1", scheduler.JobInitialLoad},
		{"-1", scheduler.JobBackwardHistory},
		{"-2", scheduler.JobForwardCatchup},
		{"-2", scheduler.JobBackwardHistory},
		{"-3", scheduler.JobForwardCatchup},
	}
	for _, k := range want {
		if !got[k] {
			t.Errorf("missing startup job %v (got %v)", k, got)
		}
	}
	if got[key{"-3", scheduler.JobBackwardHistory}] {
		t.Error("backward_history queued for complete chat")
	}
	if len(jobs) != len(want) {
		t.Errorf("queued %d jobs, want %d: %v", len(jobs), len(want), got)
	}
}

func TestGetStatusAndCleanup(t *testing.T) {
	t.Parallel()

	sched, _, clk := newScheduler(t)
	ctx := t.Context()

	p1, err := sched.Enqueue(ctx, "-1", scheduler.JobInitialLoad, 2, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sched.Enqueue(ctx, "-2", scheduler.JobInitialLoad, 2, 0, 0); err != nil {
		t.Fatal(err)
	}
	r1, err := sched.Enqueue(ctx, "-3", scheduler.JobInitialLoad, 2, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if claimed, err := sched.MarkRunning(ctx, r1); err != nil || !claimed {
		t.Fatalf("claim: (%v, %v)", claimed, err)
	}

	st, err := sched.GetStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.PendingJobs != 2 || st.RunningJobs != 1 {
		t.Fatalf("status = %#v", st)
	}

	// Завершённое задание выметается по возрасту, pending остаётся.
	if err := sched.MarkCompleted(ctx, p1, 10, 0); err != nil {
		t.Fatal(err)
	}
	clk.Advance(25 * time.Hour)
	n, err := sched.Cleanup(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("cleaned %d jobs, want 1", n)
	}
}

// seedSyncState прописывает курсоры чата напрямую, минуя воркер.
func seedSyncState(t *testing.T, store *cache.Store, chatID string, fwd, bwd int64, complete bool) {
	t.Helper()
	err := store.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(context.Background(), `
UPDATE chat_sync_state SET forward_cursor = ?, backward_cursor = ?, history_complete = ?
WHERE chat_id = ?`, fwd, bwd, boolToInt(complete), chatID)
		return err
	})
	if err != nil {
		t.Fatalf("seed sync state: %v", err)
	}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// drainQueue выбирает и захватывает все pending-задания.
func drainQueue(t *testing.T, sched *scheduler.Scheduler) []scheduler.Job {
	t.Helper()
	var out []scheduler.Job
	for {
		j, err := sched.GetNextJob(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if j == nil {
			return out
		}
		if claimed, err := sched.MarkRunning(context.Background(), j.ID); err != nil || !claimed {
			t.Fatalf("claim %d: (%v, %v)", j.ID, claimed, err)
		}
		out = append(out, *j)
	}
}
