package syncer_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gotd/td/tg"

	"telegram-syncd/internal/domain/cache"
	"telegram-syncd/internal/domain/scheduler"
	"telegram-syncd/internal/domain/syncer"
	"telegram-syncd/internal/infra/clock"
	"telegram-syncd/internal/infra/errs"
	"telegram-syncd/internal/infra/sqlite"
)

// fakeHistory отдаёт страницы истории из заготовленного диапазона id,
// повторяя пагинацию messages.getHistory (новые первыми). Id из empty
// приходят как messageEmpty: место в странице занимают, в кэш не попадают.
type fakeHistory struct {
	oldest, newest int
	empty          map[int]bool
	err            error
	calls          int
}

func (f *fakeHistory) History(_ context.Context, _ tg.InputPeerClass, req syncer.HistoryRequest) (*syncer.HistoryResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}

	top := f.newest
	if req.OffsetID > 0 && req.OffsetID-1 < top {
		top = req.OffsetID - 1
	}
	var out []tg.MessageClass
	for id := top; id >= f.oldest && len(out) < req.Limit; id-- {
		if id <= req.MinID {
			break
		}
		if f.empty[id] {
			out = append(out, &tg.MessageEmpty{ID: id})
			continue
		}
		out = append(out, &tg.Message{
			ID:      id,
			Message: "msg",
			Date:    1_750_000_000 + id,
			PeerID:  &tg.PeerChat{ChatID: 100200},
		})
	}
	return &syncer.HistoryResult{Messages: out}, nil
}

type fakeResolver struct {
	found bool
}

func (r fakeResolver) ResolvePeer(context.Context, string) (tg.InputPeerClass, bool, error) {
	if !r.found {
		return nil, false, nil
	}
	return &tg.InputPeerChat{ChatID: 100200}, true, nil
}

func newWorker(t *testing.T, client syncer.HistoryClient, resolver syncer.PeerResolver) (*syncer.Worker, *cache.Store, *scheduler.Scheduler) {
	t.Helper()

	db, err := sqlite.OpenMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := cache.New(db, db, clk)
	sched := scheduler.New(db, store, clk)
	return syncer.New(store, sched, client, resolver, clk), store, sched
}

const chatID = "-100200"

func TestBackwardPage(t *testing.T) {
	t.Parallel()

	client := &fakeHistory{oldest: 1, newest: 199}
	w, store, sched := newWorker(t, client, fakeResolver{found: true})
	ctx := t.Context()

	if err := store.Sync.Register(ctx, chatID, cache.ChatTypeGroup, 0, 2); err != nil {
		t.Fatal(err)
	}
	jobID, err := sched.Enqueue(ctx, chatID, scheduler.JobBackwardHistory, 2, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	job, err := sched.GetJob(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}

	res, err := w.Run(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.MessagesFetched != 100 || !res.HasMore {
		t.Fatalf("result = %#v", res)
	}

	// Полная страница 100..199: курсоры и прогресс в одной транзакции.
	st, err := store.Sync.Get(ctx, chatID)
	if err != nil {
		t.Fatal(err)
	}
	if st.BackwardCursor != 100 || st.ForwardCursor != 199 || st.SyncedMessages != 100 {
		t.Fatalf("sync state = %#v", st)
	}
	if st.HistoryComplete {
		t.Fatal("history complete after full page")
	}

	n, err := store.Messages.CountByChat(ctx, chatID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 100 {
		t.Fatalf("cached %d messages, want 100", n)
	}

	done, err := sched.GetJob(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != scheduler.StatusCompleted || done.MessagesFetched != 100 || done.CursorEnd != 100 {
		t.Fatalf("job after run = %#v", done)
	}
}

func TestBackwardShortPageCompletesHistory(t *testing.T) {
	t.Parallel()

	client := &fakeHistory{oldest: 150, newest: 199}
	w, store, sched := newWorker(t, client, fakeResolver{found: true})
	ctx := t.Context()

	if err := store.Sync.Register(ctx, chatID, cache.ChatTypeGroup, 0, 2); err != nil {
		t.Fatal(err)
	}
	jobID, err := sched.Enqueue(ctx, chatID, scheduler.JobBackwardHistory, 2, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	job, err := sched.GetJob(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}

	res, err := w.Run(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.MessagesFetched != 50 || res.HasMore {
		t.Fatalf("result = %#v", res)
	}

	st, err := store.Sync.Get(ctx, chatID)
	if err != nil {
		t.Fatal(err)
	}
	if !st.HistoryComplete || st.BackwardCursor != 150 {
		t.Fatalf("sync state = %#v", st)
	}
}

func TestEmptyStubsDoNotCloseHistory(t *testing.T) {
	t.Parallel()

	// Полная страница из 100 сырых сообщений, одно из них — messageEmpty.
	client := &fakeHistory{oldest: 100, newest: 199, empty: map[int]bool{150: true}}
	w, store, sched := newWorker(t, client, fakeResolver{found: true})
	ctx := t.Context()

	if err := store.Sync.Register(ctx, chatID, cache.ChatTypeGroup, 0, 2); err != nil {
		t.Fatal(err)
	}
	jobID, err := sched.Enqueue(ctx, chatID, scheduler.JobBackwardHistory, 2, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	job, err := sched.GetJob(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}

	res, err := w.Run(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	// Пагинация считает сырой размер страницы: заглушка не должна выдать
	// короткую страницу и преждевременно закрыть историю.
	if !res.Success || res.MessagesFetched != 99 || !res.HasMore {
		t.Fatalf("result = %#v", res)
	}

	st, err := store.Sync.Get(ctx, chatID)
	if err != nil {
		t.Fatal(err)
	}
	if st.HistoryComplete {
		t.Fatal("history closed by a page with an empty stub")
	}
	if st.BackwardCursor != 100 || st.SyncedMessages != 99 {
		t.Fatalf("sync state = %#v", st)
	}

	n, err := store.Messages.CountByChat(ctx, chatID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 99 {
		t.Fatalf("cached %d messages, want 99", n)
	}
}

func TestFloodWaitLeavesJobRunning(t *testing.T) {
	t.Parallel()

	client := &fakeHistory{err: errs.NewRateLimited("messages.getHistory", 30)}
	w, store, sched := newWorker(t, client, fakeResolver{found: true})
	ctx := t.Context()

	if err := store.Sync.Register(ctx, chatID, cache.ChatTypeGroup, 0, 2); err != nil {
		t.Fatal(err)
	}
	jobID, err := sched.Enqueue(ctx, chatID, scheduler.JobBackwardHistory, 2, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	job, err := sched.GetJob(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}

	res, err := w.Run(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	if !res.RateLimited || res.WaitSeconds != 30 || res.Success {
		t.Fatalf("result = %#v", res)
	}

	// Задание не провалено: остаётся running до Requeue демоном.
	j, err := sched.GetJob(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != scheduler.StatusRunning {
		t.Fatalf("job status = %s, want running", j.Status)
	}
}

func TestPeerUnresolvedFailsJob(t *testing.T) {
	t.Parallel()

	client := &fakeHistory{oldest: 1, newest: 10}
	w, store, sched := newWorker(t, client, fakeResolver{found: false})
	ctx := t.Context()

	if err := store.Sync.Register(ctx, chatID, cache.ChatTypeGroup, 0, 2); err != nil {
		t.Fatal(err)
	}
	jobID, err := sched.Enqueue(ctx, chatID, scheduler.JobBackwardHistory, 2, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	job, err := sched.GetJob(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}

	_, err = w.Run(ctx, job)
	if err == nil || !strings.Contains(err.Error(), "PEER_UNRESOLVED") {
		t.Fatalf("err = %v, want PEER_UNRESOLVED", err)
	}
	if client.calls != 0 {
		t.Fatal("history fetched without resolved peer")
	}

	j, err := sched.GetJob(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != scheduler.StatusFailed {
		t.Fatalf("job status = %s, want failed", j.Status)
	}
}

func TestUserChatFallsBackToBarePeer(t *testing.T) {
	t.Parallel()

	client := &fakeHistory{oldest: 1, newest: 10}
	w, store, sched := newWorker(t, client, fakeResolver{found: false})
	ctx := t.Context()

	const userChat = "777000"
	if err := store.Sync.Register(ctx, userChat, cache.ChatTypePrivate, 0, 2); err != nil {
		t.Fatal(err)
	}
	jobID, err := sched.Enqueue(ctx, userChat, scheduler.JobInitialLoad, 2, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	job, err := sched.GetJob(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}

	res, err := w.Run(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.MessagesFetched != 10 {
		t.Fatalf("result = %#v", res)
	}
}

func TestJobAlreadyClaimed(t *testing.T) {
	t.Parallel()

	client := &fakeHistory{oldest: 1, newest: 10}
	w, store, sched := newWorker(t, client, fakeResolver{found: true})
	ctx := t.Context()

	if err := store.Sync.Register(ctx, chatID, cache.ChatTypeGroup, 0, 2); err != nil {
		t.Fatal(err)
	}
	jobID, err := sched.Enqueue(ctx, chatID, scheduler.JobInitialLoad, 2, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	job, err := sched.GetJob(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if claimed, err := sched.MarkRunning(ctx, jobID); err != nil || !claimed {
		t.Fatalf("pre-claim: (%v, %v)", claimed, err)
	}

	res, err := w.Run(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Fatalf("claimed job produced result: %#v", res)
	}
	if client.calls != 0 {
		t.Fatal("history fetched for stolen job")
	}
}

func TestForwardCatchupUsesMinID(t *testing.T) {
	t.Parallel()

	client := &fakeHistory{oldest: 1, newest: 250}
	w, store, sched := newWorker(t, client, fakeResolver{found: true})
	ctx := t.Context()

	if err := store.Sync.Register(ctx, chatID, cache.ChatTypeGroup, 0, 2); err != nil {
		t.Fatal(err)
	}
	// Первая backward-страница доводит forward_cursor до 200.
	jobID, err := sched.Enqueue(ctx, chatID, scheduler.JobBackwardHistory, 2, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	job, err := sched.GetJob(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	client.newest = 200
	if _, err := w.Run(ctx, job); err != nil {
		t.Fatal(err)
	}

	// Теперь догоняющее задание: в чате появились 201..250.
	client.newest = 250
	catchupID, err := sched.Enqueue(ctx, chatID, scheduler.JobForwardCatchup, 2, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	catchup, err := sched.GetJob(ctx, catchupID)
	if err != nil {
		t.Fatal(err)
	}
	res, err := w.Run(ctx, catchup)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.MessagesFetched != 50 {
		t.Fatalf("catchup fetched %d, want 50", res.MessagesFetched)
	}

	st, err := store.Sync.Get(ctx, chatID)
	if err != nil {
		t.Fatal(err)
	}
	if st.ForwardCursor != 250 {
		t.Fatalf("forward cursor = %d, want 250", st.ForwardCursor)
	}
}

func TestFullSyncDrainsHistory(t *testing.T) {
	t.Parallel()

	client := &fakeHistory{oldest: 1, newest: 250}
	w, store, sched := newWorker(t, client, fakeResolver{found: true})
	ctx := t.Context()

	if err := store.Sync.Register(ctx, chatID, cache.ChatTypeGroup, 0, 2); err != nil {
		t.Fatal(err)
	}
	jobID, err := sched.Enqueue(ctx, chatID, scheduler.JobFullSync, 2, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	job, err := sched.GetJob(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}

	res, err := w.Run(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.MessagesFetched != 250 {
		t.Fatalf("result = %#v", res)
	}

	st, err := store.Sync.Get(ctx, chatID)
	if err != nil {
		t.Fatal(err)
	}
	if !st.HistoryComplete || st.BackwardCursor != 1 || st.ForwardCursor != 250 {
		t.Fatalf("sync state = %#v", st)
	}
	n, err := store.Messages.CountByChat(ctx, chatID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 250 {
		t.Fatalf("cached %d messages, want 250", n)
	}
}
