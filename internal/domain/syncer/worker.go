// Package syncer — воркер синхронизации истории. Исполняет ровно одно задание
// планировщика против одного клиента: разрешает пира, качает одну страницу
// истории (для full_sync — до упора), пишет сообщения и курсоры в одной
// транзакции и закрывает задание. Flood-wait — не ошибка задания: воркер
// возвращает rateLimited, задание остаётся running и будет подхвачено после
// паузы с теми же курсорами.
package syncer

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gotd/td/tg"

	"telegram-syncd/internal/domain/cache"
	"telegram-syncd/internal/domain/scheduler"
	"telegram-syncd/internal/domain/tgutil"
	"telegram-syncd/internal/infra/clock"
	"telegram-syncd/internal/infra/errs"
	"telegram-syncd/internal/infra/logger"
)

// PageLimit — максимум сообщений в одной странице getHistory.
const PageLimit = 100

// HistoryRequest — окно пагинации одной страницы истории.
type HistoryRequest struct {
	OffsetID int // отдавать сообщения старше этого id; 0 — с самого нового
	MinID    int // не отдавать сообщения с id <= MinID
	Limit    int
}

// HistoryResult — сырая страница истории вместе с сопутствующими пирами.
type HistoryResult struct {
	Messages []tg.MessageClass
	Users    []tg.UserClass
	Chats    []tg.ChatClass
}

// HistoryClient качает страницы истории. Реализуется адаптером Telegram;
// в тестах подменяется фейком.
type HistoryClient interface {
	History(ctx context.Context, peer tg.InputPeerClass, req HistoryRequest) (*HistoryResult, error)
}

// PeerResolver разрешает канонический chat_id в InputPeer по кэшу.
// found=false означает промах кэша, а не ошибку.
type PeerResolver interface {
	ResolvePeer(ctx context.Context, chatID string) (peer tg.InputPeerClass, found bool, err error)
}

// Result — итог исполнения задания.
type Result struct {
	Success         bool
	RateLimited     bool
	WaitSeconds     int
	MessagesFetched int
	HasMore         bool
}

// Worker — исполнитель заданий синхронизации одного аккаунта.
type Worker struct {
	store    *cache.Store
	sched    *scheduler.Scheduler
	client   HistoryClient
	resolver PeerResolver
	clk      clock.Clock
}

// New собирает воркер. clk == nil означает системные часы.
func New(store *cache.Store, sched *scheduler.Scheduler, client HistoryClient, resolver PeerResolver, clk clock.Clock) *Worker {
	if clk == nil {
		clk = clock.System{}
	}
	return &Worker{store: store, sched: sched, client: client, resolver: resolver, clk: clk}
}

// Run исполняет задание. nil-результат без ошибки означает, что задание уже
// перехвачено другим воркером.
func (w *Worker) Run(ctx context.Context, job *scheduler.Job) (*Result, error) {
	claimed, err := w.sched.MarkRunning(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, nil
	}

	res, err := w.execute(ctx, job)
	if err != nil {
		if wait, rateLimited := errs.IsRateLimited(err); rateLimited {
			// Задание не проваливается: демон вернёт его в pending через
			// Requeue и подберёт заново после паузы с теми же курсорами.
			logger.Warnf("syncer: job %d (%s %s) rate limited for %ds",
				job.ID, job.JobType, job.ChatID, wait)
			return &Result{RateLimited: true, WaitSeconds: wait}, nil
		}
		if failErr := w.sched.MarkFailed(ctx, job.ID, err.Error()); failErr != nil {
			logger.Errorf("syncer: mark job %d failed: %v", job.ID, failErr)
		}
		return nil, err
	}
	return res, nil
}

func (w *Worker) execute(ctx context.Context, job *scheduler.Job) (*Result, error) {
	peer, err := w.resolve(ctx, job)
	if err != nil {
		return nil, err
	}

	switch job.JobType {
	case scheduler.JobForwardCatchup:
		return w.runPage(ctx, job, peer, cache.PageForward)
	case scheduler.JobInitialLoad, scheduler.JobBackwardHistory:
		return w.runPage(ctx, job, peer, cache.PageBackward)
	case scheduler.JobFullSync:
		return w.runFullSync(ctx, job, peer)
	default:
		return nil, fmt.Errorf("unknown job type %q", job.JobType)
	}
}

// resolve реализует правило разрешения пира: кэш, затем для неотрицательных
// id — голый user peer без access hash, для отрицательных — отказ.
func (w *Worker) resolve(ctx context.Context, job *scheduler.Job) (tg.InputPeerClass, error) {
	peer, found, err := w.resolver.ResolvePeer(ctx, job.ChatID)
	if err != nil {
		return nil, err
	}
	if found {
		return peer, nil
	}
	canonical, err := tgutil.ParseID(job.ChatID)
	if err != nil {
		return nil, fmt.Errorf("bad chat id %q: %w", job.ChatID, err)
	}
	if canonical >= 0 {
		return &tg.InputPeerUser{UserID: canonical}, nil
	}
	return nil, fmt.Errorf("PEER_UNRESOLVED: no cached peer for %s", job.ChatID)
}

// runPage качает одну страницу и закрывает задание.
func (w *Worker) runPage(ctx context.Context, job *scheduler.Job, peer tg.InputPeerClass, dir cache.PageDirection) (*Result, error) {
	state, err := w.store.Sync.Get(ctx, job.ChatID)
	if err != nil {
		return nil, err
	}

	req := HistoryRequest{Limit: PageLimit}
	switch {
	case dir == cache.PageForward:
		if state != nil {
			req.MinID = int(state.ForwardCursor)
		}
	case job.JobType == scheduler.JobBackwardHistory:
		if state != nil {
			req.OffsetID = int(state.BackwardCursor)
		}
	}

	pageSize, stored, minID, maxID, err := w.fetchAndApply(ctx, job.ChatID, peer, req, dir)
	if err != nil {
		return nil, err
	}

	hasMore := pageSize == req.Limit
	if err := w.sched.MarkCompleted(ctx, job.ID, stored, cursorEnd(dir, minID, maxID)); err != nil {
		return nil, err
	}
	logger.Debugf("syncer: job %d (%s %s) fetched %d messages, hasMore=%v",
		job.ID, job.JobType, job.ChatID, stored, hasMore)
	return &Result{Success: true, MessagesFetched: stored, HasMore: hasMore}, nil
}

// runFullSync гонит backward-страницы до history_complete.
func (w *Worker) runFullSync(ctx context.Context, job *scheduler.Job, peer tg.InputPeerClass) (*Result, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		state, err := w.store.Sync.Get(ctx, job.ChatID)
		if err != nil {
			return nil, err
		}
		if state != nil && state.HistoryComplete {
			break
		}
		req := HistoryRequest{Limit: PageLimit}
		if state != nil {
			req.OffsetID = int(state.BackwardCursor)
		}
		pageSize, stored, _, _, err := w.fetchAndApply(ctx, job.ChatID, peer, req, cache.PageBackward)
		if err != nil {
			return nil, err
		}
		total += stored
		if pageSize < req.Limit {
			break
		}
	}
	if err := w.sched.MarkCompleted(ctx, job.ID, total, 0); err != nil {
		return nil, err
	}
	return &Result{Success: true, MessagesFetched: total}, nil
}

// fetchAndApply качает одну страницу, разбирает её и в одной транзакции пишет
// сообщения вместе с курсорами. Возвращает сырой размер страницы (для
// пагинации: messageEmpty считается), число записанных сообщений и (minID, maxID).
func (w *Worker) fetchAndApply(ctx context.Context, chatID string, peer tg.InputPeerClass, req HistoryRequest, dir cache.PageDirection) (int, int, int64, int64, error) {
	page, err := w.client.History(ctx, peer, req)
	if err != nil {
		return 0, 0, 0, 0, err
	}

	w.storePeers(ctx, page)

	var msgs []cache.Message
	var minID, maxID int64
	for _, raw := range page.Messages {
		m, ok := ParseMessage(chatID, raw)
		if !ok {
			continue
		}
		if minID == 0 || m.MessageID < minID {
			minID = m.MessageID
		}
		if m.MessageID > maxID {
			maxID = m.MessageID
		}
		msgs = append(msgs, m)
	}

	// history_complete только для backward-прохода, пришедшего короче лимита.
	// Лимит сравнивается с сырым размером страницы: ParseMessage выкидывает
	// messageEmpty, и полная страница с пустыми заглушками не должна
	// преждевременно закрывать историю.
	complete := dir == cache.PageBackward && len(page.Messages) < req.Limit

	err = w.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := cache.UpsertMessagesIn(ctx, tx, w.clk, msgs); err != nil {
			return err
		}
		return cache.ApplyPageIn(ctx, tx, w.clk, chatID, dir, minID, maxID, len(msgs), complete)
	})
	if err != nil {
		return 0, 0, 0, 0, err
	}

	if maxID > 0 {
		var lastAt int64
		for _, m := range msgs {
			if m.MessageID == maxID {
				lastAt = m.Date * 1000
			}
		}
		if err := w.store.Chats.TouchLastMessage(ctx, chatID, maxID, lastAt); err != nil {
			logger.Debugf("syncer: touch last message %s: %v", chatID, err)
		}
	}
	return len(page.Messages), len(msgs), minID, maxID, nil
}

// storePeers складывает пользователей и чаты страницы в кэш; ошибки не фатальны.
func (w *Worker) storePeers(ctx context.Context, page *HistoryResult) {
	var users []cache.User
	for _, raw := range page.Users {
		if u, ok := ParseUser(raw); ok {
			users = append(users, u)
		}
	}
	if err := w.store.Users.UpsertMany(ctx, users); err != nil {
		logger.Warnf("syncer: upsert users: %v", err)
	}

	var chats []cache.Chat
	for _, raw := range page.Chats {
		if c, ok := ParseChat(raw); ok {
			chats = append(chats, c)
		}
	}
	if err := w.store.Chats.UpsertMany(ctx, chats); err != nil {
		logger.Warnf("syncer: upsert chats: %v", err)
	}
}

// cursorEnd выбирает, какой край страницы записать в cursor_end задания.
func cursorEnd(dir cache.PageDirection, minID, maxID int64) int64 {
	if dir == cache.PageBackward {
		return minID
	}
	return maxID
}
