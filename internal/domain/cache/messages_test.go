package cache_test

import (
	"testing"

	"telegram-syncd/internal/domain/cache"
)

func TestMessageUpsertIdempotent(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ctx := t.Context()

	m := cache.Message{
		ChatID:    "-100200",
		MessageID: 10,
		FromID:    "777000",
		Text:      "привет мир",
		Date:      1_750_000_000,
	}
	for i := 0; i < 3; i++ {
		if err := store.Messages.Upsert(ctx, m); err != nil {
			t.Fatalf("upsert #%d: %v", i, err)
		}
	}

	n, err := store.Messages.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1 after repeated upsert", n)
	}

	got, err := store.Messages.Get(ctx, "-100200", 10)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Text != "привет мир" || got.FromID != "777000" {
		t.Fatalf("Get() = %#v", got)
	}
}

func TestMessageDeleteNeverReverts(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ctx := t.Context()

	m := cache.Message{ChatID: "-100200", MessageID: 10, Text: "original", Date: 100}
	if err := store.Messages.Upsert(ctx, m); err != nil {
		t.Fatal(err)
	}

	n, err := store.Messages.MarkDeleted(ctx, "-100200", []int64{10})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("MarkDeleted affected %d rows, want 1", n)
	}

	// Backfill доставляет ту же копию ещё раз: is_deleted не откатывается.
	if err := store.Messages.Upsert(ctx, m); err != nil {
		t.Fatal(err)
	}
	got, err := store.Messages.Get(ctx, "-100200", 10)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsDeleted {
		t.Fatal("is_deleted reverted by re-upsert")
	}
}

func TestMessageEditDateGuard(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ctx := t.Context()

	if err := store.Messages.Upsert(ctx, cache.Message{
		ChatID: "-100200", MessageID: 10, Text: "edited text",
		EditDate: 2000, IsEdited: true, Date: 100,
	}); err != nil {
		t.Fatal(err)
	}

	// Устаревшая копия (без правки) не должна затереть новый текст.
	if err := store.Messages.Upsert(ctx, cache.Message{
		ChatID: "-100200", MessageID: 10, Text: "stale text", Date: 100,
	}); err != nil {
		t.Fatal(err)
	}
	got, err := store.Messages.Get(ctx, "-100200", 10)
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "edited text" || got.EditDate != 2000 || !got.IsEdited {
		t.Fatalf("stale copy overwrote edit: %#v", got)
	}

	// Более новая правка побеждает.
	if err := store.Messages.Upsert(ctx, cache.Message{
		ChatID: "-100200", MessageID: 10, Text: "newer text",
		EditDate: 3000, IsEdited: true, Date: 100,
	}); err != nil {
		t.Fatal(err)
	}
	got, err = store.Messages.Get(ctx, "-100200", 10)
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "newer text" || got.EditDate != 3000 {
		t.Fatalf("newer edit lost: %#v", got)
	}
}

func TestMarkEditedIgnoresStaleEdit(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ctx := t.Context()

	if err := store.Messages.Upsert(ctx, cache.Message{
		ChatID: "-100200", MessageID: 10, Text: "v2", EditDate: 2000, IsEdited: true, Date: 100,
	}); err != nil {
		t.Fatal(err)
	}

	if err := store.Messages.MarkEdited(ctx, "-100200", 10, "v1", 1000); err != nil {
		t.Fatal(err)
	}
	got, err := store.Messages.Get(ctx, "-100200", 10)
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "v2" || got.EditDate != 2000 {
		t.Fatalf("stale MarkEdited applied: %#v", got)
	}

	if err := store.Messages.MarkEdited(ctx, "-100200", 10, "v3", 3000); err != nil {
		t.Fatal(err)
	}
	got, err = store.Messages.Get(ctx, "-100200", 10)
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "v3" || got.EditDate != 3000 || !got.IsEdited {
		t.Fatalf("newer MarkEdited lost: %#v", got)
	}
}

func TestSearchReflectsWritesAndDeletes(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ctx := t.Context()

	msgs := []cache.Message{
		{ChatID: "-100200", MessageID: 1, FromID: "777000", Text: "deployment finished", Date: 100},
		{ChatID: "-100200", MessageID: 2, FromID: "777000", Text: "deployment failed", Date: 200},
		{ChatID: "555", MessageID: 3, FromID: "555", Text: "lunch plans", Date: 300},
	}
	if err := store.Messages.UpsertMany(ctx, msgs); err != nil {
		t.Fatal(err)
	}

	res, err := store.Messages.Search(ctx, cache.SearchParams{Query: "deployment"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 2 {
		t.Fatalf("search hits = %d, want 2", len(res))
	}
	// Сортировка date DESC: самое свежее первым.
	if res[0].MessageID != 2 || res[1].MessageID != 1 {
		t.Fatalf("search order = [%d %d], want [2 1]", res[0].MessageID, res[1].MessageID)
	}

	// Мягко удалённое исчезает из выдачи по умолчанию.
	if _, err := store.Messages.MarkDeleted(ctx, "-100200", []int64{2}); err != nil {
		t.Fatal(err)
	}
	res, err = store.Messages.Search(ctx, cache.SearchParams{Query: "deployment"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].MessageID != 1 {
		t.Fatalf("deleted message still searchable: %#v", res)
	}

	// ...но возвращается при IncludeDeleted.
	res, err = store.Messages.Search(ctx, cache.SearchParams{Query: "deployment", IncludeDeleted: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 2 {
		t.Fatalf("IncludeDeleted hits = %d, want 2", len(res))
	}
}

func TestSearchFilters(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ctx := t.Context()

	if err := store.Chats.Upsert(ctx, cache.Chat{
		ChatID: "-100200", Type: cache.ChatTypeSupergroup, Title: "Ops", Username: "opschat",
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.Users.Upsert(ctx, cache.User{
		UserID: "777000", Username: "alice", FirstName: "Alice",
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.Messages.UpsertMany(ctx, []cache.Message{
		{ChatID: "-100200", MessageID: 1, FromID: "777000", Text: "release notes", Date: 100},
		{ChatID: "555", MessageID: 2, FromID: "555", Text: "release party", Date: 200},
	}); err != nil {
		t.Fatal(err)
	}

	res, err := store.Messages.Search(ctx, cache.SearchParams{Query: "release", ChatID: "-100200"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].MessageID != 1 {
		t.Fatalf("chat filter: %#v", res)
	}
	if res[0].ChatTitle != "Ops" || res[0].SenderUsername != "alice" || res[0].SenderName != "Alice" {
		t.Fatalf("display fields: %#v", res[0])
	}

	res, err = store.Messages.Search(ctx, cache.SearchParams{Query: "release", ChatUsername: "@OpsChat"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].MessageID != 1 {
		t.Fatalf("chat username filter: %#v", res)
	}

	res, err = store.Messages.Search(ctx, cache.SearchParams{Query: "release", SenderUsername: "ALICE"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].MessageID != 1 {
		t.Fatalf("sender username filter: %#v", res)
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	if _, err := store.Messages.Search(t.Context(), cache.SearchParams{Query: "  "}); err == nil {
		t.Fatal("empty query accepted")
	}
}

func TestCountByChatSkipsDeleted(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ctx := t.Context()

	if err := store.Messages.UpsertMany(ctx, []cache.Message{
		{ChatID: "-100200", MessageID: 1, Text: "a", Date: 1},
		{ChatID: "-100200", MessageID: 2, Text: "b", Date: 2},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Messages.MarkDeleted(ctx, "-100200", []int64{1}); err != nil {
		t.Fatal(err)
	}

	n, err := store.Messages.CountByChat(ctx, "-100200")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("CountByChat = %d, want 1", n)
	}
}
