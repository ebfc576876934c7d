package cache_test

import (
	"testing"
	"time"

	"telegram-syncd/internal/domain/cache"
)

func TestNormalizePhone(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		in    string
		want  string
	}{
		{name: "plain", in: "79001234567", want: "79001234567"},
		{name: "plus", in: "+79001234567", want: "79001234567"},
		{name: "formatted", in: "+7 (900) 123-45-67", want: "79001234567"},
		{name: "empty", in: "", want: ""},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := cache.NormalizePhone(tc.in); got != tc.want {
				t.Fatalf("NormalizePhone(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeUsername(t *testing.T) {
	t.Parallel()

	if got := cache.NormalizeUsername(" @Alice "); got != "Alice" {
		t.Fatalf("NormalizeUsername = %q, want Alice", got)
	}
	if got := cache.NormalizeUsername("bob"); got != "bob" {
		t.Fatalf("NormalizeUsername = %q, want bob", got)
	}
}

func TestUserLookups(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ctx := t.Context()

	if err := store.Users.Upsert(ctx, cache.User{
		UserID:    "777000",
		Username:  "@Alice",
		FirstName: "Alice",
		Phone:     "+7 (900) 123-45-67",
	}); err != nil {
		t.Fatal(err)
	}

	u, err := store.Users.GetByUsername(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if u == nil || u.UserID != "777000" {
		t.Fatalf("GetByUsername(alice) = %#v", u)
	}
	// Хранится без @, сравнение без регистра.
	if u.Username != "Alice" {
		t.Fatalf("stored username = %q, want Alice", u.Username)
	}

	u, err = store.Users.GetByPhone(ctx, "7 900 1234567")
	if err != nil {
		t.Fatal(err)
	}
	if u == nil || u.UserID != "777000" {
		t.Fatalf("GetByPhone = %#v", u)
	}

	u, err = store.Users.GetByID(ctx, "123")
	if err != nil {
		t.Fatal(err)
	}
	if u != nil {
		t.Fatalf("miss returned %#v", u)
	}
}

func TestUserStaleFetchedAtLoses(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ctx := t.Context()

	fresh := cache.User{UserID: "777000", FirstName: "New", FetchedAt: 2000}
	stale := cache.User{UserID: "777000", FirstName: "Old", FetchedAt: 1000}

	if err := store.Users.Upsert(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	if err := store.Users.Upsert(ctx, stale); err != nil {
		t.Fatal(err)
	}

	got, err := store.Users.GetByID(ctx, "777000")
	if err != nil {
		t.Fatal(err)
	}
	if got.FirstName != "New" || got.FetchedAt != 2000 {
		t.Fatalf("stale copy overwrote fresh: %#v", got)
	}
}

func TestUserPrune(t *testing.T) {
	t.Parallel()

	store, clk := newStore(t)
	ctx := t.Context()

	if err := store.Users.Upsert(ctx, cache.User{UserID: "1"}); err != nil {
		t.Fatal(err)
	}
	clk.Advance(8 * 24 * time.Hour)
	if err := store.Users.Upsert(ctx, cache.User{UserID: "2"}); err != nil {
		t.Fatal(err)
	}

	n, err := store.Users.Prune(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}

	left, err := store.Users.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if left != 1 {
		t.Fatalf("count after prune = %d, want 1", left)
	}
	u, err := store.Users.GetByID(ctx, "2")
	if err != nil {
		t.Fatal(err)
	}
	if u == nil {
		t.Fatal("fresh user pruned")
	}
}

func TestUserGetStale(t *testing.T) {
	t.Parallel()

	store, clk := newStore(t)
	ctx := t.Context()

	if err := store.Users.Upsert(ctx, cache.User{UserID: "1"}); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Hour)
	if err := store.Users.Upsert(ctx, cache.User{UserID: "2"}); err != nil {
		t.Fatal(err)
	}

	stale, err := store.Users.GetStale(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].UserID != "1" {
		t.Fatalf("stale = %#v", stale)
	}
}
