package cache_test

import (
	"testing"

	"telegram-syncd/internal/domain/cache"
	"telegram-syncd/internal/infra/errs"
	"telegram-syncd/internal/infra/sqlite"
)

func TestGuardReadOnly(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		query    string
		wantKind errs.Kind // "" — запрос допустим
	}{
		{name: "select", query: "SELECT * FROM messages_cache"},
		{name: "selectLower", query: "select count(*) from users_cache"},
		{name: "with", query: "WITH t AS (SELECT 1) SELECT * FROM t"},
		{name: "pragma", query: "PRAGMA table_info(messages_cache)"},
		{name: "leadingComment", query: "-- note\nSELECT 1"},
		{name: "blockComment", query: "/* hm */ SELECT 1"},
		{name: "insert", query: "INSERT INTO messages_cache VALUES (1)", wantKind: errs.SQLWriteNotAllowed},
		{name: "update", query: "UPDATE accounts SET phone = ''", wantKind: errs.SQLWriteNotAllowed},
		{name: "delete", query: "DELETE FROM messages_cache", wantKind: errs.SQLWriteNotAllowed},
		{name: "drop", query: "DROP TABLE messages_cache", wantKind: errs.SQLWriteNotAllowed},
		{name: "attach", query: "ATTACH DATABASE 'x' AS y", wantKind: errs.SQLWriteNotAllowed},
		{name: "writeInsideSelect", query: "SELECT 1; DELETE FROM accounts", wantKind: errs.SQLWriteNotAllowed},
		{name: "writeLowercase", query: "select 1; drop table accounts", wantKind: errs.SQLWriteNotAllowed},
		{name: "commentHiddenWrite", query: "/* x */ DELETE FROM accounts", wantKind: errs.SQLWriteNotAllowed},
		{name: "keywordAsSubstring", query: "SELECT updated_at FROM daemon_status"},
		{name: "empty", query: "   ", wantKind: errs.InvalidArgs},
		{name: "commentsOnly", query: "-- nothing here", wantKind: errs.InvalidArgs},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := cache.GuardReadOnly(tc.query)
			if tc.wantKind == "" {
				if err != nil {
					t.Fatalf("GuardReadOnly(%q): %v", tc.query, err)
				}
				return
			}
			if errs.KindOf(err) != tc.wantKind {
				t.Fatalf("GuardReadOnly(%q) kind = %v, want %s", tc.query, err, tc.wantKind)
			}
		})
	}
}

func TestExecGuarded(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ctx := t.Context()
	db := store.CacheDB()

	if err := store.Messages.Upsert(ctx, cache.Message{
		ChatID: "-100", MessageID: 1, Text: "hello", Date: 42,
	}); err != nil {
		t.Fatal(err)
	}

	cols, rows, err := cache.ExecGuarded(ctx, db, "SELECT chat_id, message_id, text FROM messages_cache")
	if err != nil {
		t.Fatal(err)
	}
	if len(cols) != 3 || cols[0] != "chat_id" {
		t.Fatalf("columns = %v", cols)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0]["text"] != "hello" {
		t.Fatalf("text = %v (%T)", rows[0]["text"], rows[0]["text"])
	}
	if rows[0]["message_id"] != int64(1) {
		t.Fatalf("message_id = %v (%T)", rows[0]["message_id"], rows[0]["message_id"])
	}
}

func TestExecGuardedErrors(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ctx := t.Context()
	db := store.CacheDB()

	if _, _, err := cache.ExecGuarded(ctx, db, "DELETE FROM accounts"); errs.KindOf(err) != errs.SQLWriteNotAllowed {
		t.Fatalf("write query kind = %v", err)
	}
	if _, _, err := cache.ExecGuarded(ctx, db, "SELECT * FROM no_such"); errs.KindOf(err) != errs.SQLTableNotFound {
		t.Fatalf("missing table kind = %v", err)
	}
	if _, _, err := cache.ExecGuarded(ctx, db, "SELECT FROM WHERE"); errs.KindOf(err) != errs.SQLSyntaxError {
		t.Fatalf("syntax error kind = %v", err)
	}
}

func TestExecGuardedConnectionRestored(t *testing.T) {
	t.Parallel()

	db, err := sqlite.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := t.Context()

	if _, _, err := cache.ExecGuarded(ctx, db, "SELECT 1"); err != nil {
		t.Fatal(err)
	}
	// После ExecGuarded соединение обязано снова принимать записи.
	if _, err := db.ExecContext(ctx, `INSERT INTO daemon_status (key, value, updated_at) VALUES ('k', 'v', 0)`); err != nil {
		t.Fatalf("write after guarded query: %v", err)
	}
}
