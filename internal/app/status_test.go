package app_test

import (
	"reflect"
	"testing"
	"time"

	"telegram-syncd/internal/app"
	"telegram-syncd/internal/infra/clock"
	"telegram-syncd/internal/infra/sqlite"
)

func newStatus(t *testing.T) *app.StatusService {
	t.Helper()

	db, err := sqlite.OpenMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return app.NewStatusService(db, clk)
}

func TestStatusSetGet(t *testing.T) {
	t.Parallel()

	st := newStatus(t)
	ctx := t.Context()

	if err := st.Set(ctx, app.StatusKeyState, app.StatusStateRunning); err != nil {
		t.Fatal(err)
	}
	v, err := st.Get(ctx, app.StatusKeyState)
	if err != nil {
		t.Fatal(err)
	}
	if v != app.StatusStateRunning {
		t.Fatalf("state = %q, want running", v)
	}

	// Повторная запись того же ключа перетирает значение.
	if err := st.Set(ctx, app.StatusKeyState, app.StatusStateStopped); err != nil {
		t.Fatal(err)
	}
	v, err = st.Get(ctx, app.StatusKeyState)
	if err != nil {
		t.Fatal(err)
	}
	if v != app.StatusStateStopped {
		t.Fatalf("state after overwrite = %q, want stopped", v)
	}

	// Отсутствующий ключ — пустая строка без ошибки.
	v, err = st.Get(ctx, "no_such_key")
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Fatalf("missing key = %q, want empty", v)
	}
}

func TestStatusSnapshot(t *testing.T) {
	t.Parallel()

	st := newStatus(t)
	ctx := t.Context()

	if err := st.Set(ctx, app.StatusKeyState, app.StatusStateRunning); err != nil {
		t.Fatal(err)
	}
	if err := st.SetInt(ctx, app.StatusKeyConnectedAccounts, 2); err != nil {
		t.Fatal(err)
	}
	if err := st.SetInt(ctx, app.StatusKeyMessagesSynced, 1500); err != nil {
		t.Fatal(err)
	}

	got, err := st.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		app.StatusKeyState:             app.StatusStateRunning,
		app.StatusKeyConnectedAccounts: "2",
		app.StatusKeyMessagesSynced:    "1500",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("snapshot = %v, want %v", got, want)
	}
}
