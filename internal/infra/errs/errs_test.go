package errs_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"telegram-syncd/internal/infra/errs"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want errs.Kind
	}{
		{name: "typed", err: errs.New(errs.NoAccounts, "no accounts"), want: errs.NoAccounts},
		{name: "wrapped", err: fmt.Errorf("outer: %w", errs.New(errs.AuthRequired, "session dead")), want: errs.AuthRequired},
		{name: "plain", err: errors.New("boom"), want: errs.GeneralError},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := errs.KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: 0},
		{name: "alreadyRunning", err: errs.New(errs.AlreadyRunning, "pid 42"), want: 2},
		{name: "noAccounts", err: errs.New(errs.NoAccounts, "empty"), want: 3},
		{name: "allAccountsFailed", err: errs.New(errs.AllAccountsFailed, "all dead"), want: 4},
		{name: "general", err: errors.New("boom"), want: 1},
		{name: "rateLimited", err: errs.NewRateLimited("messages.getHistory", 30), want: 1},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := errs.ExitCode(tc.err); got != tc.want {
				t.Fatalf("ExitCode() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestIsRateLimited(t *testing.T) {
	t.Parallel()

	wait, ok := errs.IsRateLimited(errs.NewRateLimited("messages.getHistory", 45))
	if !ok || wait != 45 {
		t.Fatalf("IsRateLimited() = (%d, %v), want (45, true)", wait, ok)
	}

	wrapped := fmt.Errorf("invoke: %w", errs.NewRateLimited("contacts.resolveUsername", 7))
	wait, ok = errs.IsRateLimited(wrapped)
	if !ok || wait != 7 {
		t.Fatalf("IsRateLimited(wrapped) = (%d, %v), want (7, true)", wait, ok)
	}

	if _, ok := errs.IsRateLimited(errs.New(errs.NetworkError, "conn dead")); ok {
		t.Fatal("IsRateLimited() = true for NETWORK_ERROR")
	}
	if _, ok := errs.IsRateLimited(nil); ok {
		t.Fatal("IsRateLimited(nil) = true")
	}
}

func TestUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk full")
	err := errs.Wrap(errs.PIDIOError, cause, "write pid file")
	if !errors.Is(err, cause) {
		t.Fatal("wrapped cause lost")
	}
}

func TestJSONEnvelope(t *testing.T) {
	t.Parallel()

	raw := errs.JSONEnvelope(errs.NewRateLimited("messages.getHistory", 30))

	var env struct {
		Success bool `json:"success"`
		Error   struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Success {
		t.Fatal("envelope success = true")
	}
	if env.Error.Code != "RATE_LIMITED" {
		t.Fatalf("envelope code = %q, want RATE_LIMITED", env.Error.Code)
	}
	if env.Error.Details["method"] != "messages.getHistory" {
		t.Fatalf("envelope method = %v", env.Error.Details["method"])
	}
	if env.Error.Details["wait_seconds"] != float64(30) {
		t.Fatalf("envelope wait_seconds = %v", env.Error.Details["wait_seconds"])
	}
}

func TestJSONEnvelopePlainError(t *testing.T) {
	t.Parallel()

	raw := errs.JSONEnvelope(errors.New("boom"))

	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Error.Code != "GENERAL_ERROR" {
		t.Fatalf("envelope code = %q, want GENERAL_ERROR", env.Error.Code)
	}
	if env.Error.Message != "boom" {
		t.Fatalf("envelope message = %q", env.Error.Message)
	}
}
