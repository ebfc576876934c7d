// Package errs — структурированная таксономия ошибок движка синхронизации.
// Каждая ошибка несёт стабильный код (Kind), человекочитаемое сообщение и
// опциональные детали. На границе CLI ошибка сериализуется в единый JSON-конверт
// {"success":false,"error":{...}} и транслируется в числовой exit-код процесса.
// FLOOD_WAIT — не паника и не строка, а типизированное значение RATE_LIMITED
// с методом и количеством секунд ожидания.
package errs

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind — закрытое множество кодов ошибок, видимых пользователю и вызывающему коду.
type Kind string

// Коды таксономии. Значения стабильны: на них завязаны CLI и тесты.
const (
	InvalidArgs       Kind = "INVALID_ARGS"
	AuthRequired      Kind = "AUTH_REQUIRED"
	NetworkError      Kind = "NETWORK_ERROR"
	TelegramError     Kind = "TELEGRAM_ERROR"
	AccountNotFound   Kind = "ACCOUNT_NOT_FOUND"
	RateLimited       Kind = "RATE_LIMITED"
	SQLWriteNotAllowed Kind = "SQL_WRITE_NOT_ALLOWED"
	SQLTableNotFound  Kind = "SQL_TABLE_NOT_FOUND"
	SQLSyntaxError    Kind = "SQL_SYNTAX_ERROR"
	GeneralError      Kind = "GENERAL_ERROR"
	DaemonNotRunning  Kind = "DAEMON_NOT_RUNNING"
	AlreadyRunning    Kind = "ALREADY_RUNNING"
	PIDIOError        Kind = "PID_IO_ERROR"
	NoAccounts        Kind = "NO_ACCOUNTS"
	AllAccountsFailed Kind = "ALL_ACCOUNTS_FAILED"
)

// Exit-коды процесса, соответствующие исходам запуска демона.
const (
	ExitSuccess           = 0
	ExitError             = 1
	ExitAlreadyRunning    = 2
	ExitNoAccounts        = 3
	ExitAllAccountsFailed = 4
)

// Error — структурированная ошибка движка. Реализует error и errors.Unwrap.
type Error struct {
	Kind    Kind           // стабильный код
	Message string         // человекочитаемое описание
	Details map[string]any // опциональные машинные детали (method, wait_seconds и т.п.)
	Err     error          // обёрнутая причина, если есть
}

// Error возвращает код и сообщение одной строкой.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap отдаёт обёрнутую причину для errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// New создаёт ошибку заданного кода с форматированным сообщением.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap оборачивает причину err в ошибку заданного кода.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithDetails добавляет машинные детали и возвращает ту же ошибку (для цепочек).
func (e *Error) WithDetails(details map[string]any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// NewRateLimited создаёт типизированный FLOOD_WAIT: метод + секунды ожидания.
func NewRateLimited(method string, waitSeconds int) *Error {
	return New(RateLimited, "flood wait %ds on %s", waitSeconds, method).WithDetails(map[string]any{
		"method":       method,
		"wait_seconds": waitSeconds,
	})
}

// AsError извлекает *Error из цепочки err. Возвращает nil, если таксономия не применима.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// KindOf возвращает код ошибки или GENERAL_ERROR для нетипизированных ошибок.
func KindOf(err error) Kind {
	if e := AsError(err); e != nil {
		return e.Kind
	}
	return GeneralError
}

// IsRateLimited сообщает, является ли err типизированным FLOOD_WAIT, и если да —
// сколько секунд предписано ждать.
func IsRateLimited(err error) (waitSeconds int, ok bool) {
	e := AsError(err)
	if e == nil || e.Kind != RateLimited {
		return 0, false
	}
	if v, found := e.Details["wait_seconds"]; found {
		switch n := v.(type) {
		case int:
			return n, true
		case int64:
			return int(n), true
		case float64:
			return int(n), true
		}
	}
	return 0, true
}

// ExitCode транслирует ошибку в exit-код процесса согласно контракту CLI.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	switch KindOf(err) {
	case AlreadyRunning:
		return ExitAlreadyRunning
	case NoAccounts:
		return ExitNoAccounts
	case AllAccountsFailed:
		return ExitAllAccountsFailed
	default:
		return ExitError
	}
}

// envelope — форма JSON-конверта ошибки для CLI.
type envelope struct {
	Success bool          `json:"success"`
	Error   envelopeError `json:"error"`
}

type envelopeError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// JSONEnvelope сериализует ошибку в единый конверт {"success":false,"error":{...}}.
// Частичные успешные данные рядом с ошибкой не печатаются никогда.
func JSONEnvelope(err error) []byte {
	env := envelope{Error: envelopeError{Code: string(GeneralError)}}
	if err != nil {
		env.Error.Message = err.Error()
	}
	if e := AsError(err); e != nil {
		env.Error.Code = string(e.Kind)
		env.Error.Message = e.Message
		env.Error.Details = e.Details
	}
	out, marshalErr := json.Marshal(env)
	if marshalErr != nil {
		return []byte(`{"success":false,"error":{"code":"GENERAL_ERROR","message":"marshal failure"}}`)
	}
	return out
}
