// Read-only страж SQL-поверхности. Команда sql пускает произвольные запросы
// пользователя в cache.db, поэтому до исполнения каждый запрос проходит два
// фильтра: нормализованный текст обязан начинаться с SELECT/WITH/PRAGMA, и в
// нём не должно встречаться ни одного пишущего ключевого слова целиком.
// Стража недостаточно против хитрых PRAGMA, поэтому соединение дополнительно
// открывается в режиме query_only (см. ExecGuarded).
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"telegram-syncd/internal/infra/errs"
)

// allowedPrefixes — с чего может начинаться read-only запрос.
var allowedPrefixes = []string{"SELECT", "WITH", "PRAGMA"}

// forbiddenKeyword матчит пишущие ключевые слова как целые слова.
var forbiddenKeyword = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|REPLACE|DROP|ALTER|CREATE|TRUNCATE|ATTACH|DETACH|VACUUM|REINDEX)\b`)

// sqlComments вырезает комментарии, чтобы ими нельзя было спрятать префикс.
var sqlComments = regexp.MustCompile(`(?s)--[^\n]*|/\*.*?\*/`)

// GuardReadOnly проверяет, что запрос допустим для read-only поверхности.
// Возвращает SQL_WRITE_NOT_ALLOWED при любом нарушении.
func GuardReadOnly(query string) error {
	normalized := strings.TrimSpace(sqlComments.ReplaceAllString(query, " "))
	if normalized == "" {
		return errs.New(errs.InvalidArgs, "empty SQL query")
	}

	upper := strings.ToUpper(normalized)
	ok := false
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(upper, p) {
			ok = true
			break
		}
	}
	if !ok {
		return errs.New(errs.SQLWriteNotAllowed, "only SELECT, WITH and PRAGMA queries are allowed")
	}

	if m := forbiddenKeyword.FindString(normalized); m != "" {
		return errs.New(errs.SQLWriteNotAllowed, "forbidden keyword %s in read-only query", strings.ToUpper(m))
	}
	return nil
}

// noSuchTable вытаскивает имя таблицы из ошибки SQLite "no such table: X".
var noSuchTable = regexp.MustCompile(`no such table:?\s+(\S+)`)

// classifySQLError переводит ошибку исполнения в таксономию движка.
func classifySQLError(err error) error {
	msg := err.Error()
	if m := noSuchTable.FindStringSubmatch(msg); m != nil {
		return errs.Wrap(errs.SQLTableNotFound, err, "table %s not found", m[1])
	}
	if strings.Contains(msg, "syntax error") {
		return errs.Wrap(errs.SQLSyntaxError, err, "SQL syntax error")
	}
	return errs.Wrap(errs.GeneralError, err, "SQL query failed")
}

// ExecGuarded прогоняет запрос через стража и исполняет его, возвращая строки
// как срез упорядоченных колонок и срез map-строк. Соединению заранее
// выставляется PRAGMA query_only: даже запрос, проскочивший текстовый фильтр,
// не сможет писать.
func ExecGuarded(ctx context.Context, db *sql.DB, query string) ([]string, []map[string]any, error) {
	if err := GuardReadOnly(query); err != nil {
		return nil, nil, err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `PRAGMA query_only = 1`); err != nil {
		return nil, nil, fmt.Errorf("set query_only: %w", err)
	}
	defer func() { _, _ = conn.ExecContext(context.WithoutCancel(ctx), `PRAGMA query_only = 0`) }()

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, classifySQLError(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("read columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		rec := make(map[string]any, len(cols))
		for i, c := range cols {
			v := vals[i]
			if b, isBytes := v.([]byte); isBytes {
				v = string(b)
			}
			rec[c] = v
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, classifySQLError(err)
	}
	return cols, out, nil
}
