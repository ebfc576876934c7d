// Сервис кэша пользователей. Пиры живут не дольше TTL (по умолчанию неделя):
// вставляются при первом появлении, освежаются любым более новым fetched_at и
// выпиливаются Prune по возрасту. Поиск по username нечувствителен к регистру
// и терпим к ведущей @; телефон сравнивается после нормализации до цифр.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"telegram-syncd/internal/infra/clock"
)

// User — кэшированная запись пользователя Telegram.
type User struct {
	UserID     string
	Username   string
	FirstName  string
	LastName   string
	Phone      string
	AccessHash string
	IsContact  bool
	IsBot      bool
	IsPremium  bool
	FetchedAt  int64 // мс эпохи; 0 — неизвестно
	RawJSON    string
}

// Users — сервис таблицы users_cache.
type Users struct {
	db  *sql.DB
	clk clock.Clock
}

const userColumns = `user_id, username, first_name, last_name, phone, access_hash,
	is_contact, is_bot, is_premium, fetched_at, raw_json`

// phoneJunk вычищает из телефона всё, кроме цифр: пробелы, +, -, скобки.
var phoneJunk = regexp.MustCompile(`[\s+\-()]`)

// NormalizePhone приводит телефон к каноничной форме «только цифры».
func NormalizePhone(phone string) string {
	return phoneJunk.ReplaceAllString(phone, "")
}

// NormalizeUsername срезает ведущую @ и пробелы; регистр не трогаем,
// сравнение выполняет COLLATE NOCASE на стороне SQLite.
func NormalizeUsername(username string) string {
	return strings.TrimPrefix(strings.TrimSpace(username), "@")
}

// scanUser читает одну строку users_cache.
func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var username, firstName, lastName, phone, accessHash, rawJSON sql.NullString
	var isContact, isBot, isPremium int
	var fetchedAt sql.NullInt64
	if err := row.Scan(&u.UserID, &username, &firstName, &lastName, &phone, &accessHash,
		&isContact, &isBot, &isPremium, &fetchedAt, &rawJSON); err != nil {
		return nil, err
	}
	u.Username = username.String
	u.FirstName = firstName.String
	u.LastName = lastName.String
	u.Phone = phone.String
	u.AccessHash = accessHash.String
	u.RawJSON = rawJSON.String
	u.IsContact = isContact != 0
	u.IsBot = isBot != 0
	u.IsPremium = isPremium != 0
	u.FetchedAt = fetchedAt.Int64
	return &u, nil
}

const upsertUserSQL = `
INSERT INTO users_cache (` + userColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	username    = excluded.username,
	first_name  = excluded.first_name,
	last_name   = excluded.last_name,
	phone       = excluded.phone,
	access_hash = excluded.access_hash,
	is_contact  = excluded.is_contact,
	is_bot      = excluded.is_bot,
	is_premium  = excluded.is_premium,
	fetched_at  = excluded.fetched_at,
	raw_json    = excluded.raw_json
WHERE excluded.fetched_at IS NULL
	OR users_cache.fetched_at IS NULL
	OR excluded.fetched_at >= users_cache.fetched_at`

// upsertArgs собирает аргументы вставки с нормализацией username/phone.
func (u *User) upsertArgs(clk clock.Clock) []any {
	fetched := u.FetchedAt
	if fetched == 0 {
		fetched = nowMS(clk)
	}
	return []any{
		u.UserID,
		nullStr(NormalizeUsername(u.Username)),
		nullStr(u.FirstName),
		nullStr(u.LastName),
		nullStr(NormalizePhone(u.Phone)),
		nullStr(u.AccessHash),
		boolInt(u.IsContact),
		boolInt(u.IsBot),
		boolInt(u.IsPremium),
		fetched,
		nullStr(u.RawJSON),
	}
}

// Upsert вставляет или освежает запись. Более старый fetched_at не затирает
// более новый: гонка backfill против realtime решается в пользу свежего.
func (s *Users) Upsert(ctx context.Context, u User) error {
	if _, err := s.db.ExecContext(ctx, upsertUserSQL, u.upsertArgs(s.clk)...); err != nil {
		return fmt.Errorf("upsert user %s: %w", u.UserID, err)
	}
	return nil
}

// UpsertMany вставляет пачку записей в одной транзакции.
func (s *Users) UpsertMany(ctx context.Context, users []User) error {
	if len(users) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertUserSQL)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for i := range users {
		if _, err := stmt.ExecContext(ctx, users[i].upsertArgs(s.clk)...); err != nil {
			return fmt.Errorf("upsert user %s: %w", users[i].UserID, err)
		}
	}
	return tx.Commit()
}

// GetByID возвращает пользователя или nil при промахе.
func (s *Users) GetByID(ctx context.Context, userID string) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users_cache WHERE user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	return u, nil
}

// GetByUsername ищет по нику без учёта регистра; ведущая @ допустима.
func (s *Users) GetByUsername(ctx context.Context, username string) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users_cache WHERE username = ? COLLATE NOCASE`,
		NormalizeUsername(username)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by username %s: %w", username, err)
	}
	return u, nil
}

// GetByPhone ищет по телефону после нормализации обеих сторон до цифр.
func (s *Users) GetByPhone(ctx context.Context, phone string) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users_cache WHERE phone = ?`, NormalizePhone(phone)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by phone: %w", err)
	}
	return u, nil
}

// GetStale возвращает записи, протухшие относительно ttl.
func (s *Users) GetStale(ctx context.Context, ttl time.Duration) ([]User, error) {
	cutoff := nowMS(s.clk) - ttl.Milliseconds()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users_cache WHERE fetched_at IS NULL OR fetched_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("get stale users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// Delete удаляет запись по user_id.
func (s *Users) Delete(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM users_cache WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete user %s: %w", userID, err)
	}
	return nil
}

// Prune удаляет записи старше age и возвращает количество удалённых.
func (s *Users) Prune(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := nowMS(s.clk) - age.Milliseconds()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM users_cache WHERE fetched_at IS NOT NULL AND fetched_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune users: %w", err)
	}
	return res.RowsAffected()
}

// Count возвращает количество закэшированных пользователей.
func (s *Users) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}
