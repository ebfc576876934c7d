// Сервис аккаунтов (data.db). Аккаунты создаются флоу авторизации (внешним по
// отношению к движку), демон их только читает и обогащает user_id/username при
// первом успешном коннекте. Дубликаты по user_id сливаются: выживает аккаунт с
// настоящим телефоном, а не с плейсхолдером user:<id>; при равенстве — более
// ранний по created_at.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"telegram-syncd/internal/infra/clock"
	"telegram-syncd/internal/infra/errs"
	"telegram-syncd/internal/infra/logger"
)

// Account — учётная запись Telegram с собственным блобом сессии.
type Account struct {
	ID        int64
	Phone     string
	UserID    string
	Username  string
	Label     string
	IsActive  bool
	CreatedAt int64
}

// Accounts — сервис таблицы accounts.
type Accounts struct {
	db  *sql.DB
	clk clock.Clock
}

const accountColumns = "id, phone, user_id, username, label, is_active, created_at"

// scanAccount читает одну строку в Account.
func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var a Account
	var phone, userID, username, label sql.NullString
	var isActive int
	if err := row.Scan(&a.ID, &phone, &userID, &username, &label, &isActive, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Phone = phone.String
	a.UserID = userID.String
	a.Username = username.String
	a.Label = label.String
	a.IsActive = isActive != 0
	return &a, nil
}

// Create добавляет аккаунт и возвращает его id.
func (s *Accounts) Create(ctx context.Context, phone, label string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (phone, label, created_at) VALUES (?, ?, ?)`,
		nullStr(phone), nullStr(label), nowMS(s.clk))
	if err != nil {
		return 0, fmt.Errorf("create account: %w", err)
	}
	return res.LastInsertId()
}

// List возвращает все аккаунты в порядке создания.
func (s *Accounts) List(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// GetByID возвращает аккаунт либо ACCOUNT_NOT_FOUND.
func (s *Accounts) GetByID(ctx context.Context, id int64) (*Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.AccountNotFound, "account %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", id, err)
	}
	return a, nil
}

// GetActive возвращает активный аккаунт или nil, если активный не назначен.
func (s *Accounts) GetActive(ctx context.Context) (*Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE is_active = 1 LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active account: %w", err)
	}
	return a, nil
}

// SetActive помечает единственный активный аккаунт. Инвариант «ноль или один
// активный» обеспечивается сбросом флага у остальных в одной транзакции.
func (s *Accounts) SetActive(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET is_active = 0 WHERE is_active = 1`); err != nil {
		return fmt.Errorf("clear active: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE accounts SET is_active = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.AccountNotFound, "account %d not found", id)
	}
	return tx.Commit()
}

// Remove удаляет аккаунт. Сессионный блоб остаётся на диске — его чистит CLI.
func (s *Accounts) Remove(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove account %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.AccountNotFound, "account %d not found", id)
	}
	return nil
}

// AssignIdentity записывает user_id/username, выясненные при первом коннекте,
// и сливает дубликаты с тем же user_id. Возвращает выжившего: это может быть
// не тот аккаунт, который подключался.
func (s *Accounts) AssignIdentity(ctx context.Context, id int64, userID, username string) (*Account, error) {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET user_id = ?, username = COALESCE(?, username) WHERE id = ?`,
		userID, nullStr(username), id); err != nil {
		return nil, fmt.Errorf("assign identity: %w", err)
	}
	return s.mergeByUserID(ctx, userID)
}

// mergeByUserID схлопывает аккаунты с одинаковым user_id до одного.
// Правило выбора выжившего: настоящий телефон важнее плейсхолдера user:<id>;
// при равенстве — более ранний created_at. Флаг активности наследуется.
func (s *Accounts) mergeByUserID(ctx context.Context, userID string) (*Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = ? ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("load duplicates: %w", err)
	}
	var dups []Account
	for rows.Next() {
		a, scanErr := scanAccount(rows)
		if scanErr != nil {
			rows.Close()
			return nil, scanErr
		}
		dups = append(dups, *a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(dups) == 0 {
		return nil, errs.New(errs.AccountNotFound, "no account with user_id %s", userID)
	}
	if len(dups) == 1 {
		return &dups[0], nil
	}

	keeper := dups[0]
	for _, cand := range dups[1:] {
		if hasRealPhone(cand) && !hasRealPhone(keeper) {
			keeper = cand
		}
	}

	wasActive := false
	for _, a := range dups {
		if a.IsActive {
			wasActive = true
		}
		if a.ID == keeper.ID {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, a.ID); err != nil {
			return nil, fmt.Errorf("merge delete account %d: %w", a.ID, err)
		}
		logger.Infof("accounts: merged duplicate %d into %d (user_id=%s)", a.ID, keeper.ID, userID)
	}
	if wasActive && !keeper.IsActive {
		if err := s.SetActive(ctx, keeper.ID); err != nil {
			return nil, err
		}
		keeper.IsActive = true
	}
	return &keeper, nil
}

// hasRealPhone отличает настоящий номер от синтетического плейсхолдера user:<id>.
func hasRealPhone(a Account) bool {
	return a.Phone != "" && !strings.HasPrefix(a.Phone, "user:")
}

// Count возвращает количество аккаунтов.
func (s *Accounts) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count accounts: %w", err)
	}
	return n, nil
}
