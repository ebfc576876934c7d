package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"telegram-syncd/internal/domain/cache"
	"telegram-syncd/internal/infra/config"
	"telegram-syncd/internal/infra/errs"
	"telegram-syncd/internal/infra/sqlite"
)

func newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Управление аккаунтами",
	}
	cmd.AddCommand(newAccountsListCmd())
	cmd.AddCommand(newAccountsAddCmd())
	cmd.AddCommand(newAccountsUseCmd())
	cmd.AddCommand(newAccountsRemoveCmd())
	return cmd
}

// withAccounts открывает data.db на время одной команды.
func withAccounts(cmd *cobra.Command, fn func(*cache.Store) error) error {
	dataDB, err := sqlite.OpenData(config.DataDBPath())
	if err != nil {
		return err
	}
	defer dataDB.Close()
	// cache.db командам аккаунтов не нужен.
	return fn(cache.New(dataDB, nil, nil))
}

// accountJSON — представление аккаунта в выводе CLI.
type accountJSON struct {
	ID        int64  `json:"id"`
	Phone     string `json:"phone,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Username  string `json:"username,omitempty"`
	Label     string `json:"label,omitempty"`
	IsActive  bool   `json:"is_active"`
	CreatedAt int64  `json:"created_at"`
}

func accountToJSON(a cache.Account) accountJSON {
	return accountJSON{
		ID:        a.ID,
		Phone:     a.Phone,
		UserID:    a.UserID,
		Username:  a.Username,
		Label:     a.Label,
		IsActive:  a.IsActive,
		CreatedAt: a.CreatedAt,
	}
}

func newAccountsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Показать все аккаунты",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAccounts(cmd, func(store *cache.Store) error {
				accs, err := store.Accounts.List(cmd.Context())
				if err != nil {
					return err
				}
				out := make([]accountJSON, 0, len(accs))
				for _, a := range accs {
					out = append(out, accountToJSON(a))
				}
				return printJSON(cmd, out)
			})
		},
	}
}

func newAccountsAddCmd() *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "add <phone>",
		Short: "Добавить аккаунт по номеру телефона",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			phone := args[0]
			if phone == "" {
				return errs.New(errs.InvalidArgs, "phone must not be empty")
			}
			return withAccounts(cmd, func(store *cache.Store) error {
				id, err := store.Accounts.Create(cmd.Context(), phone, label)
				if err != nil {
					return err
				}
				a, err := store.Accounts.GetByID(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSON(cmd, accountToJSON(*a))
			})
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "человекочитаемая метка аккаунта")
	return cmd
}

func newAccountsUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Сделать аккаунт активным",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			return withAccounts(cmd, func(store *cache.Store) error {
				if err := store.Accounts.SetActive(cmd.Context(), id); err != nil {
					return err
				}
				a, err := store.Accounts.GetByID(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSON(cmd, accountToJSON(*a))
			})
		},
	}
}

func newAccountsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Удалить аккаунт",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			return withAccounts(cmd, func(store *cache.Store) error {
				if err := store.Accounts.Remove(cmd.Context(), id); err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"removed": true, "id": id})
			})
		},
	}
}

func parseAccountID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.New(errs.InvalidArgs, "invalid account id %q", s)
	}
	return id, nil
}
