package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"telegram-syncd/internal/support/version"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "syncd",
		Short:         "telegram-syncd — демон синхронизации Telegram-аккаунтов в локальный SQLite-кэш",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDaemonCmd())
	cmd.AddCommand(newAccountsCmd())
	cmd.AddCommand(newSQLCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Показать версию сборки",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "syncd %s\n", version.Version)
		},
	}
}

// printJSON печатает единственный успешный payload команды.
func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return nil
}
