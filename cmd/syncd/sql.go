package main

import (
	"strings"

	"github.com/spf13/cobra"

	"telegram-syncd/internal/domain/cache"
	"telegram-syncd/internal/infra/config"
	"telegram-syncd/internal/infra/errs"
	"telegram-syncd/internal/infra/sqlite"
)

func newSQLCmd() *cobra.Command {
	var schema bool
	cmd := &cobra.Command{
		Use:   "sql [query]",
		Short: "Выполнить read-only SQL-запрос к cache.db",
		Long: "Выполняет SELECT/WITH/PRAGMA над локальным кэшем. Запись через эту " +
			"команду запрещена: запросы проверяются текстовым фильтром и исполняются " +
			"на соединении с PRAGMA query_only.",
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if schema {
				return printJSON(cmd, cache.Registry())
			}
			query := strings.TrimSpace(strings.Join(args, " "))
			if query == "" {
				return errs.New(errs.InvalidArgs, "query must not be empty")
			}

			cacheDB, err := sqlite.OpenCache(config.CacheDBPath())
			if err != nil {
				return err
			}
			defer cacheDB.Close()

			cols, rows, err := cache.ExecGuarded(cmd.Context(), cacheDB, query)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"columns": cols,
				"rows":    rows,
				"count":   len(rows),
			})
		},
	}
	cmd.Flags().BoolVar(&schema, "schema", false, "показать описание таблиц кэша вместо выполнения запроса")
	return cmd
}
