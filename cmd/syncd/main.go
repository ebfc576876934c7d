package main

import (
	"fmt"
	"os"

	"telegram-syncd/internal/infra/config"
	"telegram-syncd/internal/infra/errs"
	"telegram-syncd/internal/infra/logger"
)

func main() {
	if err := config.Load(".env"); err != nil {
		fmt.Fprintln(os.Stderr, string(errs.JSONEnvelope(err)))
		os.Exit(errs.ExitCode(err))
	}
	initLogger()
	for _, w := range config.Warnings() {
		logger.Warnf("config: %s", w)
	}

	if err := newRootCmd().Execute(); err != nil {
		// Единственный JSON-конверт ошибки на stderr; частичный успешный
		// вывод рядом с ошибкой не печатается.
		fmt.Fprintln(os.Stderr, string(errs.JSONEnvelope(err)))
		os.Exit(errs.ExitCode(err))
	}
}

// initLogger поднимает zap: консоль всегда, файл — если задан LOG_FILE.
func initLogger() {
	env := config.Env()
	logger.Init(env.LogLevel)
	if env.LogFile == "" {
		return
	}
	logger.InitFile(logger.FileOptions{
		Path:       env.LogFile,
		Level:      env.LogFileLevel,
		MaxSizeMB:  env.LogFileMaxSize,
		MaxBackups: env.LogFileMaxBackups,
		MaxAgeDays: env.LogFileMaxAge,
		Compress:   env.LogFileCompress,
	})
}
