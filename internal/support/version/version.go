// Package version — сведения о сборке. Version переопределяется на этапе
// линковки: go build -ldflags "-X telegram-syncd/internal/support/version.Version=v1.2.3".
package version

// Version — версия сборки демона.
var Version = "dev"
