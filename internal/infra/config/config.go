// Пакет config отвечает за сбор и предоставление конфигурации движка синхронизации.
// Он:
//  1. читает переменные окружения из .env (через godotenv): учётные данные MTProto,
//     лог-уровень, параметры файлового логирования,
//  2. определяет каталог данных (TELEGRAM_SYNC_CLI_DATA_DIR или платформенный
//     пользовательский каталог) и производные от него пути (data.db, cache.db,
//     daemon.pid, session_<id>.db),
//  3. загружает config.json с тюнингом демона (реконнект, таймауты, TTL кэша),
//  4. нормализует и валидирует входные значения, накапливая предупреждения,
//  5. предоставляет потокобезопасный доступ к результату через singleton.
//
// Каталог данных и активный аккаунт — процесс-глобальные: инициализируются один
// раз на старте и далее не перечитываются.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"telegram-syncd/internal/infra/timeutil"

	"github.com/joho/godotenv"
)

// Имена файлов внутри каталога данных. Фиксированы контрактом CLI.
const (
	DataDBName     = "data.db"
	CacheDBName    = "cache.db"
	PIDFileName    = "daemon.pid"
	ConfigFileName = "config.json"
	appDirName     = "telegram-syncd"
)

// EnvConfig описывает параметры, приходящие из окружения (.env). Это «операционные»
// настройки запуска: учётные данные MTProto, лог-уровень, тестовый DC и файловое
// логирование. Значения проходят минимальную валидацию и нормализацию в loadEnv.
type EnvConfig struct {
	APIID    int
	APIHash  string
	LogLevel string
	TestDC   bool
	DataDir  string
	// Файловое логирование
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool
}

// ReconnectConfig — параметры экспоненциального бэкофа супервизора соединений.
type ReconnectConfig struct {
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	MaxAttempts       int
	BackoffMultiplier float64
}

// FileConfig — тюнинг из config.json в каталоге данных. Признаваемые опции
// перечислены контрактом: activeAccount, cache.staleness.*, reconnect.*,
// shutdownTimeoutMs, interJobDelayMs. Неизвестные ключи игнорируются.
type FileConfig struct {
	ActiveAccount   int64
	PeerTTL         time.Duration
	DialogTTL       time.Duration
	Reconnect       ReconnectConfig
	ShutdownTimeout time.Duration
	InterJobDelay   time.Duration
}

// Config хранит объединённую конфигурацию среды и файла.
type Config struct {
	Env      EnvConfig
	File     FileConfig
	warnings []string
	mu       sync.RWMutex
}

// Значения по умолчанию.
const (
	defaultLogLevel          = "info"
	defaultLogFileLevel      = "debug"
	defaultLogFileMaxSize    = 50
	defaultLogFileMaxBackups = 3
	defaultLogFileMaxAge     = 7
	defaultLogFileCompress   = true

	defaultPeerTTL         = 7 * 24 * time.Hour
	defaultDialogTTL       = 24 * time.Hour
	defaultInitialDelay    = time.Second
	defaultMaxDelay        = 60 * time.Second
	defaultMaxAttempts     = 10
	defaultMultiplier      = 2.0
	defaultShutdownTimeout = 30 * time.Second
	defaultInterJobDelay   = 100 * time.Millisecond
)

var (
	cfgInstance *Config
	cfgDone     bool
	cfgMu       sync.Mutex
)

// fileConfigJSON — сырой вид config.json до нормализации.
type fileConfigJSON struct {
	ActiveAccount int64 `json:"activeAccount"`
	Cache         struct {
		Staleness struct {
			Peers   string `json:"peers"`
			Dialogs string `json:"dialogs"`
		} `json:"staleness"`
	} `json:"cache"`
	Reconnect struct {
		InitialDelayMs    int64   `json:"initialDelayMs"`
		MaxDelayMs        int64   `json:"maxDelayMs"`
		MaxAttempts       int     `json:"maxAttempts"`
		BackoffMultiplier float64 `json:"backoffMultiplier"`
	} `json:"reconnect"`
	ShutdownTimeoutMs int64 `json:"shutdownTimeoutMs"`
	InterJobDelayMs   int64 `json:"interJobDelayMs"`
}

// Load — точка входа для инициализации глобальной конфигурации. При первом вызове
// читает .env (best-effort), окружение и config.json из каталога данных, после
// чего фиксирует результат в singleton. Повторный вызов запрещён, чтобы избежать
// гонок конфигурации на старте.
func Load(envPath string) error {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	var warnings []string

	// .env опционален: секреты могут прийти и из окружения процесса.
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			appendWarningf(&warnings, ".env not loaded from %s: %v", envPath, err)
		}
	}

	env, err := loadEnv(&warnings)
	if err != nil {
		return nil, err
	}

	file, err := loadFile(filepath.Join(env.DataDir, ConfigFileName), &warnings)
	if err != nil {
		return nil, err
	}

	return &Config{Env: env, File: file, warnings: warnings}, nil
}

// loadEnv собирает EnvConfig из переменных окружения.
func loadEnv(warnings *[]string) (EnvConfig, error) {
	apiID, err := parseRequiredInt("API_ID")
	if err != nil {
		return EnvConfig{}, err
	}

	apiHash := strings.TrimSpace(os.Getenv("API_HASH"))
	if apiHash == "" {
		return EnvConfig{}, errors.New("env API_HASH must be set")
	}

	dataDir, err := resolveDataDir()
	if err != nil {
		return EnvConfig{}, err
	}

	return EnvConfig{
		APIID:             apiID,
		APIHash:           apiHash,
		LogLevel:          sanitizeLogLevel(os.Getenv("LOG_LEVEL"), defaultLogLevel, warnings),
		TestDC:            strings.EqualFold(strings.TrimSpace(os.Getenv("TEST_DC")), "true"),
		DataDir:           dataDir,
		LogFile:           strings.TrimSpace(os.Getenv("LOG_FILE")),
		LogFileLevel:      sanitizeLogLevel(os.Getenv("LOG_FILE_LEVEL"), defaultLogFileLevel, warnings),
		LogFileMaxSize:    parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, warnings),
		LogFileMaxBackups: parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, warnings),
		LogFileMaxAge:     parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, warnings),
		LogFileCompress:   parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, warnings),
	}, nil
}

// resolveDataDir возвращает каталог данных: TELEGRAM_SYNC_CLI_DATA_DIR или
// платформенный пользовательский каталог конфигурации + имя приложения.
func resolveDataDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("TELEGRAM_SYNC_CLI_DATA_DIR")); dir != "" {
		return filepath.Clean(dir), nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user data dir: %w", err)
	}
	return filepath.Join(base, appDirName), nil
}

// loadFile читает config.json. Отсутствующий файл — норма (полные дефолты);
// синтаксическая ошибка — отказ, чтобы не работать на половине тюнинга.
func loadFile(path string, warnings *[]string) (FileConfig, error) {
	out := FileConfig{
		PeerTTL:   defaultPeerTTL,
		DialogTTL: defaultDialogTTL,
		Reconnect: ReconnectConfig{
			InitialDelay:      defaultInitialDelay,
			MaxDelay:          defaultMaxDelay,
			MaxAttempts:       defaultMaxAttempts,
			BackoffMultiplier: defaultMultiplier,
		},
		ShutdownTimeout: defaultShutdownTimeout,
		InterJobDelay:   defaultInterJobDelay,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("read %s: %w", path, err)
	}

	var raw fileConfigJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return out, fmt.Errorf("parse %s: %w", path, err)
	}

	if raw.ActiveAccount > 0 {
		out.ActiveAccount = raw.ActiveAccount
	} else if raw.ActiveAccount < 0 {
		appendWarningf(warnings, "config activeAccount %d is invalid; ignoring", raw.ActiveAccount)
	}

	out.PeerTTL = parseTTL(raw.Cache.Staleness.Peers, "cache.staleness.peers", defaultPeerTTL, warnings)
	out.DialogTTL = parseTTL(raw.Cache.Staleness.Dialogs, "cache.staleness.dialogs", defaultDialogTTL, warnings)

	if raw.Reconnect.InitialDelayMs > 0 {
		out.Reconnect.InitialDelay = time.Duration(raw.Reconnect.InitialDelayMs) * time.Millisecond
	}
	if raw.Reconnect.MaxDelayMs > 0 {
		out.Reconnect.MaxDelay = time.Duration(raw.Reconnect.MaxDelayMs) * time.Millisecond
	}
	if raw.Reconnect.MaxAttempts > 0 {
		out.Reconnect.MaxAttempts = raw.Reconnect.MaxAttempts
	}
	if raw.Reconnect.BackoffMultiplier > 1 {
		out.Reconnect.BackoffMultiplier = raw.Reconnect.BackoffMultiplier
	}
	if raw.ShutdownTimeoutMs > 0 {
		out.ShutdownTimeout = time.Duration(raw.ShutdownTimeoutMs) * time.Millisecond
	}
	if raw.InterJobDelayMs > 0 {
		out.InterJobDelay = time.Duration(raw.InterJobDelayMs) * time.Millisecond
	}

	return out, nil
}

// parseTTL разбирает строку длительности "<n>(s|m|h|d|w)". Пустая строка —
// дефолт без предупреждения; некорректная — дефолт с предупреждением.
func parseTTL(value, key string, fallback time.Duration, warnings *[]string) time.Duration {
	v := strings.TrimSpace(value)
	if v == "" {
		return fallback
	}
	d, err := timeutil.ParseDuration(v)
	if err != nil {
		appendWarningf(warnings, "config %s value %q is invalid; using default %s", key, value, timeutil.FormatDuration(fallback))
		return fallback
	}
	return d
}

// Warnings возвращает накопленные предупреждения загрузки (копию).
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент загрузки.
func Env() EnvConfig {
	return cfgInstance.Env
}

// File возвращает FileConfig (тюнинг config.json) из глобального singleton.
func File() FileConfig {
	return cfgInstance.File
}

// DataDBPath возвращает путь к базе аккаунтов.
func DataDBPath() string { return filepath.Join(Env().DataDir, DataDBName) }

// CacheDBPath возвращает путь к базе кэша.
func CacheDBPath() string { return filepath.Join(Env().DataDir, CacheDBName) }

// PIDFilePath возвращает путь к PID-файлу демона.
func PIDFilePath() string { return filepath.Join(Env().DataDir, PIDFileName) }

// SessionPath возвращает путь к блобу MTProto-сессии аккаунта.
func SessionPath(accountID int64) string {
	return filepath.Join(Env().DataDir, fmt.Sprintf("session_%d.db", accountID))
}

// UpdatesStatePath возвращает путь к bbolt-хранилищу состояния апдейтов аккаунта.
func UpdatesStatePath(accountID int64) string {
	return filepath.Join(Env().DataDir, fmt.Sprintf("updates_%d.bbolt", accountID))
}

// parseRequiredInt читает обязательную целочисленную переменную окружения name.
// Если переменная не задана или не является корректным числом — возвращает ошибку.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator — возвращает defaultVal и пишет предупреждение.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseBoolDefault читает name как bool с дефолтом и предупреждением при мусоре.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// sanitizeLogLevel нормализует уровень и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в defaultVal.
func sanitizeLogLevel(level string, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "log level %q is invalid; using default %q", level, defaultVal)
		return defaultVal
	}
}

// appendWarningf — служебная функция для накопления предупреждений загрузки.
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// greaterThanZero / nonNegative — простые валидаторы чисел для parseIntDefault.
func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }
