// Package pidfile — гарантия единственного экземпляра демона через PID-файл.
// Захват: читаем файл, парсим pid, пробуем живость процесса нулевым сигналом.
// Живой процесс — отказ ALREADY_RUNNING; мёртвый или мусорный pid — файл
// перезаписывается текущим pid атомарно с правами 0o600. Освобождение
// идемпотентно и безусловно удаляет файл при штатном завершении.
package pidfile

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"telegram-syncd/internal/infra/errs"
	"telegram-syncd/internal/infra/logger"
	"telegram-syncd/internal/infra/storage"
)

// File — захваченный PID-файл. Release можно вызывать многократно.
type File struct {
	path     string
	mu       sync.Mutex
	acquired bool
}

// Acquire захватывает PID-файл по указанному пути. Если файл существует и
// содержит pid живого процесса — возвращается ALREADY_RUNNING с деталями.
// Ошибки файловой системы транслируются в PID_IO_ERROR.
func Acquire(path string) (*File, error) {
	if existing, ok := readPID(path); ok {
		if ProcessAlive(existing) {
			return nil, errs.New(errs.AlreadyRunning, "daemon already running with pid %d", existing).
				WithDetails(map[string]any{"pid": existing, "pid_file": path})
		}
		// Мёртвый владелец: файл можно забирать себе.
		logger.Debugf("pidfile: stale pid %d, removing %s", existing, path)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, errs.Wrap(errs.PIDIOError, err, "remove stale pid file %s", path)
		}
	}

	pid := os.Getpid()
	if err := storage.AtomicWriteFile(path, []byte(strconv.Itoa(pid)+"\n")); err != nil {
		return nil, errs.Wrap(errs.PIDIOError, err, "write pid file %s", path)
	}
	return &File{path: path, acquired: true}, nil
}

// Release удаляет PID-файл. Повторные вызовы безопасны и игнорируются.
func (f *File) Release() {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.acquired {
		return
	}
	f.acquired = false
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		logger.Warnf("pidfile: release %s: %v", f.path, err)
	}
}

// Read возвращает pid из файла и признак живости процесса-владельца.
// Используется командой `daemon status`, самого файла не трогает.
func Read(path string) (pid int, alive bool) {
	existing, ok := readPID(path)
	if !ok {
		return 0, false
	}
	return existing, ProcessAlive(existing)
}

// ProcessAlive пробует процесс нулевым сигналом. syscall.ESRCH означает
// отсутствие процесса; EPERM — процесс есть, но чужой (считаем живым).
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// readPID читает и парсит содержимое PID-файла. Мусорное содержимое
// равнозначно отсутствию файла.
func readPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		logger.Debugf("pidfile: malformed content in %s", path)
		return 0, false
	}
	return pid, true
}
