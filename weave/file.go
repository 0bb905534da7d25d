package weave

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/uuid"
)

// FileExists reports whether the named file exists.
func FileExists(filename string) bool {
	if _, err := os.Stat(filename); err != nil {
		return !os.IsNotExist(err)
	}
	return true
}

// writeTemp writes data to a new temporary file in the directory of path, returning its name.
func writeTemp(path string, data []byte) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", err
	}
	name := f.Name()
	if _, err = f.Write(data); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}

// writeFilesAtomic writes every file to a temporary sibling first, then moves the existing
// destinations aside and renames the temporaries into place. Any failure restores every
// destination, so either all files are replaced or none is.
func writeFilesAtomic(files map[string][]byte) error {
	return replaceFiles(files, os.Rename)
}

func replaceFiles(files map[string][]byte, rename func(oldpath, newpath string) error) error {
	paths := slices.Sorted(maps.Keys(files))
	for _, path := range paths {
		if info, err := os.Lstat(path); err == nil && !info.Mode().IsRegular() {
			return fmt.Errorf("replace %s: not a regular file", path)
		}
	}

	temps := make(map[string]string, len(paths))
	removeTemps := func() {
		for _, tmp := range temps {
			_ = os.Remove(tmp)
		}
	}
	for _, path := range paths {
		tmp, err := writeTemp(path, files[path])
		if err != nil {
			removeTemps()
			return fmt.Errorf("write %s: %w", path, err)
		}
		temps[path] = tmp
	}

	backups := make(map[string]string, len(paths))
	var placed []string
	rollback := func() {
		for _, path := range placed {
			if _, ok := backups[path]; !ok {
				_ = os.Remove(path)
			}
		}
		for path, backup := range backups {
			_ = rename(backup, path)
		}
		removeTemps()
	}
	for _, path := range paths {
		if !FileExists(path) {
			continue
		}
		backup := backupName(path)
		if err := rename(path, backup); err != nil {
			rollback()
			return fmt.Errorf("back up %s: %w", path, err)
		}
		backups[path] = backup
	}
	for _, path := range paths {
		if err := rename(temps[path], path); err != nil {
			rollback()
			return fmt.Errorf("replace %s: %w", path, err)
		}
		delete(temps, path)
		placed = append(placed, path)
	}
	for _, backup := range backups {
		_ = os.Remove(backup)
	}
	return nil
}

func backupName(path string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+"."+uuid.Must(uuid.NewV4()).String()[:8]+".bak")
}

// fileLock is an exclusive advisory lock held through a lock file next to the protected path.
type fileLock struct {
	path string
}

// lockFile creates "<path>.lock" holding the process id. An existing lock fails with ErrLocked
// unless the process it names is no longer running, in which case the stale lock is replaced.
func lockFile(path string) (*fileLock, error) {
	lockPath := path + ".lock"
	lock, err := createLock(lockPath)
	if !errors.Is(err, os.ErrExist) {
		return lock, err
	}
	if pid, alive := lockOwner(lockPath); alive && pid > 0 {
		return nil, fmt.Errorf("%w: %s held by pid %d, remove it if that process is gone", ErrLocked, lockPath, pid)
	} else if alive {
		return nil, fmt.Errorf("%w: %s, remove it if no weave is running", ErrLocked, lockPath)
	}
	if err := os.Remove(lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	lock, err = createLock(lockPath)
	if errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("%w: %s", ErrLocked, lockPath)
	}
	return lock, err
}

func createLock(lockPath string) (*fileLock, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	_, err = f.WriteString(strconv.Itoa(os.Getpid()))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(lockPath)
		return nil, err
	}
	return &fileLock{path: lockPath}, nil
}

// lockOwner returns the pid recorded in a lock file and whether it may still hold the lock.
// Content that is not a pid counts as held, the owner may not have written it yet.
func lockOwner(lockPath string) (int, bool) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, !errors.Is(err, os.ErrNotExist)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, true
	}
	return pid, processAlive(pid)
}

func processAlive(pid int) bool {
	if runtime.GOOS == "windows" { // no signal 0 probe
		return true
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Unlock releases the lock, it is safe to call more than once.
func (l *fileLock) Unlock() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
