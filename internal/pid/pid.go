package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/rpmd/internal/errors"
)

const defaultFile = "rpmd.pid"

// Path resolves the PID file location. An empty path means a file in the
// system temp directory.
func Path(path string) string {
	if path == "" {
		return filepath.Join(os.TempDir(), defaultFile)
	}
	return path
}

// Write writes the current process ID to path. It fails with
// ErrAlreadyRunning if the file names a live process; a stale file is
// overwritten.
func Write(path string) error {
	errFactory := errors.New()
	path = Path(path)

	if data, err := os.ReadFile(path); err == nil {
		other, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return errFactory.WithData(errors.ErrInternal, struct {
				Path  string
				Error string
			}{
				Path:  path,
				Error: err.Error(),
			})
		}

		if process, err := os.FindProcess(other); err == nil {
			if process.Signal(syscall.Signal(0)) == nil {
				return errFactory.WithData(errors.ErrAlreadyRunning, other)
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Remove removes the PID file at path.
func Remove(path string) error {
	path = Path(path)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(errors.ErrInternal, err)
	}
	return nil
}
