// Package pidfile records which supervisor owns a runtime directory and
// tells a live owner apart from a stale file left by a crashed one.
package pidfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	gojson "github.com/goccy/go-json"
)

// Name is the lock file created inside a session runtime directory.
const Name = "sessionr.pid"

// ErrLocked is returned by Acquire when a live supervisor holds the file.
var ErrLocked = errors.New("runtime directory is owned by a running supervisor")

// Record is the content of a pidfile: the PID on the first line, then a JSON
// line with the process start time and the session root.
type Record struct {
	PID       int    `json:"-"`
	StartUnix int64  `json:"start_unix,omitempty"`
	Root      string `json:"root,omitempty"`
}

// pidAlive returns true if a process with given pid exists (or EPERM).
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Read parses the pidfile at path.
func Read(path string) (Record, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Record{}, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return Record{}, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	var r Record
	if len(lines) >= 2 && strings.TrimSpace(lines[1]) != "" {
		// a broken meta line only loses the reuse check
		_ = gojson.Unmarshal([]byte(strings.TrimSpace(lines[1])), &r)
	}
	r.PID = pid
	return r, nil
}

// Alive reports whether the process recorded at path still runs. A PID that
// was reused by an unrelated process counts as dead, and so does a file that
// cannot be parsed.
func Alive(path string) (bool, error) {
	r, err := Read(path)
	if err != nil {
		var pe *fs.PathError
		if errors.Is(err, os.ErrNotExist) || !errors.As(err, &pe) {
			return false, nil
		}
		return false, err
	}
	if r.StartUnix > 0 {
		if cur := procStartUnix(r.PID); cur > 0 && cur != r.StartUnix {
			return false, nil
		}
	}
	return pidAlive(r.PID), nil
}

func encode(r Record) ([]byte, error) {
	meta, err := gojson.Marshal(r)
	if err != nil {
		return nil, err
	}
	return []byte(strconv.Itoa(r.PID) + "\n" + string(meta) + "\n"), nil
}

// Write stores r at path with owner-only permissions.
func Write(path string, r Record) error {
	content, err := encode(r)
	if err != nil {
		return err
	}
	return os.WriteFile(path, content, 0o600)
}

// create writes r to a temporary file and links it to path, so path appears
// complete or not at all. It fails with os.ErrExist when path exists.
func create(path string, r Record) error {
	content, err := encode(r)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Link(tmp.Name(), path)
}

// acquireAttempts bounds how often a stale file is removed before giving up.
const acquireAttempts = 3

// Acquire claims path for the current process. It fails with ErrLocked while
// the recorded owner is alive; a stale or unreadable file is replaced. The
// returned function removes the file.
func Acquire(path, root string) (func() error, error) {
	pid := os.Getpid()
	rec := Record{PID: pid, StartUnix: procStartUnix(pid), Root: root}
	for range acquireAttempts {
		err := create(path, rec)
		if err == nil {
			return func() error {
				if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
					return err
				}
				return nil
			}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("write pidfile: %w", err)
		}
		alive, err := Alive(path)
		if err != nil {
			return nil, err
		}
		if alive {
			r, _ := Read(path)
			return nil, fmt.Errorf("%w: pid %d (%s)", ErrLocked, r.PID, path)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale pidfile: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: %s was recreated while claiming it", ErrLocked, path)
}
