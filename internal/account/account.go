// Package account resolves the invoking user's name, home directory and
// login shell from the passwd database.
package account

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/moby/sys/user"
)

// DirName is the per-deployment directory holding node descriptors.
const DirName = "login_ng-session"

const defaultShell = "/bin/sh"

// Info is what the session needs to know about the account it runs for.
type Info struct {
	Username string
	HomeDir  string
	Shell    string
	UID      int
}

// Lookup reads uid from the system passwd database.
func Lookup(uid int) (Info, error) {
	u, err := user.LookupUid(uid)
	if err != nil {
		return Info{}, fmt.Errorf("lookup uid %d: %w", uid, err)
	}
	return fromUser(u), nil
}

// LookupFrom reads uid from a passwd-formatted stream.
func LookupFrom(r io.Reader, uid int) (Info, error) {
	users, err := user.ParsePasswdFilter(r, func(u user.User) bool { return u.Uid == uid })
	if err != nil {
		return Info{}, err
	}
	if len(users) == 0 {
		return Info{}, fmt.Errorf("uid %d: %w", uid, errNoEntry)
	}
	return fromUser(users[0]), nil
}

var errNoEntry = errors.New("no matching passwd entry")

// Current looks up the account of the running process.
func Current() (Info, error) {
	return Lookup(os.Getuid())
}

func fromUser(u user.User) Info {
	shell := u.Shell
	if shell == "" {
		shell = defaultShell
	}
	return Info{Username: u.Name, HomeDir: u.Home, Shell: shell, UID: u.Uid}
}

// SearchDirs returns the descriptor directories in priority order: the
// user's config directory, then the system config and data directories.
func SearchDirs(home string) []string {
	dirs := make([]string, 0, 3)
	if home != "" {
		dirs = append(dirs, filepath.Join(home, ".config", DirName))
	}
	return append(dirs,
		filepath.Join("/etc", DirName),
		filepath.Join("/usr/lib", DirName),
	)
}
