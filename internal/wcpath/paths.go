// Package wcpath locates the WeChat user data tree on disk and derives
// the paths this layer owns (plaintext cache, state, config).
package wcpath

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Database file names known to this layer. Not every client version has
// every file; absence is handled by the caller.
const (
	ContactDBName = "wccontact_new2.db"
	GroupDBName   = "group_new.db"
)

// ErrNotFound is returned when no initialized user profile directory
// exists under the container root.
var ErrNotFound = errors.New("user data root not found")

// DefaultContainerRoot returns the WeChat sandbox container data root for
// the current user.
func DefaultContainerRoot() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "Containers", "com.tencent.xinWeChat", "Data")
}

// FindUserDataRoot searches containerRoot for the active profile
// directory: the first directory containing both a Message and a Contact
// subdirectory. The layout under the container is versioned and
// undocumented, so the search walks breadth-first instead of hard-coding
// a depth; the shallowest match wins.
func FindUserDataRoot(containerRoot string) (string, error) {
	queue := []string{containerRoot}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		if hasSubdir(entries, "Message") && hasSubdir(entries, "Contact") {
			return dir, nil
		}
		for _, e := range entries {
			if e.IsDir() {
				queue = append(queue, filepath.Join(dir, e.Name()))
			}
		}
	}
	return "", fmt.Errorf("%w under %s", ErrNotFound, containerRoot)
}

func hasSubdir(entries []os.DirEntry, name string) bool {
	for _, e := range entries {
		if e.IsDir() && e.Name() == name {
			return true
		}
	}
	return false
}

// FindDatabase looks for name under the Message and Contact
// subdirectories of root. A miss is not an error: some databases only
// exist on some client versions.
func FindDatabase(root, name string) (string, bool) {
	for _, sub := range []string{"Message", "Contact"} {
		p := filepath.Join(root, sub, name)
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p, true
		}
	}
	return "", false
}

// MessageShards returns every message database shard under root, sorted
// by file name. A user's history may be split across several shards.
func MessageShards(root string) []string {
	matches, _ := filepath.Glob(filepath.Join(root, "Message", "msg_*.db"))
	sort.Strings(matches)
	return matches
}

// BaseDir returns ~/.wcbridge.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wcbridge")
}

// ConfigPath returns the default config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// CacheDir returns the default plaintext cache directory. Its contents
// are derived and safe to delete; the next start re-decrypts.
func CacheDir() string {
	return filepath.Join(BaseDir(), "cache")
}

// StateDir returns the default directory for durable state (checkpoint,
// lock, logs).
func StateDir() string {
	return filepath.Join(BaseDir(), "state")
}

// CheckpointPath returns the checkpoint file path under stateDir.
func CheckpointPath(stateDir string) string {
	return filepath.Join(stateDir, "checkpoint.toml")
}

// LogPath returns the daemon log file path under stateDir.
func LogPath(stateDir string) string {
	return filepath.Join(stateDir, "wcbridged.log")
}
