// Package profile lays out the per-profile state directory under
// ~/.chatsync/profiles/<name>.
package profile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"

	"github.com/matheus3301/chatsync/internal/config"
)

const (
	// HomeEnv overrides the base directory when set.
	HomeEnv = "CHATSYNC_HOME"
	// NameEnv selects the profile when no flag is given.
	NameEnv = "CHATSYNC_PROFILE"

	DefaultName = "main"
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name conforms to profile naming rules. Names
// become directory names, so anything that could escape the base directory
// is rejected.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// Resolve determines the active profile name using precedence:
// 1. flagOverride (--profile flag)
// 2. $CHATSYNC_PROFILE
// 3. config.toml default_profile
// 4. "main"
//
// The chosen name is validated; the error names where it came from.
func Resolve(flagOverride string) (string, error) {
	name, source := DefaultName, "default"
	switch {
	case flagOverride != "":
		name, source = flagOverride, "--profile"
	case os.Getenv(NameEnv) != "":
		name, source = os.Getenv(NameEnv), NameEnv
	default:
		cfg, err := config.LoadGlobal(GlobalConfigPath())
		if err == nil && cfg.DefaultProfile != "" {
			name, source = cfg.DefaultProfile, GlobalConfigPath()
		}
	}
	if err := ValidateName(name); err != nil {
		return "", fmt.Errorf("%s: %w", source, err)
	}
	return name, nil
}

// List returns the names of existing profiles, sorted. Directories that are
// not valid profile names are skipped.
func List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(BaseDir(), "profiles"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && ValidateName(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

// BaseDir returns $CHATSYNC_HOME, or ~/.chatsync.
func BaseDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatsync")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// SocketPath returns the health socket path for a profile.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "chatsyncd.sock")
}

// CacheDBPath returns the local message cache path.
func CacheDBPath(name string) string {
	return filepath.Join(Dir(name), "cache.db")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "chatsyncd.log")
}

// ConfigPath returns the profile's config.toml.
func ConfigPath(name string) string {
	return filepath.Join(Dir(name), "config.toml")
}

// EnvPath returns the profile's .env overlay.
func EnvPath(name string) string {
	return filepath.Join(Dir(name), ".env")
}

// GlobalConfigPath returns ~/.chatsync/config.toml.
func GlobalConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with owner-only permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
