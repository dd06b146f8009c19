package profile

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/matheus3301/chatsync/internal/config"
)

func TestPathsUnderHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnv, home)

	dir := filepath.Join(home, "profiles", "work")
	tests := []struct {
		got, want string
	}{
		{Dir("work"), dir},
		{SocketPath("work"), filepath.Join(dir, "chatsyncd.sock")},
		{CacheDBPath("work"), filepath.Join(dir, "cache.db")},
		{LogPath("work"), filepath.Join(dir, "logs", "chatsyncd.log")},
		{ConfigPath("work"), filepath.Join(dir, "config.toml")},
		{EnvPath("work"), filepath.Join(dir, ".env")},
		{GlobalConfigPath(), filepath.Join(home, "config.toml")},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("path = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	if err := EnsureDir("main"); err != nil {
		t.Fatalf("EnsureDir() error = %v", err)
	}
	info, err := os.Stat(LogDir("main"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("log dir permission = %o, want 0700", perm)
	}
}

func TestResolve(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	t.Setenv(NameEnv, "")

	check := func(flag, want string) {
		t.Helper()
		got, err := Resolve(flag)
		if err != nil {
			t.Fatalf("Resolve(%q) error = %v", flag, err)
		}
		if got != want {
			t.Errorf("Resolve(%q) = %q, want %q", flag, got, want)
		}
	}

	check("", DefaultName)
	if err := config.SaveGlobal(GlobalConfigPath(), &config.Global{DefaultProfile: "work"}); err != nil {
		t.Fatal(err)
	}
	check("", "work")
	t.Setenv(NameEnv, "ci")
	check("", "ci")
	check("alt", "alt")
}

func TestResolveRejectsInvalidName(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	t.Setenv(NameEnv, "../etc")

	_, err := Resolve("")
	if err == nil || !strings.Contains(err.Error(), NameEnv) {
		t.Errorf("Resolve() error = %v, want invalid name from %s", err, NameEnv)
	}
	if _, err := Resolve("Main"); err == nil {
		t.Error("Resolve(Main) error = nil")
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "main", false},
		{"digits and hyphen", "work-2", false},
		{"underscore", "qa_bot", false},
		{"max length", strings.Repeat("a", 64), false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"dot", "a.b", true},
		{"slash", "../etc", true},
		{"too long", strings.Repeat("a", 65), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestList(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	names, err := List()
	if err != nil || len(names) != 0 {
		t.Fatalf("List() on empty home = %v, %v", names, err)
	}
	for _, n := range []string{"work", "main"} {
		if err := EnsureDir(n); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(BaseDir(), "profiles", "Not Valid"), 0700); err != nil {
		t.Fatal(err)
	}
	names, err = List()
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(names, []string{"main", "work"}) {
		t.Errorf("List() = %v, want [main work]", names)
	}
}
