package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePaths_ResolvesConfigDirectory(t *testing.T) {
	configHome := filepath.Join(t.TempDir(), "cfg")
	t.Setenv("XDG_CONFIG_HOME", configHome)

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("resolve paths: %v", err)
	}

	if paths.RootDir != filepath.Join(configHome, Name) {
		t.Fatalf("unexpected root dir: %q", paths.RootDir)
	}
	if paths.ConfigFile != filepath.Join(configHome, Name, ConfigFilename) {
		t.Fatalf("unexpected config file: %q", paths.ConfigFile)
	}
	if paths.LogFile != filepath.Join(configHome, Name, LogFilename) {
		t.Fatalf("unexpected log file: %q", paths.LogFile)
	}
	if _, err := os.Stat(paths.RootDir); err != nil {
		t.Fatalf("expected root directory to exist: %v", err)
	}
}

func TestPathsIn_CreatesNestedRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "a", "b")

	paths, err := PathsIn(root)
	if err != nil {
		t.Fatalf("paths in: %v", err)
	}
	if paths.RootDir != root {
		t.Fatalf("unexpected root dir: %q", paths.RootDir)
	}
	if _, err := os.Stat(root); err != nil {
		t.Fatalf("expected root directory to exist: %v", err)
	}
}

func writeTestFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o600)
}
