package appdir

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func withDirEnv(t *testing.T, value string) {
	t.Helper()
	t.Setenv(DirEnv, value)
	ResetCache()
	t.Cleanup(ResetCache)
}

func TestDir_EnvOverride(t *testing.T) {
	customDir := t.TempDir()
	withDirEnv(t, customDir)

	dir, err := Dir()
	if err != nil {
		t.Fatalf("Dir() failed: %v", err)
	}
	if dir != customDir {
		t.Errorf("Dir() = %q, want %q", dir, customDir)
	}
}

func TestDir_DefaultPath(t *testing.T) {
	withDirEnv(t, "")

	dir, err := Dir()
	if err != nil {
		t.Fatalf("Dir() failed: %v", err)
	}
	if !strings.Contains(strings.ToLower(dir), "fundchat") {
		t.Errorf("Dir() = %q, expected path to contain 'fundchat'", dir)
	}
}

func TestEnsureDir(t *testing.T) {
	tmpDir := filepath.Join(t.TempDir(), "fundchat-test")
	withDirEnv(t, tmpDir)

	if err := EnsureDir(); err != nil {
		t.Fatalf("EnsureDir() failed: %v", err)
	}

	for _, sub := range []string{"", ConversationsDirName, LogsDirName} {
		info, err := os.Stat(filepath.Join(tmpDir, sub))
		if err != nil {
			t.Fatalf("%q missing after EnsureDir(): %v", sub, err)
		}
		if !info.IsDir() {
			t.Errorf("%q is not a directory", sub)
		}
	}
}

func TestPaths(t *testing.T) {
	customDir := t.TempDir()
	withDirEnv(t, customDir)

	tests := []struct {
		name string
		fn   func() (string, error)
		want string
	}{
		{"settings", SettingsPath, filepath.Join(customDir, SettingsFileName)},
		{"conversations", ConversationsDir, filepath.Join(customDir, ConversationsDirName)},
		{"database", DatabasePath, filepath.Join(customDir, DatabaseFileName)},
		{"log", LogPath, filepath.Join(customDir, LogsDirName, "fundchat.log")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fn()
			if err != nil {
				t.Fatalf("error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRCFilePath_Env(t *testing.T) {
	rc := filepath.Join(t.TempDir(), "custom.yaml")
	t.Setenv(RCFileEnv, rc)

	got, err := RCFilePath()
	if err != nil {
		t.Fatalf("RCFilePath() failed: %v", err)
	}
	if got != "" {
		t.Errorf("RCFilePath() = %q for missing file, want empty", got)
	}

	if err := os.WriteFile(rc, []byte("backend: {}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	got, err = RCFilePath()
	if err != nil {
		t.Fatalf("RCFilePath() failed: %v", err)
	}
	if got != rc {
		t.Errorf("RCFilePath() = %q, want %q", got, rc)
	}
}
