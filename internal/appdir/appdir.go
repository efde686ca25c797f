// Package appdir locates the fundchat data directory, which holds
// settings.json, the conversation store and log files.
package appdir

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const (
	// DirEnv overrides the data directory.
	DirEnv = "FUNDCHAT_DIR"

	// RCFileEnv overrides the RC file location.
	RCFileEnv = "FUNDCHATRC"

	// RCFileName is the name of the optional RC file in the user's config directory.
	RCFileName = ".fundchatrc"

	// SettingsFileName is the name of the settings file.
	SettingsFileName = "settings.json"

	// ConversationsDirName holds one JSON file per conversation.
	ConversationsDirName = "conversations"

	// DatabaseFileName is the SQLite conversation database.
	DatabaseFileName = "fundchat.db"

	// LogsDirName holds rotated log files.
	LogsDirName = "logs"
)

var (
	cachedDir string
	mu        sync.RWMutex
)

// Dir returns the fundchat data directory path.
// The directory is determined in the following order:
//  1. FUNDCHAT_DIR environment variable (if set)
//  2. Platform-specific default:
//     - macOS: ~/Library/Application Support/FundChat
//     - Linux: $XDG_DATA_HOME/fundchat or ~/.local/share/fundchat
//     - Windows: %APPDATA%\FundChat
//
// Dir does not create the directory; use EnsureDir for that.
func Dir() (string, error) {
	mu.RLock()
	if cachedDir != "" {
		dir := cachedDir
		mu.RUnlock()
		return dir, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	if cachedDir != "" {
		return cachedDir, nil
	}

	dir, err := resolveDir()
	if err != nil {
		return "", err
	}
	cachedDir = dir
	return dir, nil
}

func resolveDir() (string, error) {
	if envDir := os.Getenv(DirEnv); envDir != "" {
		return envDir, nil
	}

	switch runtime.GOOS {
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, "Library", "Application Support", "FundChat"), nil

	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		return filepath.Join(appData, "FundChat"), nil

	default:
		dataDir := os.Getenv("XDG_DATA_HOME")
		if dataDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			dataDir = filepath.Join(homeDir, ".local", "share")
		}
		return filepath.Join(dataDir, "fundchat"), nil
	}
}

// EnsureDir creates the data directory and its conversations and logs
// subdirectories.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}

	for _, d := range []string{dir, filepath.Join(dir, ConversationsDirName), filepath.Join(dir, LogsDirName)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", d, err)
		}
	}
	return nil
}

func join(name string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// SettingsPath returns the full path to settings.json.
func SettingsPath() (string, error) { return join(SettingsFileName) }

// ConversationsDir returns the directory used by the file conversation store.
func ConversationsDir() (string, error) { return join(ConversationsDirName) }

// DatabasePath returns the path of the SQLite conversation database.
func DatabasePath() (string, error) { return join(DatabaseFileName) }

// LogPath returns the path of the rotating log file.
func LogPath() (string, error) { return join(filepath.Join(LogsDirName, "fundchat.log")) }

// RCFilePath returns the RC file path if one exists, or "" when there is none.
// FUNDCHATRC wins over the platform default location.
func RCFilePath() (string, error) {
	if env := os.Getenv(RCFileEnv); env != "" {
		if _, err := os.Stat(env); err != nil {
			if os.IsNotExist(err) {
				return "", nil
			}
			return "", fmt.Errorf("failed to stat RC file %s: %w", env, err)
		}
		return env, nil
	}

	var configDir string
	if runtime.GOOS == "linux" {
		configDir = os.Getenv("XDG_CONFIG_HOME")
	}
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = home
	}

	path := filepath.Join(configDir, RCFileName)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to stat RC file %s: %w", path, err)
	}
	return path, nil
}

// ResetCache clears the cached directory path. Used by tests.
func ResetCache() {
	mu.Lock()
	defer mu.Unlock()
	cachedDir = ""
}
