package config

import (
	"fmt"
	"os"

	"github.com/inercia/fundchat/internal/appdir"
	"github.com/inercia/fundchat/internal/fileutil"
	"github.com/inercia/fundchat/internal/logging"
)

// ConfigSource indicates where the configuration was loaded from.
type ConfigSource int

const (
	// ConfigSourceNone indicates no configuration was loaded.
	ConfigSourceNone ConfigSource = iota
	// ConfigSourceRCFile indicates an RC file was layered over settings.json.
	ConfigSourceRCFile
	// ConfigSourceSettingsJSON indicates configuration was loaded from settings.json.
	ConfigSourceSettingsJSON
	// ConfigSourceCustomFile indicates configuration was loaded from a --config file.
	ConfigSourceCustomFile
)

func (s ConfigSource) String() string {
	switch s {
	case ConfigSourceRCFile:
		return "rcfile"
	case ConfigSourceSettingsJSON:
		return "settings"
	case ConfigSourceCustomFile:
		return "custom"
	default:
		return "none"
	}
}

// LoadResult contains the loaded configuration and metadata about its source.
type LoadResult struct {
	Config *Config
	Source ConfigSource
	// SourcePath is the file with the highest priority that was read.
	SourcePath string
	// SettingsPath is the settings.json path, empty for a --config file.
	SettingsPath string
	// RCFilePath is set when an RC file was merged.
	RCFilePath string
	// HasRCFileModels reports whether any model provider came from the RC file.
	HasRCFileModels bool
}

// LoadSettings loads settings.json from the data directory, creating it from
// the embedded defaults if it does not exist yet.
func LoadSettings() (*Config, error) {
	if err := appdir.EnsureDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	settingsPath, err := appdir.SettingsPath()
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		if err := createDefaultSettings(); err != nil {
			return nil, fmt.Errorf("failed to create default settings: %w", err)
		}
		logging.Settings().Info("created default settings", "path", settingsPath)
	}

	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	if err := fileutil.ReadJSON(settingsPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to read settings file %s: %w", settingsPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings file %s: %w", settingsPath, err)
	}
	return cfg, nil
}

func createDefaultSettings() error {
	cfg, err := Default()
	if err != nil {
		return err
	}
	return SaveSettings(cfg)
}

// SaveSettings writes cfg to settings.json. The previous file, if any, is
// kept as settings.json.bak.
func SaveSettings(cfg *Config) error {
	settingsPath, err := appdir.SettingsPath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(settingsPath); err == nil {
		data, err := os.ReadFile(settingsPath)
		if err != nil {
			return fmt.Errorf("failed to read settings for backup: %w", err)
		}
		if err := os.WriteFile(settingsPath+".bak", data, 0644); err != nil {
			return fmt.Errorf("failed to create settings backup: %w", err)
		}
	}

	return fileutil.WriteJSONAtomic(settingsPath, cfg, 0644)
}

// LoadWithFallback loads configuration using a layered approach:
//  1. customPath, when set, is loaded on top of the embedded defaults and
//     nothing else is read
//  2. otherwise settings.json is the base (created from defaults if needed)
//  3. an RC file (~/.fundchatrc or $FUNDCHATRC), if present, overrides it
//
// Model providers from both files are merged by name with the RC file winning.
func LoadWithFallback(customPath string) (*LoadResult, error) {
	log := logging.Settings()

	if customPath != "" {
		cfg, err := Load(customPath)
		if err != nil {
			return nil, err
		}
		log.Debug("loaded custom config", "path", customPath)
		return &LoadResult{Config: cfg, Source: ConfigSourceCustomFile, SourcePath: customPath}, nil
	}

	settingsCfg, err := LoadSettings()
	if err != nil {
		return nil, err
	}
	settingsPath, err := appdir.SettingsPath()
	if err != nil {
		return nil, err
	}

	rcPath, err := appdir.RCFilePath()
	if err != nil {
		return nil, fmt.Errorf("failed to check RC file: %w", err)
	}
	if rcPath == "" {
		return &LoadResult{
			Config:       settingsCfg,
			Source:       ConfigSourceSettingsJSON,
			SourcePath:   settingsPath,
			SettingsPath: settingsPath,
		}, nil
	}

	data, err := os.ReadFile(rcPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read RC file %s: %w", rcPath, err)
	}
	data = []byte(expandEnvVars(string(data)))
	format := FormatForPath(rcPath)

	var rcOnly Config
	if err := decode(data, format, &rcOnly); err != nil {
		return nil, fmt.Errorf("failed to parse RC file %s: %w", rcPath, err)
	}

	settingsModels := settingsCfg.Models
	merged := *settingsCfg
	merged.Models = ModelSettings{}
	if err := decode(data, format, &merged); err != nil {
		return nil, fmt.Errorf("failed to parse RC file %s: %w", rcPath, err)
	}
	var hasRCModels bool
	merged.Models, hasRCModels = MergeModels(rcOnly.Models, settingsModels)

	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("invalid RC file %s: %w", rcPath, err)
	}
	log.Debug("merged RC file over settings", "rcfile", rcPath, "rc_models", hasRCModels)

	return &LoadResult{
		Config:          &merged,
		Source:          ConfigSourceRCFile,
		SourcePath:      rcPath,
		SettingsPath:    settingsPath,
		RCFilePath:      rcPath,
		HasRCFileModels: hasRCModels,
	}, nil
}
