package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "playersync"

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/playersync/
//   - Linux:   ~/.local/share/playersync/
//   - Windows: %APPDATA%\playersync\
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", appName)
	case "windows":
		return windowsRoaming()
	default:
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, appName)
		}
		return filepath.Join(homeDir(), ".local", "share", appName)
	}
}

// PlatformConfigDir returns the platform-specific config directory.
// macOS and Windows keep config next to data.
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin", "windows":
		return PlatformDataDir()
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, appName)
		}
		return filepath.Join(homeDir(), ".config", appName)
	}
}

// PlatformLogDir returns the platform-specific log directory.
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", appName)
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, appName, "logs")
		}
		return filepath.Join(homeDir(), "AppData", "Local", appName, "logs")
	default:
		return filepath.Join(PlatformDataDir(), "logs")
	}
}

func windowsRoaming() string {
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, appName)
	}
	return filepath.Join(homeDir(), "AppData", "Roaming", appName)
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}

// SupportedConfigFormats returns the config file extensions Load understands.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches the working directory and then the config
// directory for config.<ext>. It returns "" when none exists.
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
