package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings are the persisted defaults for server-side capture paths.
type Settings struct {
	ServerLogPath    string `yaml:"serverlogpath,omitempty"`
	ServerOutputPath string `yaml:"serveroutputpath,omitempty"`
}

// ErrIncompleteSettings is returned when only one capture path is set.
var ErrIncompleteSettings = errors.New("server log path and server output path must be set together")

// Validate checks that the capture paths are either both set or both empty.
func (s Settings) Validate() error {
	if (strings.TrimSpace(s.ServerLogPath) == "") != (strings.TrimSpace(s.ServerOutputPath) == "") {
		return ErrIncompleteSettings
	}
	return nil
}

// DefaultSettingsPath returns settings.yaml inside the user config folder.
func DefaultSettingsPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate user config dir: %w", err)
	}
	return filepath.Join(dir, "SDVBridge", "settings.yaml"), nil
}

// LoadSettings reads settings from path. A missing file yields empty settings.
func LoadSettings(path string) (Settings, error) {
	var s Settings
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse settings %s: %w", path, err)
	}
	s.ServerLogPath = strings.TrimSpace(s.ServerLogPath)
	s.ServerOutputPath = strings.TrimSpace(s.ServerOutputPath)
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("settings %s: %w", path, err)
	}
	return s, nil
}

// SaveSettings validates s and writes it to path, creating parent folders.
func SaveSettings(path string, s Settings) error {
	if path == "" {
		return errors.New("settings path is empty")
	}
	s.ServerLogPath = strings.TrimSpace(s.ServerLogPath)
	s.ServerOutputPath = strings.TrimSpace(s.ServerOutputPath)
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create settings folder: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}
