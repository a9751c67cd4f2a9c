package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrConfigExists is returned by WriteDefault when the file exists and
// overwriting was not requested.
var ErrConfigExists = errors.New("config file already exists")

// ProjectConfigName is the config file looked up in the working directory.
const ProjectConfigName = ".crashkit.yaml"

// UserConfigPath returns ~/.config/crashkit/config.yaml.
func UserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "crashkit", "config.yaml"), nil
}

// WriteDefault atomically writes DefaultConfigYAML to path.
func WriteDefault(path string, overwrite bool) error {
	if _, err := os.Stat(path); err == nil && !overwrite {
		return fmt.Errorf("%s: %w", path, ErrConfigExists)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("checking %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := atomicWriteFile(path, []byte(DefaultConfigYAML), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
