package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ExifToolConfig is the [exiftool] section of the config file.
type ExifToolConfig struct {
	Program         string   `toml:"program"`
	Perl            string   `toml:"perl"`
	StartTimeout    Duration `toml:"start_timeout"`
	GracefulTimeout Duration `toml:"graceful_timeout"`
	ResultTimeout   Duration `toml:"result_timeout"`
}

// Duration decodes TOML strings such as "5s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// LoadExifToolConfig reads the [exiftool] section from path.
// Used by the config watcher to re-point the worker on change.
func LoadExifToolConfig(path string) (ExifToolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ExifToolConfig{}, fmt.Errorf("failed to read config: %w", err)
	}

	var file struct {
		ExifTool ExifToolConfig `toml:"exiftool"`
	}
	if err := toml.Unmarshal(data, &file); err != nil {
		return ExifToolConfig{}, fmt.Errorf("failed to parse TOML config: %w", err)
	}
	return file.ExifTool, nil
}
