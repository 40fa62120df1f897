package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "FIXD_"
)

// Options selects the sources Load reads.
type Options struct {
	// ConfigPath is the YAML file. Empty means ~/.config/fixd/config.yaml,
	// which is optional; an explicit path must exist.
	ConfigPath string

	// EnvFile is an optional dotenv file. Values in it never override
	// variables already present in the process environment.
	EnvFile string
}

// Load builds the configuration.
//
// Precedence (highest to lowest):
//  1. FIXD_* environment variables (FIXD_DETECTOR_MIN_CONFIDENCE -> detector.min_confidence)
//  2. FIXD_* entries of the dotenv file
//  3. YAML config file
//  4. Defaults
func Load(opts Options) (*Config, error) {
	k := koanf.New(".")

	explicit := opts.ConfigPath != ""
	path := opts.ConfigPath
	if !explicit {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, ".config", "fixd", "config.yaml")
		}
	}

	if path != "" {
		content, err := readConfigFile(path)
		switch {
		case err == nil:
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist) && !explicit:
		default:
			return nil, err
		}
	}

	if opts.EnvFile != "" {
		values, err := godotenv.Read(opts.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read env file %s: %w", opts.EnvFile, err)
		}
		for key, val := range values {
			if !strings.HasPrefix(key, EnvPrefix) {
				continue
			}
			if _, set := os.LookupEnv(key); set {
				continue
			}
			if err := k.Set(envKey(key), val); err != nil {
				return nil, fmt.Errorf("failed to apply %s from env file: %w", key, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Unmarshal over defaults so absent booleans keep their default.
	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps FIXD_SECTION_FIELD_NAME to section.field_name.
// Only the first underscore after the prefix separates the section.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// readConfigFile reads the YAML file after checking size and permissions
// on the opened descriptor.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path %s is a directory", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	// The file may carry event credentials.
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o022 != 0 {
		return nil, fmt.Errorf("insecure config file permissions: %v (must not be group or world writable)", info.Mode().Perm())
	}

	return io.ReadAll(f)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
