// Package config resolves settings for the binaries. Precedence is
// flag > config file > environment > default: callers load the YAML file
// first, resolve each key against the environment, and use the result as
// the flag default.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files (".env" when none
// are given) without overriding variables already set. Missing files are
// ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// PathFromArgs finds -config/--config in args, falling back to envName.
func PathFromArgs(args []string, envName string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-config" || arg == "--config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(arg, "-config="):
			return strings.TrimPrefix(arg, "-config=")
		case strings.HasPrefix(arg, "--config="):
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	return strings.TrimSpace(os.Getenv(envName))
}

// LoadYAML decodes path into dst. An empty path is not an error. Unknown keys
// are rejected so typos surface at startup.
func LoadYAML(path string, dst any) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

func ResolveString(raw *string, envName, fallback string) string {
	if raw != nil && strings.TrimSpace(*raw) != "" {
		return *raw
	}
	return GetenvDefault(envName, fallback)
}

func ResolveInt64(raw *int64, envName string, fallback int64) int64 {
	if raw != nil {
		return *raw
	}
	return GetenvInt(envName, fallback)
}

func ResolveBool(raw *bool, envName string, fallback bool) bool {
	if raw != nil {
		return *raw
	}
	v := strings.TrimSpace(os.Getenv(envName))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func GetenvDefault(name, fallback string) string {
	if name == "" {
		return fallback
	}
	if v := os.Getenv(name); strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func GetenvInt(name string, fallback int64) int64 {
	if name == "" {
		return fallback
	}
	raw := os.Getenv(name)
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
