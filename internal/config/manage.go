package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Where a displayed value came from.
const (
	SourceDefault = "default"
	SourceFile    = "file"
	SourceEnv     = "env"
)

// KeyInfo is one non-secret setting as shown by `opencoding config show`.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	Source string
}

// ShowAll lists every non-secret key of cfg in declaration order. A key
// counts as coming from the environment when its variable is set, and from
// the file when its value differs from the built-in default.
func ShowAll(cfg Config) []KeyInfo {
	def := defaults()
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		value := fmt.Sprint(s.extract(cfg))
		source := SourceDefault
		switch {
		case os.Getenv(s.env) != "":
			source = SourceEnv
		case value != fmt.Sprint(s.extract(def)):
			source = SourceFile
		}
		result = append(result, KeyInfo{Key: s.key, EnvVar: s.env, Value: value, Source: source})
	}
	return result
}

// SetKey validates value for key and persists it in the config file.
func SetKey(key, value string) error {
	return setKey(newFileBackend(configFilePath()), key, value)
}

// UnsetKey removes key from the config file so the default applies again.
func UnsetKey(key string) error {
	s, err := lookup(key)
	if err != nil {
		return err
	}
	return newFileBackend(configFilePath()).Delete(s.key)
}

func setKey(b ConfigBackend, key, value string) error {
	s, err := lookup(key)
	if err != nil {
		return err
	}
	if _, err := s.parse(value); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	// Ints are stored as YAML numbers; everything else as strings.
	if s.typ == kInt {
		n, _ := strconv.Atoi(value)
		return b.SetInt(key, n)
	}
	return b.SetString(key, value)
}

func lookup(key string) (keySpec, error) {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return keySpec{}, fmt.Errorf("%s is a secret and is read from %s only", key, s.env)
		}
		return s, nil
	}
	return keySpec{}, fmt.Errorf("unknown config key %q (valid keys: %s)", key, strings.Join(ValidKeys(), ", "))
}

// ValidKeys returns the names of all keys settable through the config file.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
