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
	SourceStored  = "stored"
	SourceEnv     = "env"
)

// KeyInfo describes a config key for `diary config show`.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	Source string
}

// ShowAll lists every non-secret key with its effective value in cfg and
// whether that value is the default, stored in the backend, or overridden
// by its environment variable.
func ShowAll(cfg Config) []KeyInfo {
	def := defaults()
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		value := fmt.Sprintf("%v", s.extract(cfg))
		source := SourceDefault
		switch {
		case os.Getenv(s.env) != "":
			source = SourceEnv
		case value != fmt.Sprintf("%v", s.extract(def)):
			source = SourceStored
		}
		result = append(result, KeyInfo{Key: s.key, EnvVar: s.env, Value: value, Source: source})
	}
	return result
}

// Location describes where `diary config set` writes on this platform.
func Location() string {
	return newPlatformBackend().Location()
}

// SetKey validates value and writes it to the platform backend.
func SetKey(key, value string) error {
	return setKey(newPlatformBackend(), key, value)
}

// UnsetKey removes a stored value so the default applies again.
func UnsetKey(key string) error {
	return unsetKey(newPlatformBackend(), key)
}

func lookupSpec(key string) (keySpec, error) {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return keySpec{}, fmt.Errorf("%s is a secret; set %s or store it in %s", key, s.env, secretStoreName())
		}
		return s, nil
	}
	return keySpec{}, fmt.Errorf("unknown config key %q (valid keys: %s)", key, strings.Join(ValidKeys(), ", "))
}

func setKey(b ConfigBackend, key, value string) error {
	s, err := lookupSpec(key)
	if err != nil {
		return err
	}
	if s.validate != nil {
		if err := s.validate(value); err != nil {
			return fmt.Errorf("invalid value %q for %s: %w", value, key, err)
		}
	}
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %w", key, err)
		}
		return b.SetInt(key, i)
	default:
		return b.SetString(key, value)
	}
}

func unsetKey(b ConfigBackend, key string) error {
	if _, err := lookupSpec(key); err != nil {
		return err
	}
	return b.Delete(key)
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
