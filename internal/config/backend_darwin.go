//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.jeremieb." + appName

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", appName)
	}
	return appName + "-data"
}

func secretStoreName() string {
	return "macOS Keychain"
}

// defaultsBackend stores settings in the diary's UserDefaults domain through
// the `defaults` tool.
type defaultsBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return &defaultsBackend{domain: defaultsDomain}
}

func (b *defaultsBackend) Location() string {
	return "UserDefaults (" + b.domain + ")"
}

// run invokes `defaults <verb> <domain> args...`. missing reports exit
// status 1, which `defaults` uses for an absent key.
func (b *defaultsBackend) run(verb string, args ...string) (out string, missing bool, err error) {
	cmd := exec.Command("defaults", append([]string{verb, b.domain}, args...)...)
	raw, err := cmd.CombinedOutput()
	out = strings.TrimSpace(string(raw))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", true, nil
		}
		return "", false, fmt.Errorf("defaults %s %s: %w (%s)", verb, strings.Join(args, " "), err, out)
	}
	return out, false, nil
}

func (b *defaultsBackend) GetString(key string) (string, bool, error) {
	out, missing, err := b.run("read", key)
	if missing || err != nil {
		return "", false, err
	}
	return out, true, nil
}

func (b *defaultsBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("%s in %s is not an integer: %w", key, b.domain, err)
	}
	return i, true, nil
}

func (b *defaultsBackend) SetString(key, val string) error {
	_, _, err := b.run("write", key, "-string", val)
	return err
}

func (b *defaultsBackend) SetInt(key string, val int) error {
	_, _, err := b.run("write", key, "-int", strconv.Itoa(val))
	return err
}

// Delete is a no-op for keys that were never set.
func (b *defaultsBackend) Delete(key string) error {
	_, _, err := b.run("delete", key)
	return err
}
