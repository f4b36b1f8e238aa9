//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// xdgPath resolves elem under the XDG base directory named by env, falling
// back to $HOME/home when env is unset.
func xdgPath(env, home string, elem ...string) string {
	dir := os.Getenv(env)
	if dir == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(append([]string{appName + "-data"}, elem...)...)
		}
		dir = filepath.Join(h, home)
	}
	return filepath.Join(append([]string{dir, appName}, elem...)...)
}

func defaultDataDir() string {
	return xdgPath("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

func configFilePath() string {
	return xdgPath("XDG_CONFIG_HOME", ".config", "config.json")
}

func secretStoreName() string {
	return "the secrets file " + secretsFilePath()
}

// writeJSON replaces path with the indented encoding of v, readable only by
// the owner. The write goes through a temp file so readers never see a
// partial document.
func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// fileBackend keeps settings as a flat JSON object. Values stay raw until
// read so a hand-edited "4100" and 4100 both work as integers.
type fileBackend struct {
	path string
	data map[string]json.RawMessage
}

func newPlatformBackend() ConfigBackend {
	b := &fileBackend{path: configFilePath(), data: make(map[string]json.RawMessage)}
	b.load()
	return b
}

func (b *fileBackend) Location() string {
	return b.path
}

func (b *fileBackend) load() {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", b.path, err)
		}
		return
	}
	if err := json.Unmarshal(data, &b.data); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", b.path, err)
		b.data = make(map[string]json.RawMessage)
	}
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	raw, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		// Numbers and booleans read back as their literal text.
		return string(raw), true, nil
	}
	return s, true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	raw, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	var i int
	if err := json.Unmarshal(raw, &i); err == nil {
		return i, true, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if i, err := strconv.Atoi(s); err == nil {
			return i, true, nil
		}
	}
	return 0, true, fmt.Errorf("%s in %s is not an integer: %s", key, b.path, raw)
}

func (b *fileBackend) set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.data[key] = raw
	return writeJSON(b.path, b.data)
}

func (b *fileBackend) SetString(key, val string) error {
	return b.set(key, val)
}

func (b *fileBackend) SetInt(key string, val int) error {
	return b.set(key, val)
}

// Delete is a no-op for keys that were never set.
func (b *fileBackend) Delete(key string) error {
	if _, ok := b.data[key]; !ok {
		return nil
	}
	delete(b.data, key)
	return writeJSON(b.path, b.data)
}
