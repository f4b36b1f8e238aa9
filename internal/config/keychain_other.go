//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// secretsFilePath is $XDG_DATA_HOME/diary/secrets.json. Secrets sit next to
// the data rather than the settings so `config set` never touches them.
func secretsFilePath() string {
	return xdgPath("XDG_DATA_HOME", filepath.Join(".local", "share"), "secrets.json")
}

// secrets maps service to account to value.
type secrets map[string]map[string]string

func readSecrets() (secrets, error) {
	data, err := os.ReadFile(secretsFilePath())
	if err != nil {
		return nil, err
	}
	var s secrets
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", secretsFilePath(), err)
	}
	return s, nil
}

func keychainGet(service, account string) ([]byte, error) {
	s, err := readSecrets()
	if err != nil {
		return nil, fmt.Errorf("secret store not available: %w", err)
	}
	val, ok := s[service][account]
	if !ok {
		return nil, fmt.Errorf("no secret for %s/%s in %s", service, account, secretsFilePath())
	}
	return []byte(val), nil
}

func keychainSet(service, account, value string) error {
	s, err := readSecrets()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if s == nil {
		s = make(secrets)
	}
	if s[service] == nil {
		s[service] = make(map[string]string)
	}
	s[service][account] = value
	return writeJSON(secretsFilePath(), s)
}
