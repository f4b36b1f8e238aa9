//go:build !darwin

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileBackend_RoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	b := newPlatformBackend()
	if err := b.SetString("engine.base_url", "http://render:9000"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	if err := b.SetInt("server.port", 4321); err != nil {
		t.Fatalf("SetInt: %v", err)
	}

	reloaded := newPlatformBackend()
	if v, ok, err := reloaded.GetString("engine.base_url"); err != nil || !ok || v != "http://render:9000" {
		t.Errorf("GetString = %q, %v, %v", v, ok, err)
	}
	if v, ok, err := reloaded.GetInt("server.port"); err != nil || !ok || v != 4321 {
		t.Errorf("GetInt = %d, %v, %v", v, ok, err)
	}

	info, err := os.Stat(configFilePath())
	if err != nil {
		t.Fatalf("stat config file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestFileBackend_Secrets(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	kc := NewKeychain()

	if _, err := kc.Get(keychainService, licenseAccount); err == nil {
		t.Fatal("expected error before any secret is stored")
	}
	if err := kc.Set(keychainService, licenseAccount, "lic-xyz\n"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := kc.Get(keychainService, licenseAccount)
	if err != nil || got != "lic-xyz" {
		t.Errorf("Get = %q, %v; want trimmed license", got, err)
	}
}

func TestFileBackend_HandEditedValues(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	path := configFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	doc := `{"server.port": "4200", "engine.pool_size": 3, "preview.timeout": 90, "log.level": "debug", "engine.strategy": 1.5}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	b := newPlatformBackend()
	if b.Location() != path {
		t.Errorf("Location = %q, want %q", b.Location(), path)
	}
	if v, ok, err := b.GetInt("server.port"); err != nil || !ok || v != 4200 {
		t.Errorf("GetInt(quoted) = %d, %v, %v", v, ok, err)
	}
	if v, ok, err := b.GetInt("engine.pool_size"); err != nil || !ok || v != 3 {
		t.Errorf("GetInt = %d, %v, %v", v, ok, err)
	}
	if v, ok, err := b.GetString("preview.timeout"); err != nil || !ok || v != "90" {
		t.Errorf("GetString(number) = %q, %v, %v", v, ok, err)
	}
	if _, ok, err := b.GetInt("engine.strategy"); !ok || err == nil {
		t.Errorf("GetInt(1.5) = %v, %v; want an error", ok, err)
	}
	if _, ok, _ := b.GetString("absent"); ok {
		t.Error("absent key reported present")
	}
}

func TestFileBackend_Delete(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	b := newPlatformBackend()
	if err := b.Delete("never.set"); err != nil {
		t.Fatalf("Delete of unset key: %v", err)
	}
	if _, err := os.Stat(configFilePath()); !os.IsNotExist(err) {
		t.Errorf("deleting an unset key wrote the config file: %v", err)
	}

	if err := b.SetString("log.level", "warn"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	if err := b.Delete("log.level"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := newPlatformBackend().GetString("log.level"); ok {
		t.Error("deleted key survived a reload")
	}
}
