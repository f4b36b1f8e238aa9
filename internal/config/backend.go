package config

import "fmt"

// appName names the diary's directories and its secret store service.
const appName = "diary"

// ConfigBackend holds non-secret settings. macOS keeps them in UserDefaults,
// other platforms in a JSON file under $XDG_CONFIG_HOME.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
	// Location describes where settings are stored, for `diary config show`.
	Location() string
}

// licenseHint completes the missing-license error with the platform secret
// store the license can be saved in.
func licenseHint() string {
	return fmt.Sprintf(" or store it in %s (service: %s, account: %s)", secretStoreName(), keychainService, licenseAccount)
}
