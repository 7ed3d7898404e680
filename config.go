package remote

import (
	"os"
	"path/filepath"
)

// defaultLocationFile holds the fqdn of the broker to use when a Location
// is constructed without one explicitly given.
const defaultLocationFile = "default_location"

// readDefaultLocation reads ~/.remote-sdk/default_location and returns its
// trimmed contents. A missing file is a ConfigError, raised before any
// transport is opened.
func readDefaultLocation() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, defaultLocationFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", configErrorf("no default location on disk (%s); either pass one explicitly or write the broker fqdn there", path)
	}
	location := trimNewline(data)
	if location == "" {
		return "", configErrorf("%s is empty", path)
	}
	return location, nil
}

// WriteDefaultLocation records fqdn as the default broker for future
// Locations constructed via NewLocationFromDefaults.
func WriteDefaultLocation(fqdn string) error {
	dir, err := configDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return configErrorf("creating config directory %s: %v", dir, err)
	}
	path := filepath.Join(dir, defaultLocationFile)
	if err := os.WriteFile(path, []byte(fqdn), 0644); err != nil {
		return configErrorf("writing %s: %v", path, err)
	}
	return nil
}
