//go:build !darwin

package config

import (
	"fmt"
	"path/filepath"
)

// secrets maps service -> account -> value.
type secrets map[string]map[string]string

func secretsFilePath() string {
	dir, ok := xdgDir("XDG_DATA_HOME", ".local", "share")
	if !ok {
		dir = "."
	}
	return filepath.Join(dir, "tenderd", "secrets.json")
}

func keychainGet(service, account string) ([]byte, error) {
	var s secrets
	if err := readJSONFile(secretsFilePath(), &s); err != nil {
		return nil, fmt.Errorf("secret store not available: %w", err)
	}
	val, ok := s[service][account]
	if !ok {
		return nil, fmt.Errorf("no secret %s/%s", service, account)
	}
	return []byte(val), nil
}

func keychainSet(service, account, value string) error {
	p := secretsFilePath()
	var s secrets
	// A missing or corrupt file is replaced.
	_ = readJSONFile(p, &s)
	if s == nil {
		s = secrets{}
	}
	if s[service] == nil {
		s[service] = map[string]string{}
	}
	s[service][account] = value
	if err := writeJSONFile(p, s); err != nil {
		return fmt.Errorf("storing secret: %w", err)
	}
	return nil
}
