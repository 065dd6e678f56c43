package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/congdinh/vivuchat/internal/services"
	"gopkg.in/yaml.v3"
)

// credentialsFile keeps the signed in user's tokens between runs.
type credentialsFile struct {
	path string
}

type storedCredentials struct {
	Server string `yaml:"server"`

	services.Credentials `yaml:",inline"`
}

func defaultCredentialsFile() (credentialsFile, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return credentialsFile{}, fmt.Errorf("error getting user config dir: %w", err)
	}
	return credentialsFile{path: filepath.Join(cfgDir, "vivuchat", "credentials.yaml")}, nil
}

// load returns the credentials saved for server. Credentials saved for another server are ignored.
func (f credentialsFile) load(server string) (services.Credentials, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return services.Credentials{}, nil
	}
	if err != nil {
		return services.Credentials{}, fmt.Errorf("error reading credentials: %w", err)
	}

	var stored storedCredentials
	if err := yaml.Unmarshal(raw, &stored); err != nil {
		return services.Credentials{}, fmt.Errorf("error decoding credentials: %w", err)
	}
	if stored.Server != server {
		return services.Credentials{}, nil
	}
	return stored.Credentials, nil
}

// save writes creds for server. Empty credentials remove the file.
func (f credentialsFile) save(server string, creds services.Credentials) error {
	if creds == (services.Credentials{}) {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("error removing credentials: %w", err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	raw, err := yaml.Marshal(storedCredentials{Server: server, Credentials: creds})
	if err != nil {
		return fmt.Errorf("error encoding credentials: %w", err)
	}
	if err := os.WriteFile(f.path, raw, 0600); err != nil {
		return fmt.Errorf("error writing credentials: %w", err)
	}
	return nil
}
