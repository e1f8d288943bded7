// Package config persists CLI state (access token, selected
// organization) as JSON under the platform config directory.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

const relPath = "hooklistener/config.json"

// Config is the persisted CLI state. Zero values mean "not set".
type Config struct {
	AccessToken            string     `json:"access_token,omitempty"`
	TokenExpiresAt         *time.Time `json:"token_expires_at,omitempty"`
	SelectedOrganizationID string     `json:"selected_organization_id,omitempty"`
}

// Path returns the config file location, creating parent directories as
// needed.
func Path() (string, error) {
	p, err := xdg.ConfigFile(relPath)
	if err != nil {
		return "", fmt.Errorf("resolve config path: %w", err)
	}
	return p, nil
}

// Load reads the config file. A missing file is not an error: it yields
// an empty config, matching a first run.
func Load() (Config, error) {
	p, err := Path()
	if err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", p, err)
	}
	return cfg, nil
}

// Save writes the config file with owner-only permissions; it holds a
// credential.
func (c Config) Save() error {
	p, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(p, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// TokenValid reports whether a token is present and not yet expired.
func (c Config) TokenValid() bool {
	return c.AccessToken != "" && c.TokenExpiresAt != nil && time.Now().Before(*c.TokenExpiresAt)
}

// SetToken stores a fresh token and its expiry.
func (c *Config) SetToken(token string, expiresAt time.Time) {
	c.AccessToken = token
	c.TokenExpiresAt = &expiresAt
}

// ClearToken drops the stored credential but keeps the organization
// selection.
func (c *Config) ClearToken() {
	c.AccessToken = ""
	c.TokenExpiresAt = nil
}
