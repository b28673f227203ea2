// ABOUTME: YAML seed file declaring the integrations a deployment runs
// ABOUTME: Loaded at startup and reconciled into the integration store

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedIntegration declares one integration in the seed file.
type SeedIntegration struct {
	ID          string            `yaml:"id"`
	Type        string            `yaml:"type"`
	TeamID      string            `yaml:"team_id"`
	Homeserver  string            `yaml:"homeserver"`
	UserID      string            `yaml:"user_id"`
	AccessToken string            `yaml:"access_token"`
	Flags       map[string]string `yaml:"flags,omitempty"`
}

// Seed is the parsed integration seed file.
type Seed struct {
	Integrations []SeedIntegration `yaml:"integrations"`
}

// LoadSeed reads and validates a YAML seed file. Environment variables in
// ${VAR_NAME} form are expanded before parsing, so access tokens can stay
// out of the file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var seed Seed
	if err := yaml.Unmarshal([]byte(expanded), &seed); err != nil {
		return nil, fmt.Errorf("parsing seed file: %w", err)
	}

	for i, integration := range seed.Integrations {
		if integration.ID == "" {
			return nil, fmt.Errorf("integration %d: id is required", i)
		}
		if integration.Type == "" {
			return nil, fmt.Errorf("integration %q: type is required", integration.ID)
		}
		if integration.Homeserver == "" {
			return nil, fmt.Errorf("integration %q: homeserver is required", integration.ID)
		}
		if integration.UserID == "" {
			return nil, fmt.Errorf("integration %q: user_id is required", integration.ID)
		}
		if integration.AccessToken == "" {
			return nil, fmt.Errorf("integration %q: access_token is required", integration.ID)
		}
	}

	return &seed, nil
}
