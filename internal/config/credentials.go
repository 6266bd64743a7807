package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var credentialValidator = validator.New(validator.WithRequiredStructEnabled())

// CredentialConfig is one entry from the credentials document.
type CredentialConfig struct {
	Name            string `yaml:"name" validate:"required"`
	Key             string `yaml:"key" validate:"required"`
	Weight          int    `yaml:"weight" validate:"gte=0"`
	CooldownSeconds int    `yaml:"cooldown_seconds" validate:"gte=0"`
}

// Cooldown returns the configured cooldown as a Duration.
func (c CredentialConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// credentialsDocument mirrors the `{ keys: [...] }` shape of the document.
type credentialsDocument struct {
	Keys []CredentialConfig `yaml:"keys"`
}

// LoadCredentials reads and validates the credential document at path.
//
// A missing file yields an empty list rather than an error.
func LoadCredentials(path string) ([]CredentialConfig, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	var doc credentialsDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}

	normalized := make([]CredentialConfig, 0, len(doc.Keys))
	seen := make(map[string]bool, len(doc.Keys))
	for _, k := range doc.Keys {
		if err := credentialValidator.Struct(k); err != nil {
			return nil, fmt.Errorf("credential %q: %w", k.Name, err)
		}
		if seen[k.Name] {
			return nil, fmt.Errorf("duplicate credential name: %s", k.Name)
		}
		seen[k.Name] = true

		if k.Weight == 0 {
			k.Weight = 1
		}
		normalized = append(normalized, k)
	}

	return normalized, nil
}
