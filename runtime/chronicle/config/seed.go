package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
)

// Seed is the optional static bootstrap document `chronicle db bootstrap`
// loads to pre-populate an org's aliases, custom providers, and keys, so a
// fresh deployment doesn't start with an empty admin table.
type Seed struct {
	Org             string                `yaml:"org"`
	Aliases         []canon.Alias         `yaml:"aliases"`
	CustomProviders []canon.CustomProvider `yaml:"custom_providers"`
	APIKeys         []canon.ProviderApiKey `yaml:"api_keys"`
}

// LoadSeed reads a Seed document from path.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read seed %s: %w", path, err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("config: parse seed %s: %w", path, err)
	}
	return &seed, nil
}
