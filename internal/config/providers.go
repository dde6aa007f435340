package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"calendar-ingest-worker/internal/model"
)

// ProviderSeed is one provider entry of a providers.yaml seed file
type ProviderSeed struct {
	ID       string              `yaml:"id"`
	Name     string              `yaml:"name"`
	Category string              `yaml:"category"`
	Trusted  bool                `yaml:"trusted"`
	Status   string              `yaml:"status"`
	IMAP     *model.IMAPSettings `yaml:"imap"`
}

type providerFile struct {
	Providers []ProviderSeed `yaml:"providers"`
}

// LoadProviderFile reads a YAML seed file into provider records.
// Runtime cursors are never part of a seed.
func LoadProviderFile(path string) ([]model.Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider file: %w", err)
	}
	return ParseProviders(data)
}

// ParseProviders decodes YAML provider seeds
func ParseProviders(data []byte) ([]model.Provider, error) {
	var file providerFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse provider file: %w", err)
	}

	seen := make(map[string]bool, len(file.Providers))
	providers := make([]model.Provider, 0, len(file.Providers))
	for i, seed := range file.Providers {
		id := strings.TrimSpace(seed.ID)
		if id == "" {
			return nil, fmt.Errorf("provider #%d: id is required", i+1)
		}
		if seen[id] {
			return nil, fmt.Errorf("provider %s: duplicate id", id)
		}
		seen[id] = true

		status := model.ProviderStatus(strings.ToLower(strings.TrimSpace(seed.Status)))
		if status == "" {
			status = model.ProviderDraft
		}
		if !status.Valid() {
			return nil, fmt.Errorf("provider %s: unknown status %q", id, seed.Status)
		}

		raw, err := json.Marshal(model.ProviderConfig{IMAP: seed.IMAP})
		if err != nil {
			return nil, fmt.Errorf("provider %s: failed to encode config: %w", id, err)
		}

		providers = append(providers, model.Provider{
			ID:       id,
			Name:     seed.Name,
			Category: seed.Category,
			Trusted:  seed.Trusted,
			Status:   status,
			Config:   raw,
		})
	}
	return providers, nil
}
