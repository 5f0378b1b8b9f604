package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"mystery-box-service/internal/core/domain"
)

// SeedAccount is an account created with an opening balance.
type SeedAccount struct {
	ID     string `yaml:"id"`
	Coins  int64  `yaml:"coins"`
	Points int64  `yaml:"points"`
}

// CatalogFile is a YAML document of box definitions, optionally with seed accounts.
type CatalogFile struct {
	Boxes    []domain.Box  `yaml:"boxes"`
	Accounts []SeedAccount `yaml:"accounts"`
}

// LoadCatalog reads and validates a catalog file.
func LoadCatalog(path string) (*CatalogFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading catalog file: %w", err)
	}
	return ParseCatalog(raw)
}

// ParseCatalog decodes a catalog and runs publication-time validation on every
// box. All problems are reported together.
func ParseCatalog(raw []byte) (*CatalogFile, error) {
	var file CatalogFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &file); err != nil {
		return nil, fmt.Errorf("error parsing catalog file: %w", err)
	}

	var errs []error
	seen := make(map[string]bool, len(file.Boxes))
	for _, box := range file.Boxes {
		if seen[box.ID] {
			errs = append(errs, fmt.Errorf("box %s: defined twice", box.ID))
			continue
		}
		seen[box.ID] = true
		if err := box.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, acc := range file.Accounts {
		if acc.ID == "" || acc.Coins < 0 || acc.Points < 0 {
			errs = append(errs, fmt.Errorf("seed account %q: id required and balances must not be negative", acc.ID))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &file, nil
}
