package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// catalogFile is the on-disk form of a content catalog:
//
//	questions:
//	  q-loops-1: 10
//	practices:
//	  p-fizzbuzz: 50
type catalogFile struct {
	Questions map[string]int `yaml:"questions"`
	Practices map[string]int `yaml:"practices"`
}

// loadCatalogFile reads a static catalog. An empty path yields an empty
// catalog, so only events carrying explicit points are accepted.
func loadCatalogFile(path string) (progress.StaticCatalog, error) {
	catalog := progress.StaticCatalog{
		Questions: map[string]shared.XP{},
		Practices: map[string]shared.XP{},
	}
	if path == "" {
		return catalog, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return catalog, fmt.Errorf("read catalog file: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return catalog, fmt.Errorf("parse catalog file %s: %w", path, err)
	}

	for id, points := range file.Questions {
		xp, err := shared.NewXP(points)
		if err != nil {
			return catalog, fmt.Errorf("catalog question %q: %w", id, err)
		}
		catalog.Questions[id] = xp
	}
	for id, points := range file.Practices {
		xp, err := shared.NewXP(points)
		if err != nil {
			return catalog, fmt.Errorf("catalog practice %q: %w", id, err)
		}
		catalog.Practices[id] = xp
	}
	return catalog, nil
}
