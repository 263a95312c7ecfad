// Package npc provides NPC template definitions and live instance management.
package npc

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Template defines a reusable NPC archetype loaded from YAML.
type Template struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Level       int    `yaml:"level"`
	MaxHP       int    `yaml:"max_hp"`
	Armor       int    `yaml:"armor"`
	// Resources seeds the instance's resource pools (e.g. stamina: 50).
	Resources map[string]int `yaml:"resources"`
	// Scaling seeds the instance's stat coefficients (e.g. action_speed: 1.2).
	Scaling map[string]float64 `yaml:"scaling"`
	// Abilities lists the ability IDs granted to instances of this template.
	Abilities []string `yaml:"abilities"`
}

// Validate checks that the template satisfies basic invariants.
//
// Precondition: t must not be nil.
// Postcondition: Returns nil iff ID and Name are non-empty, Level >= 1, and
// MaxHP >= 1; returns an error on the first violation otherwise.
func (t *Template) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("npc template: id must not be empty")
	}
	if t.Name == "" {
		return fmt.Errorf("npc template %q: name must not be empty", t.ID)
	}
	if t.Level < 1 {
		return fmt.Errorf("npc template %q: level must be >= 1", t.ID)
	}
	if t.MaxHP < 1 {
		return fmt.Errorf("npc template %q: max_hp must be >= 1", t.ID)
	}
	if t.Armor < 0 {
		return fmt.Errorf("npc template %q: armor must be >= 0", t.ID)
	}
	for stat, c := range t.Scaling {
		if c <= 0 {
			return fmt.Errorf("npc template %q: scaling for %q must be > 0", t.ID, stat)
		}
	}
	return nil
}

// LoadTemplateFromBytes parses a single NPC template from raw YAML bytes.
//
// Precondition: data must be valid YAML for a single Template.
// Postcondition: Returns a validated *Template, or an error.
func LoadTemplateFromBytes(data []byte) (*Template, error) {
	var tmpl Template
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&tmpl); err != nil {
		return nil, fmt.Errorf("parsing template YAML: %w", err)
	}
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// LoadTemplates reads every *.yaml file in dir and parses each as a Template.
//
// Precondition: dir must be a readable directory.
// Postcondition: Returns all parsed templates, or an error naming the first
// file that failed.
func LoadTemplates(dir string) ([]*Template, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading npc template dir %q: %w", dir, err)
	}
	var templates []*Template
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %q: %w", path, err)
		}
		tmpl, err := LoadTemplateFromBytes(data)
		if err != nil {
			return nil, fmt.Errorf("parsing %q: %w", path, err)
		}
		templates = append(templates, tmpl)
	}
	return templates, nil
}
