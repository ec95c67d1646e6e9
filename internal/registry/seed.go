package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedPersona is one entry of a YAML seed file used to provision personas
// on first run (or to declaratively add new ones). A persona roster is
// naturally a small multi-record document, so it comes from a file rather
// than the environment.
type SeedPersona struct {
	Name             string   `yaml:"name"`
	Aliases          []string `yaml:"aliases"`
	GroupPrimary     string   `yaml:"groupPrimary"`
	GroupsVisible    []string `yaml:"groupsVisible"`
	Model            string   `yaml:"model"`
	ShortDescription string   `yaml:"shortDescription"`
	LongDescription  string   `yaml:"longDescription"`
}

// SeedFile is the top-level YAML document shape.
type SeedFile struct {
	Personas []SeedPersona `yaml:"personas"`
}

// LoadSeedFile parses a YAML persona seed file.
func LoadSeedFile(path string) (*SeedFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read seed file: %w", err)
	}
	var sf SeedFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return nil, fmt.Errorf("registry: parse seed file: %w", err)
	}
	return &sf, nil
}

// ApplySeed adds every seed persona not already present in r, skipping
// (rather than erroring on) names that already exist so a seed file can be
// safely re-applied after the first run.
func ApplySeed(r *Registry, sf *SeedFile) error {
	for _, sp := range sf.Personas {
		if _, exists := r.Get(sp.Name); exists {
			continue
		}
		p := Persona{
			Name:             sp.Name,
			Aliases:          sp.Aliases,
			GroupsVisible:    sp.GroupsVisible,
			ShortDescription: sp.ShortDescription,
			LongDescription:  sp.LongDescription,
		}
		if sp.GroupPrimary != "" {
			g := sp.GroupPrimary
			p.GroupPrimary = &g
		}
		if sp.Model != "" {
			m := sp.Model
			p.Model = &m
		}
		if err := r.Add(p); err != nil {
			return fmt.Errorf("registry: seed persona %q: %w", sp.Name, err)
		}
	}
	return nil
}
