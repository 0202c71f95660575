package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sunshow/warmupd/internal/db"
)

// GroupsFile is the YAML document accepted by `warmupd groups import`:
//
//	groups:
//	  - name: batch-a
//	    min_cooldown_hours: 12
//	    max_cooldown_hours: 18
//	    single_worker_constraint: true
type GroupsFile struct {
	Groups []db.GroupConfig `yaml:"groups"`
}

// LoadGroups reads and validates a groups file
func LoadGroups(path string) ([]db.GroupConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read groups file: %w", err)
	}
	return ParseGroups(data)
}

// ParseGroups decodes a groups document. Unknown keys and duplicate names are rejected.
func ParseGroups(data []byte) ([]db.GroupConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file GroupsFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("groups file is empty")
		}
		return nil, fmt.Errorf("parse groups file: %w", err)
	}

	seen := make(map[string]bool, len(file.Groups))
	for i, g := range file.Groups {
		switch {
		case g.Name == "":
			return nil, fmt.Errorf("group %d: name is required", i+1)
		case seen[g.Name]:
			return nil, fmt.Errorf("group %q: duplicate name", g.Name)
		case g.MinCooldownHours < 0 || g.MaxCooldownHours < 0:
			return nil, fmt.Errorf("group %q: cooldown hours must not be negative", g.Name)
		case g.MinCooldownHours > g.MaxCooldownHours:
			return nil, fmt.Errorf("group %q: min_cooldown_hours (%d) exceeds max_cooldown_hours (%d)",
				g.Name, g.MinCooldownHours, g.MaxCooldownHours)
		}
		seen[g.Name] = true
	}
	return file.Groups, nil
}
