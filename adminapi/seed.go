package adminapi

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"prism-sync/domain"
)

// Seed is a YAML fixture keyed by collection name:
//
//	columns:
//	  - {id: 1, name: Todo}
//	tasks:
//	  - {id: 1, column_id: 1, name: Write docs, order_position: 0}
type Seed map[string][]map[string]any

func ReadSeed(r io.Reader) (Seed, error) {
	var s Seed
	if err := yaml.NewDecoder(r).Decode(&s); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return s, nil
}

func LoadSeedFile(path string) (Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadSeed(f)
}

// Apply inserts the seed rows, columns before tasks.
func (s Seed) Apply(store *Store) error {
	for name := range s {
		if _, err := domain.ParseKind(name); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}
	for _, kind := range []domain.Kind{domain.KindColumn, domain.KindProject, domain.KindUser, domain.KindClient, domain.KindTask} {
		for i, row := range s[string(kind)] {
			p, err := domain.NewPatch(row)
			if err != nil {
				return fmt.Errorf("seed %s[%d]: %w", kind, i, err)
			}
			if _, err := store.Insert(kind, p); err != nil {
				return fmt.Errorf("seed %s[%d]: %w", kind, i, err)
			}
		}
	}
	return nil
}
