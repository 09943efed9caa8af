// Package schemasource loads split schemas from a YAML catalog and seeds
// them into the schema store at startup.
//
//	schemas:
//	  - race_id: R1
//	    event_id: E1
//	    splits:
//	      - {name: Salida, order: 1, distance_meters: 0, kind: start}
//	      - {name: 10K, id: p10, order: 2, distance_meters: 10000, kind: split}
//	      - {name: Meta, order: 3, distance_meters: 42195, kind: finish}
package schemasource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/okian/racepulse/internal/domain/model"
	"github.com/okian/racepulse/internal/domain/splits"
)

// Catalog is the decoded YAML document.
type Catalog struct {
	Schemas []model.SplitSchema `yaml:"schemas"`
}

// Writer stores schemas.
type Writer interface {
	PutSchema(ctx context.Context, schema model.SplitSchema) error
}

// Load reads a catalog file.
func Load(path string) (Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("open split catalog: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses a catalog and validates every schema in it. Unknown keys
// and duplicate (race, event) pairs are rejected.
func Decode(r io.Reader) (Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var c Catalog
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Catalog{}, fmt.Errorf("decode split catalog: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Schemas))
	var errs []error
	for i, s := range c.Schemas {
		if s.RaceID == "" || s.EventID == "" {
			errs = append(errs, fmt.Errorf("schema %d: race_id and event_id are required", i))
			continue
		}
		key := s.RaceID + "/" + s.EventID
		if _, dup := seen[key]; dup {
			errs = append(errs, fmt.Errorf("schema %s: duplicate entry", key))
			continue
		}
		seen[key] = struct{}{}
		if err := splits.Validate(s); err != nil {
			errs = append(errs, fmt.Errorf("schema %s: %w", key, err))
		}
	}
	if len(errs) > 0 {
		return Catalog{}, model.Wrap("schemasource.decode", model.ErrConfiguration, errors.Join(errs...))
	}
	return c, nil
}

// Seed writes every schema of c to w and returns how many were written.
func (c Catalog) Seed(ctx context.Context, w Writer) (int, error) {
	for i, s := range c.Schemas {
		if err := w.PutSchema(ctx, s); err != nil {
			return i, fmt.Errorf("seed schema %s/%s: %w", s.RaceID, s.EventID, err)
		}
	}
	return len(c.Schemas), nil
}
