package splits

import (
	"errors"
	"fmt"

	"github.com/okian/racepulse/internal/domain/model"
)

// ErrInvalidSchema marks a split schema that violates its ordering invariants.
var ErrInvalidSchema = errors.New("invalid split schema")

// Validate checks that orders are 1-based and strictly increasing, distances
// never decrease, names are present and kinds are known.
func Validate(schema model.SplitSchema) error {
	if len(schema.Splits) == 0 {
		return fmt.Errorf("%w: %s/%s has no splits", ErrInvalidSchema, schema.RaceID, schema.EventID)
	}
	prevOrder, prevDistance := 0, -1
	for i, s := range schema.Splits {
		if s.Name == "" {
			return fmt.Errorf("%w: split %d has no name", ErrInvalidSchema, i)
		}
		switch s.Kind {
		case model.SplitStart, model.SplitSplit, model.SplitCheckpoint, model.SplitFinish:
		default:
			return fmt.Errorf("%w: split %q has unknown kind %q", ErrInvalidSchema, s.Name, s.Kind)
		}
		if s.Order <= prevOrder {
			return fmt.Errorf("%w: split %q order %d does not increase", ErrInvalidSchema, s.Name, s.Order)
		}
		if s.DistanceMeters < prevDistance {
			return fmt.Errorf("%w: split %q distance %d decreases", ErrInvalidSchema, s.Name, s.DistanceMeters)
		}
		prevOrder, prevDistance = s.Order, s.DistanceMeters
	}
	return nil
}
