// Package splits resolves inbound checkpoint labels against a race event's
// configured split schema. Everything here is pure: no I/O, no clocks.
package splits

import (
	"strings"

	"github.com/okian/racepulse/internal/domain/model"
)

// aliasGroup is a set of interchangeable labels. When kind is set, any member
// resolves to the schema's first split of that kind.
type aliasGroup struct {
	members []string
	kind    model.SplitKind
}

// aliases is the fixed synonym table applied before exact matching.
var aliases = []aliasGroup{ //nolint:gochecknoglobals // read-only lookup table
	{members: []string{"21k", "media", "half", "half marathon", "media maraton", "medio maraton"}},
	{members: []string{"finish", "meta", "llegada", "arrival"}, kind: model.SplitFinish},
	{members: []string{"start", "salida", "inicio"}, kind: model.SplitStart},
}

// aliasIndex maps a normalized label to its group.
var aliasIndex = func() map[string]*aliasGroup { //nolint:gochecknoglobals // derived from aliases
	idx := make(map[string]*aliasGroup)
	for i := range aliases {
		for _, m := range aliases[i].members {
			idx[m] = &aliases[i]
		}
	}
	return idx
}()

// Resolve maps label to a split of schema. The second result is false when
// no split matches; callers treat that as a recoverable no-op.
//
// Name and id of a structured label are compared uniformly: either may match
// either the split's name or its id.
func Resolve(schema model.SplitSchema, label model.Label) (model.Split, bool) {
	candidates := labelCandidates(label)
	if len(candidates) == 0 {
		return model.Split{}, false
	}

	for _, c := range candidates {
		group, ok := aliasIndex[c]
		if !ok {
			continue
		}
		if s, ok := resolveAlias(schema, group, c); ok {
			return s, true
		}
	}

	for _, c := range candidates {
		for _, s := range schema.Splits {
			if matches(s, c) {
				return s, true
			}
		}
	}
	return model.Split{}, false
}

func resolveAlias(schema model.SplitSchema, group *aliasGroup, candidate string) (model.Split, bool) {
	if group.kind != "" {
		for _, s := range schema.Splits {
			if s.Kind == group.kind {
				return s, true
			}
		}
	}
	// Prefer the literal spelling before other members of the group.
	for _, s := range schema.Splits {
		if matches(s, candidate) {
			return s, true
		}
	}
	for _, m := range group.members {
		for _, s := range schema.Splits {
			if matches(s, m) {
				return s, true
			}
		}
	}
	return model.Split{}, false
}

func matches(s model.Split, candidate string) bool {
	return normalize(s.Name) == candidate || (s.ID != "" && normalize(s.ID) == candidate)
}

func labelCandidates(label model.Label) []string {
	out := make([]string, 0, 2)
	if n := normalize(label.Name); n != "" {
		out = append(out, n)
	}
	if id := normalize(label.ID); id != "" && (len(out) == 0 || out[0] != id) {
		out = append(out, id)
	}
	return out
}

// normalize lower-cases, trims and collapses inner whitespace.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
