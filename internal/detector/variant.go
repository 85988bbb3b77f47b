package detector

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownVariant is returned when a variant name is not registered.
var ErrUnknownVariant = errors.New("unknown variant")

// Built-in variant names.
const (
	VariantConsecutive = "consecutive-drops"
	VariantSameBid     = "same-bid-drops"
)

// Variant is a named detection configuration.
type Variant struct {
	Name        string
	SameBid     bool
	Description string
}

// Registry maps variant names to their configuration.
type Registry struct {
	variants map[string]Variant
}

// BuiltinVariants returns the variants available without configuration.
func BuiltinVariants() []Variant {
	return []Variant{
		{
			Name:        VariantConsecutive,
			SameBid:     false,
			Description: "three consecutive short calls ended by the target",
		},
		{
			Name:        VariantSameBid,
			SameBid:     true,
			Description: "three consecutive short calls ended by the target at the same accepted bid",
		},
	}
}

// NewRegistry creates a registry seeded with the built-in variants.
// Entries in overrides replace a built-in of the same name or add a new one.
func NewRegistry(overrides []Variant) (*Registry, error) {
	r := &Registry{variants: make(map[string]Variant)}
	for _, v := range BuiltinVariants() {
		r.variants[v.Name] = v
	}

	seen := make(map[string]bool, len(overrides))
	for i, v := range overrides {
		if v.Name == "" {
			return nil, fmt.Errorf("variant %d: name required", i)
		}
		if seen[v.Name] {
			return nil, fmt.Errorf("variant %q configured more than once", v.Name)
		}
		seen[v.Name] = true
		r.variants[v.Name] = v
	}
	return r, nil
}

// Lookup returns the named variant.
func (r *Registry) Lookup(name string) (Variant, error) {
	v, ok := r.variants[name]
	if !ok {
		return Variant{}, fmt.Errorf("%w: %q", ErrUnknownVariant, name)
	}
	return v, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.variants))
	for name := range r.variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all variants sorted by name.
func (r *Registry) List() []Variant {
	out := make([]Variant, 0, len(r.variants))
	for _, name := range r.Names() {
		out = append(out, r.variants[name])
	}
	return out
}
