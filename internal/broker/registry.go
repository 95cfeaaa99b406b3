package broker

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Registry maps broker type names ("mqtt", "kafka") to dialers.
type Registry map[string]Dialer

// Lookup returns the dialer registered under name.
func (r Registry) Lookup(name string) (Dialer, error) {
	d, ok := r[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown broker type %q (supported: %s)", name, strings.Join(r.Names(), ", "))
	}
	return d, nil
}

// Names returns the registered type names, sorted.
func (r Registry) Names() []string {
	return slices.Sorted(maps.Keys(r))
}
