package adapters

import (
	"fmt"
	"sort"

	"github.com/technosupport/ts-devicehub/internal/data"
)

// Registry of adapter factories, filled by init() in each variant package.
var Registry = map[data.Protocol]Factory{}

// Register adds a factory for a protocol
func Register(p data.Protocol, f Factory) {
	Registry[p] = f
}

// Build instantiates every registered adapter.
func Build(opts Options) (map[data.Protocol]Adapter, error) {
	out := make(map[data.Protocol]Adapter, len(Registry))
	for p, f := range Registry {
		a, err := f(opts)
		if err != nil {
			return nil, fmt.Errorf("build %s adapter: %w", p, err)
		}
		out[p] = a
	}
	return out, nil
}

// Registered lists protocols with a factory, sorted.
func Registered() []data.Protocol {
	out := make([]data.Protocol, 0, len(Registry))
	for p := range Registry {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
