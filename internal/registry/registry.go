// Package registry loads the curated seed registry consulted by the
// discovery engine's registry fold-in step (spec.md §4.5 step 2). It is a
// thin JSON-file loader in the same style as internal/config's
// WithConfigFile: read the whole file, decode once, tolerate a missing
// file as "no curated seeds" rather than an error.
package registry

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rohmanhakim/focusedsearch/internal/discovery"
)

// entry mirrors discovery.RegistrySeed's JSON shape on disk.
type entry struct {
	ID       string            `json:"id"`
	URL      string            `json:"url"`
	Trust    string            `json:"trust"`
	Boost    float64           `json:"boost"`
	Tags     []string          `json:"tags"`
	Metadata map[string]string `json:"metadata"`
}

// Load reads the curated seed registry from path and converts it to the
// discovery.RegistrySeed slice a discovery.RegistryLoader returns. A
// missing file is not an error: the registry fold-in step simply has
// nothing to contribute, matching an install with no curated seeds yet.
func Load(path string) ([]discovery.RegistrySeed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}

	var entries []entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("registry: parse %s: %w", path, err)
	}

	seeds := make([]discovery.RegistrySeed, 0, len(entries))
	for _, e := range entries {
		if e.URL == "" {
			continue
		}
		seeds = append(seeds, discovery.RegistrySeed{
			ID: e.ID, URL: e.URL, Trust: e.Trust, Boost: e.Boost,
			Tags: e.Tags, Metadata: e.Metadata,
		})
	}
	return seeds, nil
}

// Loader returns a discovery.RegistryLoader bound to path, reloading the
// file on every call so an operator can edit the registry without
// restarting the process.
func Loader(path string) discovery.RegistryLoader {
	return func() ([]discovery.RegistrySeed, error) {
		return Load(path)
	}
}
