package coordinator

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Collection declares one syncable collection: its cache name, the REST
// path it is fetched from, and an optional freshness window overriding the
// cache-wide default.
type Collection struct {
	Name      string
	Path      string
	Freshness time.Duration
}

// Catalog is the set of collections the coordinator keeps in sync.
type Catalog struct {
	Collections []Collection
}

// catalogFile is the YAML shape of a catalog override. Freshness is a
// duration string ("48h", "15m") since YAML has no native duration type.
type catalogFile struct {
	Collections []collectionEntry `yaml:"collections"`
}

type collectionEntry struct {
	Name      string `yaml:"name"`
	Path      string `yaml:"path"`
	Freshness string `yaml:"freshness"`
}

// DefaultCatalog returns the built-in collections. Paths mirror the names
// and freshness follows the cache-wide window.
func DefaultCatalog() Catalog {
	return Catalog{Collections: []Collection{
		{Name: "jobs", Path: "jobs"},
		{Name: "messages", Path: "messages"},
		{Name: "bookings", Path: "bookings"},
		{Name: "reviews", Path: "reviews"},
	}}
}

// LoadCatalog reads a catalog override from path. An empty path means the
// defaults; a path that does not resolve to a readable file is an error,
// not a silent fallback.
func LoadCatalog(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("reading catalog file: %w", err)
	}

	// Strict decode so a typoed field name fails loudly instead of
	// silently syncing the wrong set.
	var file catalogFile

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(&file); err != nil {
		return Catalog{}, fmt.Errorf("parsing catalog file: %w", err)
	}

	if len(file.Collections) == 0 {
		return Catalog{}, fmt.Errorf("catalog %s lists no collections", path)
	}

	catalog := Catalog{Collections: make([]Collection, 0, len(file.Collections))}
	seen := make(map[string]bool, len(file.Collections))

	for _, e := range file.Collections {
		if e.Name == "" {
			return Catalog{}, fmt.Errorf("catalog %s: collection without a name", path)
		}

		if seen[e.Name] {
			return Catalog{}, fmt.Errorf("catalog %s: duplicate collection %q", path, e.Name)
		}

		seen[e.Name] = true

		col := Collection{Name: e.Name, Path: e.Path}
		if col.Path == "" {
			col.Path = col.Name
		}

		if e.Freshness != "" {
			d, err := time.ParseDuration(e.Freshness)
			if err != nil {
				return Catalog{}, fmt.Errorf("catalog %s: collection %q: parsing freshness: %w", path, e.Name, err)
			}

			if d <= 0 {
				return Catalog{}, fmt.Errorf("catalog %s: collection %q: freshness must be positive", path, e.Name)
			}

			col.Freshness = d
		}

		catalog.Collections = append(catalog.Collections, col)
	}

	return catalog, nil
}
