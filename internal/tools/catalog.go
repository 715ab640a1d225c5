package tools

import (
	"context"
	"sort"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/repository"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/pkg/models"
)

// Managed services known to the resolver.
const (
	ServiceCortexSearch  = "cortex_search"
	ServiceCortexAnalyst = "cortex_analyst"
)

// CatalogProvider lists active managed-service instances.
type CatalogProvider interface {
	Entries(ctx context.Context) ([]models.CatalogEntry, error)
}

// StoreCatalog reads the catalog table through the repository.
type StoreCatalog struct {
	store repository.CatalogStore
}

// NewStoreCatalog creates a StoreCatalog.
func NewStoreCatalog(store repository.CatalogStore) *StoreCatalog {
	return &StoreCatalog{store: store}
}

// Entries lists every active entry.
func (c *StoreCatalog) Entries(ctx context.Context) ([]models.CatalogEntry, error) {
	return c.store.ListCatalogEntries(ctx, "")
}

// StaticCatalog serves a fixed list, typically from configuration.
type StaticCatalog []models.CatalogEntry

// Entries returns the active entries.
func (c StaticCatalog) Entries(context.Context) ([]models.CatalogEntry, error) {
	out := make([]models.CatalogEntry, 0, len(c))
	for _, e := range c {
		if e.Active {
			out = append(out, e)
		}
	}
	return out, nil
}

// catalogSnapshot is an immutable view of the catalog. It is replaced as a
// whole on reload and never mutated after publication.
type catalogSnapshot struct {
	byService map[string][]models.CatalogEntry
	err       error
}

func newCatalogSnapshot(entries []models.CatalogEntry, err error) *catalogSnapshot {
	s := &catalogSnapshot{byService: make(map[string][]models.CatalogEntry), err: err}
	for _, e := range entries {
		s.byService[e.Service] = append(s.byService[e.Service], e)
	}
	for svc := range s.byService {
		list := s.byService[svc]
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	}
	return s
}

// lookup returns the entries for the requested names in request order, plus
// any names not found. No names selects every entry of the service.
func (s *catalogSnapshot) lookup(service string, names []string) ([]models.CatalogEntry, []string) {
	entries := s.byService[service]
	if len(names) == 0 {
		return entries, nil
	}
	index := make(map[string]models.CatalogEntry, len(entries))
	for _, e := range entries {
		index[e.Name] = e
	}
	var found []models.CatalogEntry
	var missing []string
	for _, n := range names {
		if e, ok := index[n]; ok {
			found = append(found, e)
		} else {
			missing = append(missing, n)
		}
	}
	return found, missing
}
