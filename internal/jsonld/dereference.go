package jsonld

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// FetchFunc retrieves a remote document by IRI. It is supplied by the caller
// so this package stays free of HTTP concerns.
type FetchFunc func(ctx context.Context, iri string) (map[string]any, error)

const maxParallelFetches = 5

// Dereference replaces bare {"@id": ...} references under the listed
// properties with the expanded form of the fetched document. Fetches run in
// parallel, bounded, and a single failure aborts the whole call so callers
// never see a half resolved document.
func (p *Processor) Dereference(ctx context.Context, expanded map[string]any, properties []string, fetch FetchFunc) error {
	var (
		mu    sync.Mutex
		group errgroup.Group
	)
	group.SetLimit(maxParallelFetches)

	for _, property := range properties {
		values := nodeValues(expanded, property)
		for i, value := range values {
			node, ok := value.(map[string]any)
			if !ok || !isReference(node) {
				continue
			}

			i := i
			values := values
			iri := ID(node)
			group.Go(func() error {
				doc, err := fetch(ctx, iri)
				if err != nil {
					return err
				}
				resolved, err := p.Expand(doc)
				if err != nil {
					return err
				}
				mu.Lock()
				values[i] = resolved
				mu.Unlock()
				return nil
			})
		}
	}

	return group.Wait()
}

// isReference reports whether node carries nothing but an @id.
func isReference(node map[string]any) bool {
	if len(node) != 1 {
		return false
	}
	_, ok := node["@id"]
	return ok
}
