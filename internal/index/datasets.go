package index

import (
	"fmt"
	"path"
	"sort"
	"sync"
)

// Registry maps human-facing dataset names to index name patterns.
// A conversation references datasets by name; the pipeline resolves those
// names through the registry into the concrete index patterns a Searcher
// understands. Patterns use path.Match syntax ("reports-*", "papers-202?").
//
// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	patterns map[string]string
}

// NewRegistry creates a registry pre-populated from the given mapping.
func NewRegistry(datasets map[string]string) *Registry {
	patterns := make(map[string]string, len(datasets))
	for name, pattern := range datasets {
		patterns[name] = pattern
	}
	return &Registry{patterns: patterns}
}

// Register adds or replaces a dataset name to index pattern mapping.
func (r *Registry) Register(name, pattern string) error {
	if name == "" {
		return fmt.Errorf("%w: empty dataset name", ErrBadRequest)
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("%w: invalid pattern %q: %v", ErrBadRequest, pattern, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns[name] = pattern
	return nil
}

// Resolve maps a dataset selector to the list of index patterns to search.
// The selector may itself contain glob wildcards, matched against registered
// dataset names. An empty selector resolves to every registered pattern.
// A selector that matches no registered dataset is an ErrNotFound.
func (r *Registry) Resolve(selector string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.patterns))
	for name := range r.patterns {
		names = append(names, name)
	}
	sort.Strings(names)

	if selector == "" {
		patterns := make([]string, 0, len(names))
		for _, name := range names {
			patterns = append(patterns, r.patterns[name])
		}
		return patterns, nil
	}

	var patterns []string
	for _, name := range names {
		ok, err := path.Match(selector, name)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid dataset selector %q: %v", ErrBadRequest, selector, err)
		}
		if ok {
			patterns = append(patterns, r.patterns[name])
		}
	}
	if len(patterns) == 0 {
		return nil, fmt.Errorf("%w: no dataset matches selector %q", ErrNotFound, selector)
	}
	return patterns, nil
}

// Names returns the registered dataset names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.patterns))
	for name := range r.patterns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// matchDataset reports whether a document's dataset field satisfies the
// filter's pattern. A literal pattern without wildcards is an exact match.
func matchDataset(pattern, dataset string) bool {
	if pattern == "" {
		return true
	}
	ok, err := path.Match(pattern, dataset)
	if err != nil {
		return false
	}
	return ok
}
