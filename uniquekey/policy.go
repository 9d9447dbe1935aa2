package uniquekey

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrInvalidPolicy is returned when a unique key policy is malformed.
var ErrInvalidPolicy = errors.New("unikey: invalid unique key policy")

// Definition is one unique key: an ordered set of paths that must be jointly unique.
type Definition struct {
	// Paths are JSON-pointer-like document paths. Order is significant.
	Paths []string `json:"paths" yaml:"paths"`
}

// Policy is the collection-level set of unique keys.
type Policy struct {
	UniqueKeys []Definition `json:"uniqueKeys" yaml:"uniqueKeys"`
}

// NewDefinition builds a Definition from paths.
func NewDefinition(paths ...string) Definition {
	return Definition{Paths: append([]string(nil), paths...)}
}

// NewPolicy builds a Policy from definitions.
func NewPolicy(defs ...Definition) Policy {
	return Policy{UniqueKeys: append([]Definition(nil), defs...)}
}

// Validate checks that every definition is non-empty, every path is well formed, no
// definition repeats a path, and no two definitions declare the same set of paths in
// any order.
func (p Policy) Validate() error {
	seen := make(map[string]int, len(p.UniqueKeys))
	for i, def := range p.UniqueKeys {
		if err := def.Validate(); err != nil {
			return fmt.Errorf("unique key %d: %w", i, err)
		}
		sorted := slices.Clone(def.Paths)
		slices.Sort(sorted)
		sig := strings.Join(sorted, "\x00")
		if j, ok := seen[sig]; ok {
			return fmt.Errorf("%w: unique keys %d and %d both declare %s", ErrInvalidPolicy, j, i, def)
		}
		seen[sig] = i
	}
	return nil
}

// Validate checks a single definition.
func (d Definition) Validate() error {
	if len(d.Paths) == 0 {
		return fmt.Errorf("%w: unique key has no paths", ErrInvalidPolicy)
	}
	dup := make(map[string]struct{}, len(d.Paths))
	for _, p := range d.Paths {
		if _, err := ParsePath(p); err != nil {
			return err
		}
		if _, ok := dup[p]; ok {
			return fmt.Errorf("%w: path %q repeated", ErrInvalidPolicy, p)
		}
		dup[p] = struct{}{}
	}
	return nil
}

// Covers reports whether the definition includes every partition key path. Tuples of a
// covering definition can only collide inside one partition, so they are checked locally.
// An empty partition key is covered by every definition.
func (d Definition) Covers(partitionKeyPaths []string) bool {
	for _, pk := range partitionKeyPaths {
		found := false
		for _, p := range d.Paths {
			if p == pk {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// String renders the definition as "[/a, /b]".
func (d Definition) String() string {
	return "[" + strings.Join(d.Paths, ", ") + "]"
}

// ParsePath splits a path into unescaped segments. "~1" decodes to "/" and "~0" to "~".
func ParsePath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") || len(path) < 2 {
		return nil, fmt.Errorf("%w: path %q must start with '/' and name a property", ErrInvalidPolicy, path)
	}
	raw := strings.Split(path[1:], "/")
	segs := make([]string, len(raw))
	for i, s := range raw {
		if s == "" {
			return nil, fmt.Errorf("%w: path %q has an empty segment", ErrInvalidPolicy, path)
		}
		segs[i] = strings.ReplaceAll(strings.ReplaceAll(s, "~1", "/"), "~0", "~")
	}
	return segs, nil
}
