package cache

import (
	"context"
	"strings"
)

// Stale returns the partition names that carry one of the managed prefixes
// but are not in the current set. Names without a managed prefix are never returned.
func Stale(names, current, managedPrefixes []string) []string {
	keep := make(map[string]struct{}, len(current))
	for _, name := range current {
		keep[name] = struct{}{}
	}
	stale := make([]string, 0)
	for _, name := range names {
		if _, ok := keep[name]; ok {
			continue
		}
		for _, prefix := range managedPrefixes {
			if strings.HasPrefix(name, prefix) {
				stale = append(stale, name)
				break
			}
		}
	}
	return stale
}

// Evict deletes every stale partition (see Stale) and returns the deleted names.
// It keeps going when a single delete fails and returns the first error seen.
func Evict(ctx context.Context, registry Registry, current, managedPrefixes []string) ([]string, error) {
	names, err := registry.Names(ctx)
	if err != nil {
		return nil, err
	}
	var firstErr error
	deleted := make([]string, 0)
	for _, name := range Stale(names, current, managedPrefixes) {
		ok, err := registry.Delete(ctx, name)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			deleted = append(deleted, name)
		}
	}
	return deleted, firstErr
}
