// Package discovery decides which collections are tailed. The pattern is a
// regular expression searched anywhere in the name, so "events_" picks up
// events_20150227, events_20150228 and every later date shard. Each List
// call asks the database again; nothing is cached between cycles.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
)

// Lister returns every collection name in the source database.
type Lister interface {
	ListCollections(ctx context.Context) ([]string, error)
}

// Discovery filters the live collection list.
type Discovery struct {
	lister  Lister
	pattern *regexp.Regexp
	exclude map[string]bool
	logger  *slog.Logger
}

// New compiles pattern. exclude lists exact names dropped after matching.
func New(lister Lister, pattern string, exclude []string, logger *slog.Logger) (*Discovery, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("discovery: compile pattern %q: %w", pattern, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	ex := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		ex[name] = true
	}
	return &Discovery{lister: lister, pattern: re, exclude: ex, logger: logger}, nil
}

// List returns the matching, non-excluded collection names, sorted.
func (d *Discovery) List(ctx context.Context) ([]string, error) {
	all, err := d.lister.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}

	var names []string
	for _, name := range all {
		if !d.pattern.MatchString(name) {
			continue
		}
		if d.exclude[name] {
			d.logger.Debug("discovery: excluded", "collection", name)
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
