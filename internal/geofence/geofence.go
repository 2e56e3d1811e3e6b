// Package geofence loads named panorama whitelists and filters a
// panorama's adjacency list down to the neighbours that are legal inside
// one of those whitelists.
package geofence

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/stefanpenner/vln-bench/internal/logger"
	"github.com/stefanpenner/vln-bench/internal/model"
)

// ErrOutOfGeofence is raised when a panorama is queried against a
// geofence it does not belong to. The session engine never moves outside
// the geofence, so seeing this at runtime is a bug signal, not a user
// error.
var ErrOutOfGeofence = errors.New("geofence: panorama not in geofence")

// Source loads the raw name -> []PanoID mapping. cache.Cache implements
// this; kept as an interface so the service can be tested without a real
// database.
type Source interface {
	LoadGeofence(name string) ([]model.PanoID, error)
}

// Service resolves geofence membership and neighbour-filtering. It caches
// loaded sets in memory and invalidates the cache when the backing config
// file changes on disk.
type Service struct {
	source Source

	mu   sync.RWMutex
	sets map[string]map[model.PanoID]struct{}

	watcher *fsnotify.Watcher
}

// NewService creates a Service backed by source. If configPath is
// non-empty, it is watched with fsnotify and any write event invalidates
// every cached geofence set so the next lookup reloads from source.
func NewService(source Source, configPath string) (*Service, error) {
	s := &Service{
		source: source,
		sets:   make(map[string]map[model.PanoID]struct{}),
	}

	if configPath == "" {
		return s, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("geofence: create watcher: %w", err)
	}
	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("geofence: watch %s: %w", configPath, err)
	}
	s.watcher = watcher

	go s.watchLoop()
	return s, nil
}

func (s *Service) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				logger.Muted("geofence config changed, invalidating cached sets")
				s.Invalidate()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logger.Error(err, "geofence watcher error: %v", err)
		}
	}
}

// Close stops the background watcher, if any.
func (s *Service) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}

// Invalidate drops every cached geofence set, forcing the next lookup to
// reload from source.
func (s *Service) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets = make(map[string]map[model.PanoID]struct{})
}

// Set returns the membership set for a named geofence, loading and
// caching it on first use.
func (s *Service) Set(name string) (map[model.PanoID]struct{}, error) {
	s.mu.RLock()
	set, ok := s.sets[name]
	s.mu.RUnlock()
	if ok {
		return set, nil
	}

	ids, err := s.source.LoadGeofence(name)
	if err != nil {
		return nil, fmt.Errorf("geofence: load %q: %w", name, err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("geofence: %q is empty", name)
	}

	set = make(map[model.PanoID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	s.mu.Lock()
	s.sets[name] = set
	s.mu.Unlock()
	return set, nil
}

// Contains reports whether panoID belongs to the named geofence.
func (s *Service) Contains(name string, panoID model.PanoID) (bool, error) {
	set, err := s.Set(name)
	if err != nil {
		return false, err
	}
	_, ok := set[panoID]
	return ok, nil
}

// Neighbor is one legal adjacency returned by Neighbors: a link whose
// target lies inside the geofence.
type Neighbor struct {
	Target  model.PanoID
	Heading float64
	Virtual bool
}

// Neighbors returns the legal neighbour list for panoID given meta: every
// link in meta.Links whose target is in the named geofence, sorted by
// heading ascending with duplicate targets collapsed (first occurrence
// wins). Returns ErrOutOfGeofence if panoID itself is not a geofence
// member.
func (s *Service) Neighbors(name string, panoID model.PanoID, meta model.PanoMetadata) ([]Neighbor, error) {
	set, err := s.Set(name)
	if err != nil {
		return nil, err
	}
	if _, ok := set[panoID]; !ok {
		return nil, ErrOutOfGeofence
	}

	seen := make(map[model.PanoID]struct{}, len(meta.Links))
	var out []Neighbor
	for _, link := range meta.Links {
		if _, ok := set[link.Target]; !ok {
			continue
		}
		if _, dup := seen[link.Target]; dup {
			continue
		}
		seen[link.Target] = struct{}{}
		out = append(out, Neighbor{Target: link.Target, Heading: link.Heading, Virtual: link.Virtual})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Heading < out[j].Heading })
	return out, nil
}
