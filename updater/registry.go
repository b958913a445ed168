package updater

import (
	"fmt"
	"golang.org/x/sync/errgroup"
	"sort"
	"sync"
)

// Registry owns the sessions of all registered devices, keyed by a handle
// that is never reused.
type Registry struct {
	mtx      sync.Mutex
	sessions map[uint32]*Session
	nextID   uint32
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uint32]*Session),
	}
}

// Register creates a session for a device and assigns it the next handle.
// A config without a name is named by formatting NameFormat with the handle.
func (r *Registry) Register(config *Config) (*Session, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if config != nil && config.Name == "" && config.NameFormat != "" {
		named := *config
		named.Name = fmt.Sprintf(config.NameFormat, r.nextID)
		config = &named
	}

	s, err := NewSession(config)
	if err != nil {
		return nil, err
	}

	s.id = r.nextID
	r.nextID++
	r.sessions[s.id] = s

	s.log.Infof("%v registered as %d", s.name, s.id)

	return s, nil
}

func (r *Registry) Get(id uint32) (*Session, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Lookup(name string) (*Session, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for _, s := range r.sessions {
		if s.name == name {
			return s, true
		}
	}

	return nil, false
}

// Sessions returns all registered sessions ordered by handle.
func (r *Registry) Sessions() []*Session {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].id < sessions[j].id
	})

	return sessions
}

// Unregister drains the session and removes it. The session stays
// reachable until its update in flight has finished.
func (r *Registry) Unregister(id uint32) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrUnknownSession
	}

	s.Unregister()

	r.mtx.Lock()
	delete(r.sessions, id)
	r.mtx.Unlock()

	return nil
}

// Close unregisters every session, draining them in parallel.
func (r *Registry) Close() error {
	var g errgroup.Group

	for _, s := range r.Sessions() {
		id := s.id
		g.Go(func() error {
			return r.Unregister(id)
		})
	}

	return g.Wait()
}
