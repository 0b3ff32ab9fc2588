package surface

import (
	"sort"
	"sync"

	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/logging"
)

// Manager keeps surfaces by id
type Manager struct {
	opts Options
	log  *logging.Logger

	mu       sync.RWMutex
	surfaces map[string]*Surface
}

// NewManager creates a manager whose surfaces share opts
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:     opts,
		log:      logging.OrNop(opts.Logger).Component("surfaces"),
		surfaces: make(map[string]*Surface),
	}
}

// Open returns the surface with the given id, creating it if needed. An
// empty id always creates a new surface.
func (m *Manager) Open(surfaceID string) (s *Surface, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.surfaces[surfaceID]; ok {
		return s, false
	}
	s = New(surfaceID, m.opts)
	m.surfaces[s.ID()] = s
	m.opts.Metrics.SetSurfacesActive(len(m.surfaces))
	m.log.Debug("Surface opened", logging.Surface(s.ID()))
	return s, true
}

// Get looks up a surface
func (m *Manager) Get(surfaceID string) (*Surface, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.surfaces[surfaceID]
	return s, ok
}

// Remove closes and forgets a surface. It reports whether it existed.
func (m *Manager) Remove(surfaceID string) bool {
	s, ok := m.Detach(surfaceID)
	if ok {
		s.Close()
	}
	return ok
}

// Detach forgets a surface without closing it. The next Open for the same
// id creates a new surface; closing the detached one is up to the caller.
func (m *Manager) Detach(surfaceID string) (*Surface, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.surfaces[surfaceID]
	delete(m.surfaces, surfaceID)
	m.opts.Metrics.SetSurfacesActive(len(m.surfaces))
	return s, ok
}

// IDs lists open surfaces in sorted order
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.surfaces))
	for id := range m.surfaces {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of open surfaces
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.surfaces)
}

// Close closes every surface
func (m *Manager) Close() error {
	m.mu.Lock()
	surfaces := m.surfaces
	m.surfaces = make(map[string]*Surface)
	m.opts.Metrics.SetSurfacesActive(0)
	m.mu.Unlock()

	for _, s := range surfaces {
		s.Close()
	}
	return nil
}
