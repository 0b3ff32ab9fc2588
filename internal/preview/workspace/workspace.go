package workspace

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/logging"
	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/assemble"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/regen"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/source"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/surface"
)

var ErrNotFound = errors.New("surface not found")

// Mode says which store feeds a mount
type Mode int

const (
	ModeFragments Mode = iota
	ModeProject
)

// Options configures a Workspace
type Options struct {
	Surface   surface.Options
	Debounce  time.Duration
	Assembler *assemble.Assembler
	// OnRebuild observes every rebuild of every mount
	OnRebuild func(surfaceID string, r regen.Rebuild)
	Logger    *logging.Logger
	Metrics   *monitoring.Metrics
}

// Mount is one mounted preview surface together with its sources and
// regeneration controller
type Mount struct {
	Surface    *surface.Surface
	Controller *regen.Controller
	Fragments  *source.FragmentStore
	Project    *source.ProjectStore

	mu   sync.RWMutex
	mode Mode
}

// Bundle implements source.Provider for the store the mount was last fed
// through
func (m *Mount) Bundle() source.Bundle {
	m.mu.RLock()
	mode := m.mode
	m.mu.RUnlock()

	if mode == ModeProject {
		return m.Project.Bundle()
	}
	return m.Fragments.Bundle()
}

// Mode returns the active store
func (m *Mount) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

func (m *Mount) use(mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
}

// Workspace keeps the mounted surfaces of a server
type Workspace struct {
	opts    Options
	log     *logging.Logger
	manager *surface.Manager

	mu     sync.RWMutex
	mounts map[string]*Mount
}

// New creates an empty workspace
func New(opts Options) *Workspace {
	if opts.Assembler == nil {
		opts.Assembler = assemble.New(assemble.Options{})
	}
	if opts.Surface.Logger == nil {
		opts.Surface.Logger = opts.Logger
	}
	if opts.Surface.Metrics == nil {
		opts.Surface.Metrics = opts.Metrics
	}
	return &Workspace{
		opts:    opts,
		log:     logging.OrNop(opts.Logger).Component("workspace"),
		manager: surface.NewManager(opts.Surface),
		mounts:  make(map[string]*Mount),
	}
}

// Assembler returns the assembler shared by all mounts
func (w *Workspace) Assembler() *assemble.Assembler {
	return w.opts.Assembler
}

// Mount returns the mount for id, creating it when needed
func (w *Workspace) Mount(id string) (*Mount, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if m, ok := w.mounts[id]; ok {
		return m, false
	}

	s, _ := w.manager.Open(id)
	m := &Mount{
		Surface:   s,
		Fragments: source.NewFragmentStore(source.Bundle{}),
		Project:   source.NewProjectStore(nil, nil),
	}
	surfaceID := s.ID()
	m.Controller = regen.New(regen.Options{
		Debounce:  w.opts.Debounce,
		Assembler: w.opts.Assembler,
		Provider:  m,
		Surface:   s,
		OnRebuild: func(r regen.Rebuild) {
			if w.opts.OnRebuild != nil {
				w.opts.OnRebuild(surfaceID, r)
			}
		},
		Logger:  w.opts.Logger,
		Metrics: w.opts.Metrics,
	})
	w.mounts[surfaceID] = m
	w.log.Info("Surface mounted", logging.Surface(surfaceID))
	return m, true
}

// Get looks up a mount
func (w *Workspace) Get(id string) (*Mount, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	m, ok := w.mounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

// SetFragments replaces the fragments of a mount and schedules a rebuild
func (w *Workspace) SetFragments(id string, b source.Bundle) *Mount {
	m, _ := w.Mount(id)
	m.Fragments.Set(b)
	m.use(ModeFragments)
	m.Controller.Edit()
	return m
}

// FileUpdate carries a project save plus unsaved editor buffers. A nil
// Files keeps the saved set and only updates live content.
type FileUpdate struct {
	Files     source.FileSet
	Live      map[string]string
	Discard   []string
	Overrides source.RoleOverrides
}

// SetFiles applies a project update and schedules a rebuild
func (w *Workspace) SetFiles(id string, u FileUpdate) *Mount {
	m, _ := w.Mount(id)
	if u.Files != nil {
		m.Project.Save(u.Files)
	}
	if u.Overrides != nil {
		m.Project.SetOverrides(u.Overrides)
	}
	for fileID, content := range u.Live {
		m.Project.SetLive(fileID, content)
	}
	for _, fileID := range u.Discard {
		m.Project.DiscardLive(fileID)
	}
	m.use(ModeProject)
	m.Controller.Edit()
	return m
}

// Unmount closes a surface's controller and instance. The surface leaves
// the manager under the workspace lock, so a Mount racing with it always
// gets a fresh surface rather than the one being closed.
func (w *Workspace) Unmount(id string) error {
	w.mu.Lock()
	m, ok := w.mounts[id]
	if ok {
		delete(w.mounts, id)
		w.manager.Detach(id)
	}
	w.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	m.Controller.Close()
	m.Surface.Close()
	w.log.Info("Surface unmounted", logging.Surface(id))
	return nil
}

// IDs lists mounted surfaces in sorted order
func (w *Workspace) IDs() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ids := make([]string, 0, len(w.mounts))
	for id := range w.mounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close unmounts everything
func (w *Workspace) Close() error {
	w.mu.Lock()
	mounts := w.mounts
	w.mounts = make(map[string]*Mount)
	w.mu.Unlock()

	for _, m := range mounts {
		m.Controller.Close()
	}
	return w.manager.Close()
}
