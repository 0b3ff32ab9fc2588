package source

import (
	"sync"
)

// File is one entry in a project file set
type File struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Role    Role   `json:"role,omitempty"`
}

// FileSet is an ordered collection of project files
type FileSet []File

// RoleOverrides pins a role to a specific file id. The file-tree
// collaborator (or a project manifest) supplies these; they win over
// extension order.
type RoleOverrides map[Role]string

// Classify fills in missing roles from file extensions
func (fs FileSet) Classify() FileSet {
	out := make(FileSet, len(fs))
	for i, f := range fs {
		if f.Role == "" {
			f.Role = RoleOf(f.Name)
		}
		out[i] = f
	}
	return out
}

// Find returns the file with the given id
func (fs FileSet) Find(id string) (File, bool) {
	for _, f := range fs {
		if f.ID == id {
			return f, true
		}
	}
	return File{}, false
}

// Resolve maps the file set onto a bundle. The first file per role wins;
// later files with the same role are ignored.
func (fs FileSet) Resolve(overrides RoleOverrides) Bundle {
	var b Bundle
	picked := map[Role]bool{}

	assign := func(role Role, f File) {
		switch role {
		case RoleHTML:
			b.HTML, b.Names.HTML = f.Content, f.Name
		case RoleCSS:
			b.CSS, b.Names.CSS = f.Content, f.Name
		case RoleJS:
			b.JS, b.Names.JS = f.Content, f.Name
		default:
			return
		}
		picked[role] = true
	}

	for role, id := range overrides {
		if f, ok := fs.Find(id); ok {
			assign(role, f)
		}
	}

	for _, f := range fs.Classify() {
		if picked[f.Role] {
			continue
		}
		assign(f.Role, f)
	}
	return b
}

// Overlay returns a copy of the file set with live editor content applied.
// Live content always wins over the saved content.
func (fs FileSet) Overlay(live map[string]string) FileSet {
	out := make(FileSet, len(fs))
	for i, f := range fs {
		if content, ok := live[f.ID]; ok {
			f.Content = content
		}
		out[i] = f
	}
	return out
}

// FragmentStore holds the three fragments of a single-fragment editor
type FragmentStore struct {
	mu     sync.RWMutex
	bundle Bundle
}

// NewFragmentStore creates a store seeded with a bundle
func NewFragmentStore(initial Bundle) *FragmentStore {
	return &FragmentStore{bundle: initial}
}

// Set replaces all fragments
func (s *FragmentStore) Set(b Bundle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundle = b
}

// SetFragment replaces one fragment
func (s *FragmentStore) SetFragment(role Role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch role {
	case RoleHTML:
		s.bundle.HTML = content
	case RoleCSS:
		s.bundle.CSS = content
	case RoleJS:
		s.bundle.JS = content
	}
}

// Bundle implements Provider
func (s *FragmentStore) Bundle() Bundle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bundle
}

// ProjectStore holds the last saved file set plus unsaved editor buffers
type ProjectStore struct {
	mu        sync.RWMutex
	files     FileSet
	live      map[string]string
	overrides RoleOverrides
}

// NewProjectStore creates a project store
func NewProjectStore(files FileSet, overrides RoleOverrides) *ProjectStore {
	return &ProjectStore{
		files:     files,
		live:      make(map[string]string),
		overrides: overrides,
	}
}

// Save replaces the saved file set and drops live buffers for files that
// no longer exist
func (s *ProjectStore) Save(files FileSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = files
	for id := range s.live {
		if _, ok := files.Find(id); !ok {
			delete(s.live, id)
		}
	}
}

// SetLive records unsaved editor content for a file
func (s *ProjectStore) SetLive(id, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[id] = content
}

// DiscardLive drops the unsaved buffer of a file
func (s *ProjectStore) DiscardLive(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, id)
}

// SetOverrides replaces the active role resolution
func (s *ProjectStore) SetOverrides(overrides RoleOverrides) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides = overrides
}

// Bundle implements Provider
func (s *ProjectStore) Bundle() Bundle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.files.Overlay(s.live).Resolve(s.overrides)
}
