package source

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Role identifies what part a project file plays in the assembled document
type Role string

const (
	RoleHTML  Role = "html"
	RoleCSS   Role = "css"
	RoleJS    Role = "js"
	RoleOther Role = "other"
)

// rolePatterns maps a role to the file name patterns that select it
var rolePatterns = []struct {
	role    Role
	pattern string
}{
	{RoleHTML, "*.{html,htm}"},
	{RoleCSS, "*.css"},
	{RoleJS, "*.{js,mjs}"},
}

// Bundle is the resolved HTML/CSS/JS triple handed to the assembler.
// A Bundle is a value; a render pass works on its own copy.
type Bundle struct {
	HTML string `json:"html"`
	CSS  string `json:"css"`
	JS   string `json:"js"`

	// Names records which project files supplied each fragment
	Names Names `json:"names,omitempty"`
}

// Names holds the file names a project resolution picked per role
type Names struct {
	HTML string `json:"html,omitempty"`
	CSS  string `json:"css,omitempty"`
	JS   string `json:"js,omitempty"`
}

// IsEmpty reports whether there is nothing renderable in the bundle
func (b Bundle) IsEmpty() bool {
	return strings.TrimSpace(b.HTML) == "" &&
		strings.TrimSpace(b.CSS) == "" &&
		strings.TrimSpace(b.JS) == ""
}

// RoleOf classifies a file name by extension
func RoleOf(name string) Role {
	base := strings.ToLower(path.Base(strings.ReplaceAll(name, "\\", "/")))
	for _, rp := range rolePatterns {
		if ok, _ := doublestar.Match(rp.pattern, base); ok {
			return rp.role
		}
	}
	return RoleOther
}

// Provider yields the current bundle for a preview surface
type Provider interface {
	Bundle() Bundle
}
