package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
)

const (
	// MaxFileSize bounds a single project file read from disk
	MaxFileSize = 2 * 1024 * 1024

	// MaxFiles bounds the number of files loaded from one project directory
	MaxFiles = 512
)

var (
	ErrNotDirectory = errors.New("project path is not a directory")
	ErrTooManyFiles = errors.New("project has too many files")
)

// manifestNames are checked in order; the first one present is used
var manifestNames = []string{"preview.yaml", "preview.yml", "preview.toml"}

// Manifest pins roles and exclusions for a project directory
type Manifest struct {
	HTML    string   `yaml:"html" toml:"html"`
	CSS     string   `yaml:"css" toml:"css"`
	JS      string   `yaml:"js" toml:"js"`
	Exclude []string `yaml:"exclude" toml:"exclude"`
}

// Project is a file set loaded from disk with its role resolution
type Project struct {
	Root      string
	Files     FileSet
	Overrides RoleOverrides
}

// LoadDir walks a project directory into an ordered file set. Files are
// ordered by relative path so role resolution is deterministic.
func LoadDir(ctx context.Context, root string) (*Project, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat project: %w", err)
	}
	if !info.IsDir() {
		return nil, ErrNotDirectory
	}

	manifest, err := readManifest(root)
	if err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		files FileSet
	)
	conf := fastwalk.Config{Follow: false}
	err = fastwalk.Walk(&conf, root, func(p string, d os.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}

		rel, _ := filepath.Rel(root, p)
		rel = filepath.ToSlash(rel)
		if isManifest(rel) || manifest.excluded(rel) {
			return nil
		}

		data, err := readLimited(p)
		if err != nil {
			return nil
		}

		mu.Lock()
		defer mu.Unlock()
		if len(files) >= MaxFiles {
			return ErrTooManyFiles
		}
		files = append(files, File{
			ID:      rel,
			Name:    rel,
			Content: decodeText(data),
			Role:    RoleOf(rel),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk project: %w", err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].ID < files[j].ID })

	return &Project{
		Root:      root,
		Files:     files,
		Overrides: manifest.overrides(),
	}, nil
}

func readManifest(root string) (Manifest, error) {
	var m Manifest
	for _, name := range manifestNames {
		data, err := os.ReadFile(filepath.Join(root, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return m, fmt.Errorf("read manifest: %w", err)
		}
		if strings.HasSuffix(name, ".toml") {
			err = toml.Unmarshal(data, &m)
		} else {
			err = yaml.Unmarshal(data, &m)
		}
		if err != nil {
			return m, fmt.Errorf("parse %s: %w", name, err)
		}
		return m, nil
	}
	return m, nil
}

func isManifest(rel string) bool {
	for _, name := range manifestNames {
		if rel == name {
			return true
		}
	}
	return false
}

func (m Manifest) excluded(rel string) bool {
	for _, pattern := range m.Exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (m Manifest) overrides() RoleOverrides {
	o := RoleOverrides{}
	if m.HTML != "" {
		o[RoleHTML] = m.HTML
	}
	if m.CSS != "" {
		o[RoleCSS] = m.CSS
	}
	if m.JS != "" {
		o[RoleJS] = m.JS
	}
	return o
}

func readLimited(p string) ([]byte, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("%s exceeds %d bytes", p, MaxFileSize)
	}
	return os.ReadFile(p)
}

// decodeText converts file bytes to UTF-8, detecting legacy encodings
func decodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}

	detector := chardet.NewTextDetector()
	result, err := detector.DetectBest(data)
	if err != nil || result == nil {
		return strings.ToValidUTF8(string(data), "�")
	}

	enc, _ := charset.Lookup(result.Charset)
	if enc == nil {
		return strings.ToValidUTF8(string(data), "�")
	}
	decoded, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return strings.ToValidUTF8(string(data), "�")
	}
	return string(decoded)
}
