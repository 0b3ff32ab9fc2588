// Package id generates the identifiers used across the preview service.
//
// Every id is a ULID behind a short prefix naming what it identifies
// (inst_, surf_, cap_, req_), so ids sort by creation time and stay
// readable in logs. Websocket clients get a random UUID instead since
// their creation order carries no meaning.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Type-Safe ID Wrappers
// ============================================================================

// InstanceID identifies one sandbox instance, the render target a surface
// currently shows
type InstanceID string

// SurfaceID identifies a preview surface
type SurfaceID string

// CaptureID identifies one ephemeral capture
type CaptureID string

// RequestID identifies an API or execute request
type RequestID string

// ClientID identifies a websocket event subscriber
type ClientID string

// ============================================================================
// ID Prefixes (for debugging and type identification)
// ============================================================================

const (
	InstancePrefix = "inst"
	SurfacePrefix  = "surf"
	CapturePrefix  = "cap"
	RequestPrefix  = "req"
)

// ============================================================================
// ULID Generator (Primary)
// ============================================================================

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	// Default generator with cryptographically secure entropy
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator
func NewGenerator() *Generator {
	return &Generator{
		entropy: rand.Reader,
	}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// ============================================================================
// Typed ID Generators
// ============================================================================

// NewInstanceID generates a new sandbox instance ID
func NewInstanceID() InstanceID {
	return InstanceID(Default().GenerateWithPrefix(InstancePrefix))
}

// NewSurfaceID generates a new surface ID
func NewSurfaceID() SurfaceID {
	return SurfaceID(Default().GenerateWithPrefix(SurfacePrefix))
}

// NewCaptureID generates a new capture ID
func NewCaptureID() CaptureID {
	return CaptureID(Default().GenerateWithPrefix(CapturePrefix))
}

// NewRequestID generates a new request ID
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

// NewClientID generates a random websocket client ID
func NewClientID() ClientID {
	return ClientID(uuid.NewString())
}

// ============================================================================
// Type Conversion and Validation
// ============================================================================

// String methods for ID types
func (id InstanceID) String() string { return string(id) }
func (id SurfaceID) String() string  { return string(id) }
func (id CaptureID) String() string  { return string(id) }
func (id RequestID) String() string  { return string(id) }
func (id ClientID) String() string   { return string(id) }

// IsValid checks if an ID string is a valid ULID
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// HasPrefix reports whether id is a valid ULID carrying prefix
func HasPrefix(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix+"_")
	return ok && IsValid(rest)
}

// Parse parses a ULID string, with or without a prefix
func Parse(id string) (ulid.ULID, error) {
	if i := strings.LastIndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	return ulid.Parse(id)
}

// Timestamp extracts the timestamp from a ULID
func Timestamp(id string) (time.Time, error) {
	parsed, err := Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
