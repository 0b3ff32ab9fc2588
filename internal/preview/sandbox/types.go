package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/GriffinCanCode/sandbox-preview/internal/preview/assemble"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/protocol"
)

var (
	ErrDetached      = errors.New("render target detached")
	ErrAlreadyLoaded = errors.New("render target already loaded")
	errTimeout       = errors.New("execution timeout exceeded")
)

// Config defines render target limits
type Config struct {
	Timeout       time.Duration // Budget for one Load or Post
	MaxCallStack  int           // goja call stack limit
	MaxTimerTasks int           // Timer callbacks run per Load or Post
	TimerHorizon  time.Duration // Virtual time after which pending timers are dropped
	MaxDepth      int           // Nesting limit when serializing console arguments
}

// DefaultConfig returns the default limits
func DefaultConfig() Config {
	return Config{
		Timeout:       5 * time.Second,
		MaxCallStack:  1024,
		MaxTimerTasks: 1000,
		TimerHorizon:  30 * time.Second,
		MaxDepth:      6,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxCallStack <= 0 {
		c.MaxCallStack = d.MaxCallStack
	}
	if c.MaxTimerTasks <= 0 {
		c.MaxTimerTasks = d.MaxTimerTasks
	}
	if c.TimerHorizon <= 0 {
		c.TimerHorizon = d.TimerHorizon
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = d.MaxDepth
	}
	return c
}

// Snapshot is the rendered state of a target
type Snapshot struct {
	HTML  string
	Title string
	Text  string
}

// Target is one isolated render surface for an assembled document. Every
// message it produces goes out through the channel it was created with;
// faults in user code are reported as events, never returned.
type Target interface {
	// Load renders doc and runs its scripts. A target loads once.
	Load(ctx context.Context, doc *assemble.Document) error
	// Ready is closed once the document body is attached
	Ready() <-chan struct{}
	// Post delivers a host message to the document's preview:<type> listeners
	Post(ctx context.Context, msg *protocol.Message) error
	Snapshot() (*Snapshot, error)
	// Detach tears the target down; it is safe to call more than once
	Detach() error
}
