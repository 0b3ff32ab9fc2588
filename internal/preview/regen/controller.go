package regen

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/logging"
	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/assemble"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/source"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/surface"
)

// DefaultDebounce is the quiet period after the last edit before a rebuild
const DefaultDebounce = 500 * time.Millisecond

// ErrClosed is returned after Close
var ErrClosed = errors.New("controller closed")

// State is the controller's position in the rebuild cycle
type State int

const (
	StateIdle State = iota
	StatePending
	StateRebuilding
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateRebuilding:
		return "rebuilding"
	default:
		return "unknown"
	}
}

// Trigger names what started a rebuild
type Trigger string

const (
	TriggerDebounce Trigger = "debounce"
	TriggerActivate Trigger = "activate"
	TriggerFlush    Trigger = "flush"
)

// Swapper is the surface a controller renders into
type Swapper interface {
	Swap(ctx context.Context, doc *assemble.Document) (*surface.Instance, error)
	Document() *assemble.Document
}

// Rebuild describes one finished rebuild
type Rebuild struct {
	Trigger  Trigger
	Instance string
	Hash     string
	Reused   bool
	Warnings []*assemble.AssemblyError
	Duration time.Duration
	Err      error
}

// Options configures a Controller
type Options struct {
	Debounce  time.Duration
	Assembler *assemble.Assembler
	Provider  source.Provider
	Surface   Swapper
	// OnRebuild is called after every rebuild, outside the controller lock
	OnRebuild func(Rebuild)
	Logger    *logging.Logger
	Metrics   *monitoring.Metrics
}

// Controller coalesces edits into rebuilds of one surface. Only one rebuild
// runs at a time.
type Controller struct {
	opts    Options
	log     *logging.Logger
	metrics *monitoring.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  State
	timer  *time.Timer
	gen    uint64
	closed bool

	// held for the duration of a rebuild
	rebuildMu sync.Mutex
}

// New creates an idle controller
func New(opts Options) *Controller {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Assembler == nil {
		opts.Assembler = assemble.New(assemble.Options{})
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		opts:    opts,
		log:     logging.OrNop(opts.Logger).Component("regen"),
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Edit records a source edit. It moves the controller to pending and
// restarts the debounce window, so a burst of edits produces one rebuild.
func (c *Controller) Edit() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.state = StatePending
	c.gen++
	gen := c.gen
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.opts.Debounce, func() { c.expire(gen) })
}

// Activate is called when the surface comes into view. It rebuilds at once
// unless a rebuild is already pending or running, and reports whether it did.
func (c *Controller) Activate() (bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClosed
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		return false, nil
	}
	c.state = StateRebuilding
	gen := c.gen
	c.mu.Unlock()

	return true, c.rebuild(TriggerActivate, gen)
}

// Flush runs a pending rebuild now instead of waiting for the debounce
// window. It does nothing when no rebuild is pending.
func (c *Controller) Flush() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StatePending {
		c.mu.Unlock()
		return nil
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.state = StateRebuilding
	gen := c.gen
	c.mu.Unlock()

	return c.rebuild(TriggerFlush, gen)
}

// expire runs when the debounce timer fires. A timer superseded by a later
// edit finds a newer generation and does nothing.
func (c *Controller) expire(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.state != StatePending {
		c.mu.Unlock()
		return
	}
	c.state = StateRebuilding
	c.mu.Unlock()

	if err := c.rebuild(TriggerDebounce, gen); err != nil && !errors.Is(err, surface.ErrSuperseded) {
		c.log.Warn("Rebuild failed", zap.Error(err))
	}
}

// rebuild resolves the current bundle, assembles it and swaps it into the
// surface. An identical document keeps the live instance.
func (c *Controller) rebuild(trigger Trigger, gen uint64) error {
	c.rebuildMu.Lock()
	defer c.rebuildMu.Unlock()

	timer := monitoring.NewTimer()
	result := Rebuild{Trigger: trigger}

	doc := c.opts.Assembler.Assemble(c.opts.Provider.Bundle())
	result.Hash = doc.Hash
	result.Warnings = doc.Warnings
	for _, w := range doc.Warnings {
		c.log.Debug("Assembly fell back", zap.String("anchor", w.Anchor), zap.String("detail", w.Detail))
	}

	if cur := c.opts.Surface.Document(); cur != nil && cur.Hash == doc.Hash {
		result.Reused = true
	} else {
		inst, err := c.opts.Surface.Swap(c.ctx, doc)
		if inst != nil {
			result.Instance = inst.ID
		}
		result.Err = err
	}
	result.Duration = timer.Elapsed()

	c.finish(gen)
	c.metrics.RecordRebuild(string(trigger), outcome(result), result.Duration)
	c.log.Debug("Rebuilt preview",
		zap.String("trigger", string(trigger)),
		logging.Instance(result.Instance),
		zap.Bool("reused", result.Reused),
		zap.Duration("duration", result.Duration))

	if c.opts.OnRebuild != nil {
		c.opts.OnRebuild(result)
	}
	return result.Err
}

// finish returns to idle unless an edit arrived during the rebuild
func (c *Controller) finish(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRebuilding && gen == c.gen {
		c.state = StateIdle
	}
}

func outcome(r Rebuild) string {
	switch {
	case r.Reused:
		return "reused"
	case errors.Is(r.Err, surface.ErrSuperseded):
		return "superseded"
	case r.Err != nil:
		return "error"
	default:
		return "ok"
	}
}

// Close stops the debounce timer, cancels a running rebuild and waits for
// it to return
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.state = StateIdle
	c.mu.Unlock()

	c.cancel()
	c.rebuildMu.Lock()
	c.rebuildMu.Unlock()
	return nil
}
