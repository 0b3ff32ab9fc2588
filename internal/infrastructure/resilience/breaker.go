package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many probe requests")
)

// State is the breaker position
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Options configures a Breaker
type Options struct {
	// Probes is the number of calls let through while half-open, and the
	// number of consecutive successes that close the breaker again
	Probes uint32
	// Window clears the counts periodically while closed
	Window time.Duration
	// Cooldown is how long the breaker stays open before probing
	Cooldown time.Duration
	// Trip decides whether the counts after a failure open the breaker
	Trip func(Counts) bool
	// Failure classifies a call error. Errors it rejects pass through
	// without counting against the backend.
	Failure func(error) bool
	// OnStateChange is called with the breaker lock held; it must not call
	// back into the breaker
	OnStateChange func(name string, from, to State)
}

// Counts are the call statistics of the current generation
type Counts struct {
	Requests             uint32
	Successes            uint32
	Failures             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker stops calling a backend that keeps failing and probes it again
// after a cooldown
type Breaker struct {
	name string
	opts Options
	now  func() time.Time

	mu         sync.Mutex
	state      State
	counts     Counts
	generation uint64
	expiry     time.Time
}

// New creates a closed breaker
func New(name string, opts Options) *Breaker {
	if opts.Probes == 0 {
		opts.Probes = 1
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	if opts.Trip == nil {
		opts.Trip = func(c Counts) bool { return c.ConsecutiveFailures >= 5 }
	}
	if opts.Failure == nil {
		opts.Failure = IsFailure
	}

	b := &Breaker{name: name, opts: opts, now: time.Now}
	b.expiry = b.now().Add(opts.Window)
	return b
}

// IsFailure counts every error except a canceled or expired caller context
func IsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current(b.now())
}

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Do runs fn if the breaker admits it. A rejected call returns ErrOpen or
// ErrTooManyRequests without running fn.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	gen, err := b.admit()
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			b.record(gen, true)
			panic(p)
		}
	}()

	err = fn(ctx)
	b.record(gen, b.opts.Failure(err))
	return err
}

// Call runs fn through b and returns its result
func Call[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.current(b.now()) {
	case StateOpen:
		return b.generation, ErrOpen
	case StateHalfOpen:
		if b.counts.Requests >= b.opts.Probes {
			return b.generation, ErrTooManyRequests
		}
	}
	b.counts.Requests++
	return b.generation, nil
}

// record books the outcome of a call admitted in generation gen. Calls that
// straddle a state change are ignored.
func (b *Breaker) record(gen uint64, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state := b.current(now)
	if gen != b.generation {
		return
	}

	if failed {
		b.counts.Failures++
		b.counts.ConsecutiveFailures++
		b.counts.ConsecutiveSuccesses = 0
		if state == StateHalfOpen || b.opts.Trip(b.counts) {
			b.transition(StateOpen, now)
		}
		return
	}

	b.counts.Successes++
	b.counts.ConsecutiveSuccesses++
	b.counts.ConsecutiveFailures = 0
	if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.opts.Probes {
		b.transition(StateClosed, now)
	}
}

// current advances time-based transitions and returns the state
func (b *Breaker) current(now time.Time) State {
	switch b.state {
	case StateClosed:
		if now.After(b.expiry) {
			b.newGeneration(now)
		}
	case StateOpen:
		if now.After(b.expiry) {
			b.transition(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) transition(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.newGeneration(now)

	if b.opts.OnStateChange != nil {
		b.opts.OnStateChange(b.name, from, to)
	}
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}
	switch b.state {
	case StateClosed:
		b.expiry = now.Add(b.opts.Window)
	case StateOpen:
		b.expiry = now.Add(b.opts.Cooldown)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}
}
