package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(opts Options) (*Breaker, *clock) {
	clk := &clock{now: time.Unix(1700000000, 0)}
	b := New("test", opts)
	b.now = clk.Now
	b.expiry = clk.Now().Add(b.opts.Window)
	return b, clk
}

func succeed(context.Context) error { return nil }
func fail(context.Context) error    { return errBackend }

func TestBreakerTransitions(t *testing.T) {
	var changes []string
	b, clk := newTestBreaker(Options{
		Probes:   2,
		Cooldown: time.Second,
		Trip:     func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
		OnStateChange: func(name string, from, to State) {
			changes = append(changes, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Do(ctx, fail), errBackend)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.ErrorIs(t, b.Do(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, b.State())

	ran := false
	err := b.Do(ctx, func(context.Context) error { ran = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, ran)

	clk.Advance(2 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Do(ctx, succeed))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Do(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, changes)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(Options{
		Cooldown: time.Second,
		Trip:     func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	ctx := context.Background()

	require.Error(t, b.Do(ctx, fail))
	clk.Advance(2 * time.Second)
	require.Error(t, b.Do(ctx, fail))
	assert.Equal(t, StateOpen, b.State())
}

func TestHalfOpenLimitsProbes(t *testing.T) {
	b, clk := newTestBreaker(Options{
		Cooldown: time.Second,
		Trip:     func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	ctx := context.Background()

	require.Error(t, b.Do(ctx, fail))
	clk.Advance(2 * time.Second)

	release := make(chan struct{})
	probing := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(ctx, func(context.Context) error {
			close(probing)
			<-release
			return nil
		})
	}()
	<-probing

	assert.ErrorIs(t, b.Do(ctx, succeed), ErrTooManyRequests)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestCanceledCallsDoNotTrip(t *testing.T) {
	b, _ := newTestBreaker(Options{
		Trip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Do(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(1), b.Counts().Successes)
}

func TestCustomFailureClassifier(t *testing.T) {
	errBadInput := errors.New("bad input")
	b, _ := newTestBreaker(Options{
		Trip:    func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
		Failure: func(err error) bool { return IsFailure(err) && !errors.Is(err, errBadInput) },
	})

	err := b.Do(context.Background(), func(context.Context) error { return errBadInput })
	assert.ErrorIs(t, err, errBadInput)
	assert.Equal(t, StateClosed, b.State())
}

func TestWindowClearsCounts(t *testing.T) {
	b, clk := newTestBreaker(Options{Window: time.Second})
	ctx := context.Background()

	require.Error(t, b.Do(ctx, fail))
	assert.Equal(t, uint32(1), b.Counts().Failures)

	clk.Advance(2 * time.Second)
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Counts().Failures)
}

func TestCall(t *testing.T) {
	b, _ := newTestBreaker(Options{})

	n, err := Call(context.Background(), b, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.Equal(t, uint32(1), b.Counts().Requests)
}

func TestPanicCountsAsFailure(t *testing.T) {
	b, _ := newTestBreaker(Options{
		Trip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})

	assert.Panics(t, func() {
		_ = b.Do(context.Background(), func(context.Context) error { panic("boom") })
	})
	assert.Equal(t, StateOpen, b.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
