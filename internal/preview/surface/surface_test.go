package surface

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/assemble"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/broker"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/protocol"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/sandbox"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/source"
)

// fakeTarget lets a test emit messages from an instance at any time
type fakeTarget struct {
	id string
	ch broker.Channel

	mu       sync.Mutex
	detached bool
	posted   []*protocol.Message
	ready    chan struct{}
}

func (f *fakeTarget) Load(ctx context.Context, doc *assemble.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.detached {
		return sandbox.ErrDetached
	}
	close(f.ready)
	return nil
}

func (f *fakeTarget) Ready() <-chan struct{} { return f.ready }

func (f *fakeTarget) Post(ctx context.Context, msg *protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, msg)
	return nil
}

func (f *fakeTarget) Snapshot() (*sandbox.Snapshot, error) { return &sandbox.Snapshot{}, nil }

func (f *fakeTarget) Detach() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = true
	return nil
}

func (f *fakeTarget) log(t *testing.T, instance, text string) error {
	t.Helper()
	msg, err := protocol.New(protocol.TypeConsoleLog, protocol.ConsoleEvent{Level: protocol.LevelLog, Args: []any{text}})
	require.NoError(t, err)
	msg.Instance = instance
	return f.ch.Send(context.Background(), msg)
}

type fakes struct {
	mu      sync.Mutex
	targets []*fakeTarget
}

func (f *fakes) factory(id string, ch broker.Channel) sandbox.Target {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTarget{id: id, ch: ch, ready: make(chan struct{})}
	f.targets = append(f.targets, t)
	return t
}

type consoleLine struct {
	instance string
	text     any
}

func collect(s *Surface) func() []consoleLine {
	var mu sync.Mutex
	var lines []consoleLine
	s.Broker().OnConsole(func(instance string, ev protocol.ConsoleEvent) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, consoleLine{instance: instance, text: ev.Args[0]})
	})
	return func() []consoleLine {
		mu.Lock()
		defer mu.Unlock()
		return append([]consoleLine(nil), lines...)
	}
}

func assembleJS(js string) *assemble.Document {
	return assemble.New(assemble.Options{}).Assemble(source.Bundle{HTML: "<main></main>", JS: js})
}

func TestRapidRebuildsLeakNoStaleEvents(t *testing.T) {
	metrics := monitoring.NewMetrics()
	f := &fakes{}
	s := New("", Options{NewTarget: f.factory, Metrics: metrics})
	defer s.Close()
	lines := collect(s)

	ctx := context.Background()
	var insts []*Instance
	for i := 0; i < 3; i++ {
		inst, err := s.Swap(ctx, assembleJS("console.log(1)"))
		require.NoError(t, err)
		insts = append(insts, inst)
	}
	current := insts[2]
	require.Equal(t, current, s.Current())

	// retired instances can no longer send at all
	for _, old := range f.targets[:2] {
		assert.ErrorIs(t, old.log(t, old.id, "stale"), broker.ErrClosed)
		assert.True(t, old.detached)
	}

	// a message stamped with an old id on the live channel is dropped too
	live := f.targets[2]
	require.NoError(t, live.log(t, insts[1].ID, "misattributed"))
	require.NoError(t, live.log(t, current.ID, "fresh"))

	got := lines()
	require.Len(t, got, 1)
	assert.Equal(t, consoleLine{instance: current.ID, text: "fresh"}, got[0])
	assert.Equal(t, 1, s.Broker().History().Len())
	assert.Equal(t, int64(1), metrics.Snapshot().StaleDropped)
	assert.Equal(t, int64(1), metrics.Snapshot().ActiveInstances)
}

func TestSwapWithSandbox(t *testing.T) {
	s := New("surf_test", Options{})
	defer s.Close()
	lines := collect(s)

	ctx := context.Background()
	first, err := s.Swap(ctx, assembleJS("console.log('one');"))
	require.NoError(t, err)
	second, err := s.Swap(ctx, assembleJS("console.log('two');"))
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	assert.Equal(t, []consoleLine{
		{instance: first.ID, text: "one"},
		{instance: second.ID, text: "two"},
	}, lines())

	// history restarts with every instance
	entries := s.Broker().History().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, second.ID, entries[0].Instance)
	assert.Equal(t, second.Document, s.Document())
}

func TestSwapSupersedesRunningLoad(t *testing.T) {
	cfg := sandbox.DefaultConfig()
	cfg.Timeout = 10 * time.Second
	s := New("", Options{Sandbox: cfg})
	defer s.Close()

	started := make(chan struct{}, 1)
	s.Broker().OnConsole(func(string, protocol.ConsoleEvent) {
		select {
		case started <- struct{}{}:
		default:
		}
	})

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		_, err := s.Swap(ctx, assembleJS("console.log('busy'); while (true) {}"))
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first instance never started")
	}

	_, err := s.Swap(ctx, assembleJS("1;"))
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(5 * time.Second):
		t.Fatal("superseded swap did not return")
	}
}

type stubExecutor struct{}

func (stubExecutor) Respond(ctx context.Context, req *protocol.ExecuteRequest) *protocol.ExecuteResponse {
	return &protocol.ExecuteResponse{ID: req.ID, Stdout: "ran " + req.Code}
}

func TestExecuteRequestAnswered(t *testing.T) {
	s := New("", Options{Executor: stubExecutor{}})
	defer s.Close()
	lines := collect(s)

	var requests []string
	s.Broker().OnMessage(protocol.TypeExecuteRequest, func(msg *protocol.Message) {
		requests = append(requests, msg.Instance)
	})

	inst, err := s.Swap(context.Background(), assembleJS(`
addEventListener('preview:execute-response', function (e) {
  console.log(e.detail.id + ' ' + e.detail.stdout);
});
preview.send('execute-request', {id: 'r1', code: 'print(1)'});
`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, l := range lines() {
			if l.text == "r1 ran print(1)" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{inst.ID}, requests)
}

func TestPostAndClose(t *testing.T) {
	f := &fakes{}
	s := New("", Options{NewTarget: f.factory})

	msg, err := protocol.New(protocol.TypeLanguageSwitch, protocol.LanguageSwitch{Language: "go"})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Post(context.Background(), msg), ErrNoInstance)

	_, err = s.Swap(context.Background(), assembleJS("1;"))
	require.NoError(t, err)
	require.NoError(t, s.Post(context.Background(), msg))
	assert.Len(t, f.targets[0].posted, 1)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, f.targets[0].detached)
	assert.Nil(t, s.Current())

	_, err = s.Swap(context.Background(), assembleJS("1;"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestManager(t *testing.T) {
	f := &fakes{}
	m := NewManager(Options{NewTarget: f.factory, Metrics: monitoring.NewMetrics()})

	a, created := m.Open("surf_a")
	assert.True(t, created)
	again, created := m.Open("surf_a")
	assert.False(t, created)
	assert.Same(t, a, again)

	b, created := m.Open("")
	assert.True(t, created)
	assert.Contains(t, b.ID(), "surf_")
	assert.Equal(t, 2, m.Len())

	got, ok := m.Get("surf_a")
	require.True(t, ok)
	assert.Same(t, a, got)
	// ULID characters sort before lowercase letters
	assert.Equal(t, []string{b.ID(), "surf_a"}, m.IDs())

	_, err := a.Swap(context.Background(), assembleJS("1;"))
	require.NoError(t, err)
	assert.True(t, m.Remove("surf_a"))
	assert.False(t, m.Remove("surf_a"))
	assert.True(t, f.targets[0].detached)

	require.NoError(t, m.Close())
	assert.Zero(t, m.Len())
}

func TestManagerDetachLeavesSurfaceOpen(t *testing.T) {
	m := NewManager(Options{NewTarget: (&fakes{}).factory})
	defer m.Close()

	old, _ := m.Open("surf_d")
	detached, ok := m.Detach("surf_d")
	require.True(t, ok)
	assert.Same(t, old, detached)
	assert.Zero(t, m.Len())

	_, err := old.Swap(context.Background(), assembleJS("1;"))
	require.NoError(t, err)

	fresh, created := m.Open("surf_d")
	assert.True(t, created)
	assert.NotSame(t, old, fresh)

	require.NoError(t, old.Close())
	_, err = old.Swap(context.Background(), assembleJS("1;"))
	assert.ErrorIs(t, err, ErrClosed)
	_, ok = m.Detach("surf_missing")
	assert.False(t, ok)
}
