package capture

import (
	"context"
	"strings"
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

// bodilessTarget never attaches a body; Load blocks until Detach
type bodilessTarget struct {
	mu       sync.Mutex
	detached bool
	gone     chan struct{}
	once     sync.Once
}

func newBodilessTarget() *bodilessTarget {
	return &bodilessTarget{gone: make(chan struct{})}
}

func (b *bodilessTarget) Load(ctx context.Context, doc *assemble.Document) error {
	<-b.gone
	return sandbox.ErrDetached
}

func (b *bodilessTarget) Ready() <-chan struct{} { return nil }

func (b *bodilessTarget) Post(ctx context.Context, msg *protocol.Message) error { return nil }

func (b *bodilessTarget) Snapshot() (*sandbox.Snapshot, error) { return nil, sandbox.ErrDetached }

func (b *bodilessTarget) Detach() error {
	b.once.Do(func() { close(b.gone) })
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detached = true
	return nil
}

func (b *bodilessTarget) isDetached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.detached
}

func TestCaptureEmptyBundle(t *testing.T) {
	metrics := monitoring.NewMetrics()
	created := 0
	h := New(Options{
		Metrics: metrics,
		NewTarget: func(string, broker.Channel) sandbox.Target {
			created++
			return newBodilessTarget()
		},
	})

	require.Zero(t, h.Active())
	snap, err := h.Capture(context.Background(), source.Bundle{HTML: " ", CSS: "\n"})
	assert.Nil(t, snap)

	var ce *CaptureError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ReasonEmpty, ce.Reason)
	assert.Zero(t, created)
	assert.Zero(t, h.Active())
}

func TestCaptureAttachTimeout(t *testing.T) {
	target := newBodilessTarget()
	h := New(Options{
		AttachTimeout: 50 * time.Millisecond,
		NewTarget: func(string, broker.Channel) sandbox.Target {
			return target
		},
	})

	_, err := h.Capture(context.Background(), source.Bundle{HTML: "<p>x</p>"})
	var ce *CaptureError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ReasonNoBody, ce.Reason)
	assert.True(t, target.isDetached())
	assert.Zero(t, h.Active())
}

func TestCaptureCanceled(t *testing.T) {
	target := newBodilessTarget()
	h := New(Options{
		AttachTimeout: time.Minute,
		NewTarget: func(string, broker.Channel) sandbox.Target {
			return target
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := h.Capture(ctx, source.Bundle{JS: "1;"})
	var ce *CaptureError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ReasonCanceled, ce.Reason)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, target.isDetached())
	assert.Zero(t, h.Active())
}

func TestCaptureRendersDocument(t *testing.T) {
	metrics := monitoring.NewMetrics()
	var targets []sandbox.Target
	h := New(Options{
		Settle:  10 * time.Millisecond,
		Metrics: metrics,
		NewTarget: func(instanceID string, ch broker.Channel) sandbox.Target {
			tgt := sandbox.New(sandbox.Options{ID: instanceID, Channel: ch})
			targets = append(targets, tgt)
			return tgt
		},
	})

	snap, err := h.Capture(context.Background(), source.Bundle{
		HTML: `<h1 id="title">Hello</h1><p class="note">draft</p>`,
		CSS:  "h1 { color: red; }",
		JS: `document.getElementById('title').textContent = 'Hello capture';
document.title = 'Captured';
console.log('rendered');
setTimeout(function () { document.querySelector('.note').textContent = 'final'; }, 50);
throw new Error('late failure');`,
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(snap.ID, "cap_"), snap.ID)
	assert.Contains(t, snap.MIME, "text/")
	assert.Equal(t, "Captured", snap.Title)
	assert.Contains(t, snap.Text, "Hello capture")

	markup, err := Decompress(snap)
	require.NoError(t, err)
	assert.Equal(t, snap.Size, len(markup))
	assert.Contains(t, string(markup), "Hello capture")
	assert.NotContains(t, string(markup), "<script")
	assert.NotContains(t, string(markup), "late failure")

	require.Len(t, snap.Console, 1)
	assert.Equal(t, []any{"rendered"}, snap.Console[0].Args)
	require.Len(t, snap.Errors, 1)
	assert.Equal(t, "late failure", snap.Errors[0].Message)

	// the throwaway target is gone once Capture returns
	require.Len(t, targets, 1)
	assert.True(t, targets[0].(*sandbox.Runtime).Detached())
	assert.Zero(t, h.Active())
}
