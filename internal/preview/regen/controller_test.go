package regen

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/sandbox-preview/internal/preview/assemble"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/source"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/surface"
)

const testDebounce = 50 * time.Millisecond

type recordingSurface struct {
	mu   sync.Mutex
	docs []*assemble.Document
}

func (r *recordingSurface) Swap(ctx context.Context, doc *assemble.Document) (*surface.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, doc)
	return &surface.Instance{ID: "inst_" + doc.Hash[:8], Document: doc}, nil
}

func (r *recordingSurface) Document() *assemble.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.docs) == 0 {
		return nil
	}
	return r.docs[len(r.docs)-1]
}

func (r *recordingSurface) swaps() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}

func newController(t *testing.T, provider source.Provider) (*Controller, *recordingSurface, func() []Rebuild) {
	t.Helper()
	surf := &recordingSurface{}
	var mu sync.Mutex
	var rebuilds []Rebuild
	c := New(Options{
		Debounce: testDebounce,
		Provider: provider,
		Surface:  surf,
		OnRebuild: func(r Rebuild) {
			mu.Lock()
			defer mu.Unlock()
			rebuilds = append(rebuilds, r)
		},
	})
	t.Cleanup(func() { c.Close() })
	return c, surf, func() []Rebuild {
		mu.Lock()
		defer mu.Unlock()
		return append([]Rebuild(nil), rebuilds...)
	}
}

func TestEditsCoalesce(t *testing.T) {
	store := source.NewFragmentStore(source.Bundle{HTML: "<p>0</p>"})
	c, surf, _ := newController(t, store)

	for i := 0; i < 5; i++ {
		store.SetFragment(source.RoleJS, strings.Repeat("x;", i+1))
		c.Edit()
		assert.Equal(t, StatePending, c.State())
		time.Sleep(testDebounce / 4)
	}

	require.Eventually(t, func() bool {
		return surf.swaps() == 1 && c.State() == StateIdle
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(3 * testDebounce)
	assert.Equal(t, 1, surf.swaps())
	assert.Contains(t, surf.Document().HTML, "x;x;x;x;x;")
}

func TestActivate(t *testing.T) {
	store := source.NewFragmentStore(source.Bundle{HTML: "<p>hi</p>"})
	c, surf, rebuilds := newController(t, store)

	did, err := c.Activate()
	require.NoError(t, err)
	assert.True(t, did)
	assert.Equal(t, 1, surf.swaps())
	assert.Equal(t, StateIdle, c.State())

	// nothing changed, so the live instance is kept
	did, err = c.Activate()
	require.NoError(t, err)
	assert.True(t, did)
	assert.Equal(t, 1, surf.swaps())
	got := rebuilds()
	require.Len(t, got, 2)
	assert.Equal(t, TriggerActivate, got[1].Trigger)
	assert.True(t, got[1].Reused)

	// a pending edit wins over activation
	store.SetFragment(source.RoleHTML, "<p>changed</p>")
	c.Edit()
	did, err = c.Activate()
	require.NoError(t, err)
	assert.False(t, did)
	assert.Equal(t, 1, surf.swaps())

	require.Eventually(t, func() bool { return surf.swaps() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestFlush(t *testing.T) {
	store := source.NewFragmentStore(source.Bundle{CSS: "p{}"})
	c, surf, rebuilds := newController(t, store)

	require.NoError(t, c.Flush())
	assert.Zero(t, surf.swaps())

	c.Edit()
	require.NoError(t, c.Flush())
	assert.Equal(t, 1, surf.swaps())
	assert.Equal(t, StateIdle, c.State())

	time.Sleep(3 * testDebounce)
	assert.Equal(t, 1, surf.swaps())
	require.Len(t, rebuilds(), 1)
	assert.Equal(t, TriggerFlush, rebuilds()[0].Trigger)
}

func TestLiveContentWins(t *testing.T) {
	files := source.FileSet{
		{ID: "1", Name: "index.html", Content: "<p>saved</p>"},
		{ID: "2", Name: "app.js", Content: "console.log('saved');"},
	}
	store := source.NewProjectStore(files, nil)
	c, surf, rebuilds := newController(t, store)

	store.SetLive("2", "console.log('live');")
	c.Edit()
	require.NoError(t, c.Flush())

	html := surf.Document().HTML
	assert.Contains(t, html, "console.log('live');")
	assert.NotContains(t, html, "console.log('saved');")
	assert.Contains(t, html, `data-source-name="app.js"`)
	assert.NotEmpty(t, rebuilds()[0].Instance)
}

func TestCloseStopsPendingRebuild(t *testing.T) {
	store := source.NewFragmentStore(source.Bundle{HTML: "<p>x</p>"})
	c, surf, _ := newController(t, store)

	c.Edit()
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	time.Sleep(3 * testDebounce)
	assert.Zero(t, surf.swaps())
	assert.Equal(t, StateIdle, c.State())

	_, err := c.Activate()
	assert.ErrorIs(t, err, ErrClosed)
	c.Edit()
	assert.Equal(t, StateIdle, c.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "rebuilding", StateRebuilding.String())
}
