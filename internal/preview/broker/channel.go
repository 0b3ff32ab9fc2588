package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/GriffinCanCode/sandbox-preview/internal/preview/protocol"
)

// ErrClosed is returned when sending on a closed channel
var ErrClosed = errors.New("channel closed")

// Handler receives messages from a channel
type Handler func(*protocol.Message)

// Channel carries messages out of one sandbox instance. Implementations
// deliver messages to each subscriber in the order they were sent.
type Channel interface {
	Send(ctx context.Context, msg *protocol.Message) error
	// Subscribe registers h; the returned func removes it. Once that func
	// returns, h is never called again.
	Subscribe(h Handler) (unsubscribe func())
	Close() error
}

// LocalChannel is an in-process Channel. Delivery is synchronous, so a
// send returns only after every subscriber has seen the message. Handlers
// must not call back into the same channel.
type LocalChannel struct {
	mu     sync.Mutex
	subs   map[uint64]Handler
	order  []uint64
	nextID uint64
	closed bool
}

// NewLocalChannel creates an open in-process channel
func NewLocalChannel() *LocalChannel {
	return &LocalChannel{subs: make(map[uint64]Handler)}
}

// Send delivers msg to all current subscribers
func (c *LocalChannel) Send(ctx context.Context, msg *protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	for _, id := range c.order {
		c.subs[id](msg)
	}
	return nil
}

// Subscribe registers a handler
func (c *LocalChannel) Subscribe(h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return func() {}
	}
	c.nextID++
	id := c.nextID
	c.subs[id] = h
	c.order = append(c.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { c.remove(id) })
	}
}

func (c *LocalChannel) remove(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.subs, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Subscribers returns the number of registered handlers
func (c *LocalChannel) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Close drops all subscribers; later sends fail with ErrClosed
func (c *LocalChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.subs = make(map[uint64]Handler)
	c.order = nil
	return nil
}

// MessageDeliveryError wraps a failed cross-context send
type MessageDeliveryError struct {
	Type     protocol.Type
	Instance string
	Err      error
}

func (e *MessageDeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %s: %v", e.Type, e.Instance, e.Err)
}

func (e *MessageDeliveryError) Unwrap() error {
	return e.Err
}
