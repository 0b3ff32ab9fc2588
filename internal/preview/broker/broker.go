package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/logging"
	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/protocol"
)

// ConsoleFunc consumes console events
type ConsoleFunc func(instance string, ev protocol.ConsoleEvent)

// ErrorFunc consumes error events
type ErrorFunc func(instance string, ev protocol.ErrorEvent)

// MessageFunc consumes extension messages
type MessageFunc func(msg *protocol.Message)

// EntryFunc consumes console and error events as recorded in the history
type EntryFunc func(e Entry)

type subKind int

const (
	subConsole subKind = iota
	subError
	subMessage
	subEntry
)

type subscription struct {
	id      uint64
	kind    subKind
	msgType protocol.Type
	console ConsoleFunc
	fault   ErrorFunc
	message MessageFunc
	entry   EntryFunc
}

// Options configures a Broker
type Options struct {
	HistorySize int
	Logger      *logging.Logger
	Metrics     *monitoring.Metrics
}

// Broker decodes messages from sandbox channels and republishes them to
// host consumers. Events from one channel reach consumers in send order.
type Broker struct {
	log     *logging.Logger
	metrics *monitoring.Metrics
	history *History

	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
}

// New creates a broker
func New(opts Options) *Broker {
	return &Broker{
		log:     logging.OrNop(opts.Logger).Component("broker"),
		metrics: opts.Metrics,
		history: NewHistory(opts.HistorySize),
	}
}

// OnConsole registers a console consumer
func (b *Broker) OnConsole(fn ConsoleFunc) (cancel func()) {
	return b.add(subscription{kind: subConsole, console: fn})
}

// OnError registers an error consumer
func (b *Broker) OnError(fn ErrorFunc) (cancel func()) {
	return b.add(subscription{kind: subError, fault: fn})
}

// OnMessage registers a consumer for extension messages of type t. An
// empty t receives every extension message.
func (b *Broker) OnMessage(t protocol.Type, fn MessageFunc) (cancel func()) {
	return b.add(subscription{kind: subMessage, msgType: t, message: fn})
}

// OnEntry registers a consumer of recorded history entries. Entries carry
// their sequence number, so a consumer that replays History first can skip
// what it has already seen.
func (b *Broker) OnEntry(fn EntryFunc) (cancel func()) {
	return b.add(subscription{kind: subEntry, entry: fn})
}

func (b *Broker) add(s subscription) func() {
	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(s.id) })
	}
}

func (b *Broker) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *Broker) snapshot() []subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]subscription(nil), b.subs...)
}

// Attach subscribes the broker to ch
func (b *Broker) Attach(ch Channel) (detach func()) {
	return ch.Subscribe(b.Handle)
}

// History returns the console and error history
func (b *Broker) History() *History {
	return b.history
}

// Handle validates and dispatches one message. Invalid messages are logged
// and dropped; nothing a sandbox sends can make the host fail.
func (b *Broker) Handle(msg *protocol.Message) {
	if err := protocol.Validate(msg); err != nil {
		var t string
		if msg != nil {
			t = string(msg.Type)
		}
		b.metrics.RecordMessage(t, "invalid")
		b.log.Debug("Dropping invalid message", zap.String("type", t), zap.Error(err))
		return
	}

	switch msg.Type {
	case protocol.TypeConsoleLog:
		ev, err := msg.Console()
		if err != nil {
			return
		}
		entry := b.history.Add(Entry{Instance: msg.Instance, Time: time.Now(), Type: msg.Type, Console: ev})
		for _, s := range b.snapshot() {
			switch s.kind {
			case subConsole:
				s.console(msg.Instance, *ev)
			case subEntry:
				s.entry(entry)
			}
		}

	case protocol.TypeIframeError:
		ev, err := msg.Fault()
		if err != nil {
			return
		}
		entry := b.history.Add(Entry{Instance: msg.Instance, Time: time.Now(), Type: msg.Type, Error: ev})
		for _, s := range b.snapshot() {
			switch s.kind {
			case subError:
				s.fault(msg.Instance, *ev)
			case subEntry:
				s.entry(entry)
			}
		}

	default:
		for _, s := range b.snapshot() {
			if s.kind == subMessage && (s.msgType == "" || s.msgType == msg.Type) {
				s.message(msg)
			}
		}
	}
	b.metrics.RecordMessage(string(msg.Type), "delivered")
}

// HandleRaw decodes a wire message and dispatches it
func (b *Broker) HandleRaw(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		b.metrics.RecordMessage("", "invalid")
		b.log.Debug("Dropping undecodable message", zap.Error(err))
		return
	}
	b.Handle(msg)
}

// SafeSend sends msg on ch and swallows any failure. A torn-down sandbox
// is a normal condition, so failures are logged at debug level only. It
// reports whether the message was delivered.
func SafeSend(ctx context.Context, ch Channel, msg *protocol.Message, log *logging.Logger, metrics *monitoring.Metrics) (ok bool) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("send panicked")
			ok = false
		}
		if err != nil {
			derr := &MessageDeliveryError{Type: msg.Type, Instance: msg.Instance, Err: err}
			metrics.RecordSendFailure(string(msg.Type))
			logging.OrNop(log).Debug("Message delivery failed", zap.Error(derr))
		}
	}()

	if ch == nil {
		err = ErrClosed
		return false
	}
	err = ch.Send(ctx, msg)
	return err == nil
}
