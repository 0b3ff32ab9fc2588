package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/logging"
	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/assemble"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/broker"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/protocol"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/sandbox"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/source"
	"github.com/GriffinCanCode/sandbox-preview/internal/shared/id"
)

const (
	DefaultAttachTimeout = 3 * time.Second
	DefaultSettle        = 300 * time.Millisecond
)

// Reasons reported by CaptureError
const (
	ReasonEmpty    = "no renderable content"
	ReasonNoBody   = "render target never attached a document body"
	ReasonCanceled = "capture canceled"
)

// CaptureError is a typed capture failure with a human-readable reason
type CaptureError struct {
	Reason string
	Err    error
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capture failed: %s: %v", e.Reason, e.Err)
	}
	return "capture failed: " + e.Reason
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// Snapshot is the static result of one capture. Data holds the sanitized
// rendered markup, gzip-compressed; MIME describes the uncompressed markup.
type Snapshot struct {
	ID      string                  `json:"id"`
	MIME    string                  `json:"mime"`
	Data    []byte                  `json:"data"`
	Size    int                     `json:"size"`
	Title   string                  `json:"title"`
	Text    string                  `json:"text"`
	Console []protocol.ConsoleEvent `json:"console"`
	Errors  []protocol.ErrorEvent   `json:"errors"`
}

// TargetFactory creates the throwaway render target of a capture
type TargetFactory func(instanceID string, ch broker.Channel) sandbox.Target

// Options configures a Host
type Options struct {
	AttachTimeout time.Duration
	Settle        time.Duration
	Sandbox       sandbox.Config
	Assembler     *assemble.Assembler
	NewTarget     TargetFactory
	Logger        *logging.Logger
	Metrics       *monitoring.Metrics
}

// Host renders bundles off-screen into fresh, isolated targets. Every
// target is torn down before Capture returns.
type Host struct {
	opts    Options
	log     *logging.Logger
	metrics *monitoring.Metrics
	policy  *bluemonday.Policy
	active  atomic.Int64
}

// New creates a capture host
func New(opts Options) *Host {
	if opts.AttachTimeout <= 0 {
		opts.AttachTimeout = DefaultAttachTimeout
	}
	if opts.Settle < 0 {
		opts.Settle = 0
	}
	if opts.Assembler == nil {
		opts.Assembler = assemble.New(assemble.Options{})
	}
	h := &Host{
		opts:    opts,
		log:     logging.OrNop(opts.Logger).Component("capture"),
		metrics: opts.Metrics,
		policy:  bluemonday.UGCPolicy(),
	}
	if h.opts.NewTarget == nil {
		h.opts.NewTarget = func(instanceID string, ch broker.Channel) sandbox.Target {
			return sandbox.New(sandbox.Options{
				ID:      instanceID,
				Channel: ch,
				Config:  opts.Sandbox,
				Logger:  opts.Logger,
				Metrics: opts.Metrics,
			})
		}
	}
	return h
}

// Active returns the number of live capture targets
func (h *Host) Active() int {
	return int(h.active.Load())
}

// Capture renders bundle into a fresh target, waits for its body to attach,
// lets it settle and snapshots it
func (h *Host) Capture(ctx context.Context, bundle source.Bundle) (snap *Snapshot, err error) {
	timer := monitoring.NewTimer()
	defer func() {
		h.metrics.RecordCapture(captureOutcome(err), timer.Elapsed())
	}()

	if bundle.IsEmpty() {
		return nil, &CaptureError{Reason: ReasonEmpty}
	}

	captureID := id.NewCaptureID().String()
	doc := h.opts.Assembler.Assemble(bundle)
	ch := broker.NewLocalChannel()
	rec := &recorder{}
	unsubscribe := ch.Subscribe(rec.handle)
	target := h.opts.NewTarget(captureID, ch)
	h.metrics.SetCaptureTargets(int(h.active.Add(1)))

	defer func() {
		unsubscribe()
		ch.Close()
		if derr := target.Detach(); derr != nil {
			h.log.Debug("Detach failed", zap.String("capture", captureID), zap.Error(derr))
		}
		h.metrics.SetCaptureTargets(int(h.active.Add(-1)))
	}()

	loaded := make(chan error, 1)
	go func() { loaded <- target.Load(ctx, doc) }()

	attach := time.NewTimer(h.opts.AttachTimeout)
	defer attach.Stop()
	select {
	case <-target.Ready():
	case <-attach.C:
		return nil, &CaptureError{Reason: ReasonNoBody}
	case <-ctx.Done():
		return nil, &CaptureError{Reason: ReasonCanceled, Err: ctx.Err()}
	}

	// the document's own scripts finish before the settle delay starts
	select {
	case err := <-loaded:
		if err != nil && !errors.Is(err, sandbox.ErrDetached) {
			h.log.Debug("Capture load returned error", zap.String("capture", captureID), zap.Error(err))
		}
	case <-ctx.Done():
		return nil, &CaptureError{Reason: ReasonCanceled, Err: ctx.Err()}
	}

	if h.opts.Settle > 0 {
		settle := time.NewTimer(h.opts.Settle)
		select {
		case <-settle.C:
		case <-ctx.Done():
			settle.Stop()
			return nil, &CaptureError{Reason: ReasonCanceled, Err: ctx.Err()}
		}
	}

	rendered, err := target.Snapshot()
	if err != nil {
		return nil, &CaptureError{Reason: "snapshot failed", Err: err}
	}

	snap, err = h.encode(captureID, rendered)
	if err != nil {
		return nil, &CaptureError{Reason: "encoding failed", Err: err}
	}
	snap.Console, snap.Errors = rec.events()

	h.log.Debug("Captured preview",
		zap.String("capture", captureID),
		zap.String("mime", snap.MIME),
		zap.Int("size", snap.Size),
		zap.Int("compressed", len(snap.Data)))
	return snap, nil
}

// encode sanitizes the rendered markup and compresses it
func (h *Host) encode(captureID string, rendered *sandbox.Snapshot) (*Snapshot, error) {
	clean := h.policy.SanitizeBytes([]byte(rendered.HTML))

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(clean); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	return &Snapshot{
		ID:    captureID,
		MIME:  mimetype.Detect(clean).String(),
		Data:  buf.Bytes(),
		Size:  len(clean),
		Title: rendered.Title,
		Text:  rendered.Text,
	}, nil
}

func captureOutcome(err error) string {
	var ce *CaptureError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ce) && ce.Reason == ReasonEmpty:
		return "empty"
	case errors.As(err, &ce) && ce.Reason == ReasonNoBody:
		return "no_body"
	case errors.As(err, &ce) && ce.Reason == ReasonCanceled:
		return "canceled"
	default:
		return "error"
	}
}

// Decompress returns the markup held in a snapshot
func Decompress(snap *Snapshot) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(snap.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer zr.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(zr); err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// recorder keeps the console and error events of one capture
type recorder struct {
	mu      sync.Mutex
	console []protocol.ConsoleEvent
	errors  []protocol.ErrorEvent
}

func (r *recorder) handle(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeConsoleLog:
		ev, err := msg.Console()
		if err != nil {
			return
		}
		r.mu.Lock()
		r.console = append(r.console, *ev)
		r.mu.Unlock()
	case protocol.TypeIframeError:
		ev, err := msg.Fault()
		if err != nil {
			return
		}
		r.mu.Lock()
		r.errors = append(r.errors, *ev)
		r.mu.Unlock()
	}
}

func (r *recorder) events() ([]protocol.ConsoleEvent, []protocol.ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.ConsoleEvent{}, r.console...), append([]protocol.ErrorEvent{}, r.errors...)
}
