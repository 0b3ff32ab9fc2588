package surface

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/logging"
	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/assemble"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/broker"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/protocol"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/sandbox"
	"github.com/GriffinCanCode/sandbox-preview/internal/shared/id"
)

var (
	// ErrClosed is returned by a surface after Close
	ErrClosed = errors.New("surface closed")
	// ErrSuperseded is returned by Swap when a newer swap retired the
	// instance before its document finished loading
	ErrSuperseded = errors.New("instance superseded")
	// ErrNoInstance is returned when nothing has been rendered yet
	ErrNoInstance = errors.New("surface has no instance")
)

// TargetFactory creates the render target for a new instance. Every message
// the target emits must go out through ch.
type TargetFactory func(instanceID string, ch broker.Channel) sandbox.Target

// Executor answers execute-request messages. Failures are reported in the
// response, never returned.
type Executor interface {
	Respond(ctx context.Context, req *protocol.ExecuteRequest) *protocol.ExecuteResponse
}

// Options configures a Surface
type Options struct {
	Sandbox     sandbox.Config
	HistorySize int
	NewTarget   TargetFactory
	Executor    Executor
	Logger      *logging.Logger
	Metrics     *monitoring.Metrics
}

// Instance is one render target together with its message subscription.
// A surface shows at most one instance at a time.
type Instance struct {
	ID       string
	Document *assemble.Document
	Target   sandbox.Target
	Created  time.Time

	ch          *broker.LocalChannel
	unsubscribe func()
}

// Surface is one place a preview is shown. Each Swap replaces the instance
// and events from replaced instances never reach the surface's consumers.
type Surface struct {
	id      string
	opts    Options
	log     *logging.Logger
	metrics *monitoring.Metrics
	broker  *broker.Broker

	mu      sync.Mutex
	current *Instance
	closed  bool

	execCtx    context.Context
	execCancel context.CancelFunc
	execWG     sync.WaitGroup
}

// New creates an empty surface
func New(surfaceID string, opts Options) *Surface {
	if surfaceID == "" {
		surfaceID = id.NewSurfaceID().String()
	}
	log := logging.OrNop(opts.Logger).Component("surface").ForSurface(surfaceID)
	if opts.NewTarget == nil {
		opts.NewTarget = func(instanceID string, ch broker.Channel) sandbox.Target {
			return sandbox.New(sandbox.Options{
				ID:      instanceID,
				Channel: ch,
				Config:  opts.Sandbox,
				Logger:  opts.Logger,
				Metrics: opts.Metrics,
			})
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Surface{
		id:      surfaceID,
		opts:    opts,
		log:     log,
		metrics: opts.Metrics,
		broker: broker.New(broker.Options{
			HistorySize: opts.HistorySize,
			Logger:      opts.Logger,
			Metrics:     opts.Metrics,
		}),
		execCtx:    ctx,
		execCancel: cancel,
	}
}

// ID returns the surface id
func (s *Surface) ID() string {
	return s.id
}

// Broker returns the broker consumers subscribe to
func (s *Surface) Broker() *broker.Broker {
	return s.broker
}

// Current returns the live instance, or nil
func (s *Surface) Current() *Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Document returns the document of the live instance, or nil
func (s *Surface) Document() *assemble.Document {
	if inst := s.Current(); inst != nil {
		return inst.Document
	}
	return nil
}

// Swap renders doc in a fresh instance and retires the previous one. The
// new instance is subscribed before the old one is unsubscribed and
// detached, so no event is lost and none is misattributed.
func (s *Surface) Swap(ctx context.Context, doc *assemble.Document) (*Instance, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}

	instID := id.NewInstanceID().String()
	ch := broker.NewLocalChannel()
	inst := &Instance{
		ID:       instID,
		Document: doc,
		Target:   s.opts.NewTarget(instID, ch),
		Created:  time.Now(),
		ch:       ch,
	}
	inst.unsubscribe = ch.Subscribe(s.deliver(instID))

	prev := s.current
	s.current = inst
	s.broker.History().Clear()
	s.mu.Unlock()

	s.metrics.AddInstances(1)
	s.retire(prev)

	s.log.Debug("Swapped instance",
		logging.Instance(instID),
		zap.String("hash", doc.Hash),
		zap.Int("line_offset", doc.LineOffset))

	if err := inst.Target.Load(ctx, doc); err != nil {
		if errors.Is(err, sandbox.ErrDetached) {
			return inst, ErrSuperseded
		}
		return inst, err
	}
	return inst, nil
}

// Post forwards a host message to the live instance
func (s *Surface) Post(ctx context.Context, msg *protocol.Message) error {
	inst := s.Current()
	if inst == nil {
		return ErrNoInstance
	}
	return inst.Target.Post(ctx, msg)
}

// Close retires the live instance and stops pending execute requests.
// It is safe to call more than once.
func (s *Surface) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	prev := s.current
	s.current = nil
	s.mu.Unlock()

	s.retire(prev)
	s.execCancel()
	s.execWG.Wait()
	s.log.Debug("Surface closed")
	return nil
}

// retire unsubscribes first, then closes the channel and detaches the
// target. Unsubscribe waits for any in-flight delivery.
func (s *Surface) retire(inst *Instance) {
	if inst == nil {
		return
	}
	inst.unsubscribe()
	if err := inst.ch.Close(); err != nil {
		s.log.Debug("Channel close failed", zap.Error(err))
	}
	if err := inst.Target.Detach(); err != nil {
		s.log.Debug("Detach failed", logging.Instance(inst.ID), zap.Error(err))
	}
	s.metrics.AddInstances(-1)
}

func (s *Surface) isCurrent(instID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.current.ID == instID
}

// deliver is the subscription for one instance's channel. It drops any
// message not stamped with the live instance id.
func (s *Surface) deliver(instID string) broker.Handler {
	return func(msg *protocol.Message) {
		if msg.Instance != instID || !s.isCurrent(instID) {
			s.metrics.IncStaleDropped()
			s.log.Debug("Dropping stale message",
				zap.String("type", string(msg.Type)),
				logging.Instance(msg.Instance))
			return
		}
		s.broker.Handle(msg)
		if msg.Type == protocol.TypeExecuteRequest {
			s.execute(instID, msg)
		}
	}
}

// execute answers an execute-request asynchronously. The response goes to
// the instance that asked, and only while it is still live.
func (s *Surface) execute(instID string, msg *protocol.Message) {
	if s.opts.Executor == nil {
		s.log.Debug("No executor configured; ignoring execute-request")
		return
	}
	var req protocol.ExecuteRequest
	if err := msg.Bind(&req); err != nil {
		s.log.Debug("Bad execute-request", zap.Error(err))
		return
	}

	s.execWG.Add(1)
	go func() {
		defer s.execWG.Done()

		resp := s.opts.Executor.Respond(s.execCtx, &req)
		reply, err := protocol.New(protocol.TypeExecuteResponse, resp)
		if err != nil {
			s.log.Warn("Failed to encode execute-response", zap.Error(err))
			return
		}

		inst := s.Current()
		if inst == nil || inst.ID != instID {
			s.log.Debug("Dropping execute-response for retired instance", zap.String("id", req.ID))
			return
		}
		if err := inst.Target.Post(s.execCtx, reply); err != nil {
			s.log.Debug("Failed to post execute-response", zap.Error(err))
		}
	}()
}
