package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/logging"
	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/tracing"
)

// ExecutePath is the backend route that runs code
const ExecutePath = "/api/execute-endpoint"

var (
	ErrNotConfigured = errors.New("code execution backend not configured")
	ErrNoCode        = errors.New("no code provided")
)

// BackendError is a backend response that says the backend itself failed
type BackendError struct {
	Status  int
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("execution backend returned %d: %s", e.Status, e.Message)
}

// Request is one execution
type Request struct {
	Code     string
	Language string
	Endpoint string
	Args     map[string]any
	Stdin    string
}

// Result is the outcome of running user code. A program that fails is
// still a Result; Error carries its message.
type Result struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	DurationMs int64
	Error      string
	ErrorType  string
}

// Options configures a Client
type Options struct {
	BaseURL      string
	Timeout      time.Duration
	RPS          float64
	Retries      int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
	Breaker      resilience.Options
	Tracer       *tracing.Tracer
	Logger       *logging.Logger
	Metrics      *monitoring.Metrics
}

// Client calls the code execution backend with rate limiting, retries and
// a circuit breaker
type Client struct {
	resty   *resty.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
	tracer  *tracing.Tracer
	log     *logging.Logger
	metrics *monitoring.Metrics
	enabled bool
}

// wire formats of the backend
type executeBody struct {
	PythonCode string         `json:"pythonCode"`
	Language   string         `json:"language,omitempty"`
	Endpoint   string         `json:"endpoint,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Stdin      string         `json:"stdin,omitempty"`
}

type executeReply struct {
	Success   bool   `json:"success"`
	Result    any    `json:"result"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  *int   `json:"exitCode"`
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
}

// NewClient creates a client. An empty BaseURL yields a client whose calls
// all fail with ErrNotConfigured.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 500 * time.Millisecond
	}
	if opts.RetryMaxWait <= 0 {
		opts.RetryMaxWait = 5 * time.Second
	}
	log := logging.OrNop(opts.Logger).Component("executor")

	// pooled transport from the retryable client; resty owns the retries
	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil

	r := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTransport(retryClient.HTTPClient.Transport).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.Retries).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(opts.RetryMaxWait).
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal).
		SetHeader("User-Agent", "sandbox-preview/1.0").
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if resp == nil {
				return false
			}
			switch resp.StatusCode() {
			case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
				return true
			}
			return false
		})

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), max(1, int(opts.RPS)))
	}

	breakerOpts := opts.Breaker
	if breakerOpts.Trip == nil {
		breakerOpts.Trip = func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= 5 ||
				(c.Requests >= 20 && float64(c.Failures)/float64(c.Requests) > 0.5)
		}
	}
	if breakerOpts.Failure == nil {
		breakerOpts.Failure = func(err error) bool {
			var be *BackendError
			if errors.As(err, &be) && be.Status < http.StatusInternalServerError {
				return false
			}
			return resilience.IsFailure(err)
		}
	}
	if breakerOpts.OnStateChange == nil {
		breakerOpts.OnStateChange = func(name string, from, to resilience.State) {
			log.Warn("Circuit breaker changed state",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		}
	}

	return &Client{
		resty:   r,
		limiter: limiter,
		breaker: resilience.New("executor", breakerOpts),
		tracer:  opts.Tracer,
		log:     log,
		metrics: opts.Metrics,
		enabled: opts.BaseURL != "",
	}
}

// BreakerState reports the circuit breaker state
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}

// Execute runs req on the backend. Failures of the user program come back
// as a Result with Error set; a non-nil error means the backend could not
// be asked or did not answer.
func (c *Client) Execute(ctx context.Context, req Request) (*Result, error) {
	if !c.enabled {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, ErrNoCode
	}

	span, ctx := c.tracer.StartSpan(ctx, "executor.execute")
	if req.Endpoint != "" {
		span.SetTag("endpoint", req.Endpoint)
	}

	timer := monitoring.NewTimer()
	result, err := resilience.Call(ctx, c.breaker, func(ctx context.Context) (*Result, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
		return c.post(ctx, req)
	})
	elapsed := timer.Elapsed()

	status := "ok"
	switch {
	case errors.Is(err, resilience.ErrOpen), errors.Is(err, resilience.ErrTooManyRequests):
		status = "rejected"
	case err != nil:
		status = "error"
	case result.Error != "":
		status = "program_error"
	}
	c.metrics.RecordExecutorCall(status, elapsed)
	span.SetTag("status", status)
	if err != nil {
		span.SetError(err)
	}
	span.Finish()
	c.tracer.Submit(span)

	if err != nil {
		c.log.Debug("Execution failed", zap.String("endpoint", req.Endpoint), zap.Error(err))
		return nil, err
	}
	result.DurationMs = elapsed.Milliseconds()
	return result, nil
}

func (c *Client) post(ctx context.Context, req Request) (*Result, error) {
	var ok, failed executeReply
	r := c.resty.R().SetContext(ctx)
	tracing.Inject(ctx, r.Header)
	resp, err := r.
		SetBody(executeBody{
			PythonCode: req.Code,
			Language:   req.Language,
			Endpoint:   req.Endpoint,
			Args:       req.Args,
			Stdin:      req.Stdin,
		}).
		SetResult(&ok).
		SetError(&failed).
		Post(ExecutePath)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	if resp.IsSuccess() {
		return ok.result(), nil
	}
	// the backend reports faults in the user's program with an error body
	if failed.ErrorType == "execution_error" || resp.StatusCode() < http.StatusInternalServerError && failed.Error != "" {
		r := failed.result()
		if r.Error == "" {
			r.Error = resp.Status()
		}
		return r, nil
	}

	msg := failed.Error
	if msg == "" {
		msg = strings.TrimSpace(string(resp.Body()))
	}
	return nil, &BackendError{Status: resp.StatusCode(), Message: msg}
}

func (r *executeReply) result() *Result {
	out := &Result{
		Stdout:    r.Stdout,
		Stderr:    r.Stderr,
		Error:     r.Error,
		ErrorType: r.ErrorType,
	}
	if out.Stdout == "" && r.Result != nil {
		out.Stdout = formatValue(r.Result)
	}
	switch {
	case r.ExitCode != nil:
		out.ExitCode = *r.ExitCode
	case !r.Success || r.Error != "":
		out.ExitCode = 1
	}
	return out
}

// formatValue renders an endpoint return value the way it would print
func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
