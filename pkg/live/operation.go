package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is an Operation's lifecycle position.
type State int

const (
	StateCreated State = iota
	StateExecuting
	StateSucceeded
	StateFailed
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateExecuting:
		return "executing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether s is final.
func (s State) Terminal() bool {
	return s >= StateSucceeded
}

// Result is the single outcome of an Operation.
type Result struct {
	State State
	// Value is the parsed response body on success; nil for empty bodies.
	Value map[string]any
	// BytesTransferred is set by transfer operations.
	BytesTransferred int64
	// Err is non-nil exactly when State is StateFailed.
	Err *Error
}

// Options carries the caller-side collaborators of an Operation.
type Options struct {
	// Dispatcher delivers callbacks; nil runs them inline.
	Dispatcher Dispatcher
	// OnComplete receives the outcome exactly once, through Dispatcher.
	OnComplete func(Result)
}

// outcome is what a runner produces; settle turns it into a Result.
type outcome struct {
	value map[string]any
	bytes int64
}

type runner func(ctx context.Context) (outcome, error)

// Operation is a single authenticated exchange. It executes at most once:
// Created → Executing → Succeeded | Failed | Canceled.
type Operation struct {
	client     *Client
	method     string
	path       string
	requestID  string
	dispatcher Dispatcher
	onComplete func(Result)
	run        runner

	mu       sync.Mutex
	state    State
	canceled bool
	cancel   context.CancelFunc
	result   Result
	done     chan struct{}
}

// NewOperation creates a body-less operation (typically GET) for path.
func (c *Client) NewOperation(method, path string, opts Options) (*Operation, error) {
	if err := validateCall(method, path); err != nil {
		return nil, err
	}

	op := c.newOperation(method, path, opts)
	op.run = func(ctx context.Context) (outcome, error) {
		return op.exchangeJSON(ctx, call{method: method, path: path, requestID: op.requestID})
	}

	return op, nil
}

// NewWriteOperation creates an operation carrying body, already serialized
// as JSON. A nil or empty body is legal.
func (c *Client) NewWriteOperation(method, path string, body []byte, opts Options) (*Operation, error) {
	if err := validateCall(method, path); err != nil {
		return nil, err
	}

	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, MethodMove, MethodCopy:
	default:
		return nil, fmt.Errorf("%w: %s is not a write method", ErrInvalidArgument, method)
	}

	op := c.newOperation(method, path, opts)
	cl := call{
		method:      method,
		path:        path,
		body:        append([]byte(nil), body...),
		hasBody:     true,
		contentType: "application/json",
		requestID:   op.requestID,
	}
	op.run = func(ctx context.Context) (outcome, error) {
		return op.exchangeJSON(ctx, cl)
	}

	return op, nil
}

func validateCall(method, path string) error {
	if method == "" {
		return fmt.Errorf("%w: empty method", ErrInvalidArgument)
	}

	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: empty resource path", ErrInvalidArgument)
	}

	return nil
}

func (c *Client) newOperation(method, path string, opts Options) *Operation {
	return &Operation{
		client:     c,
		method:     method,
		path:       path,
		requestID:  newRequestID(),
		dispatcher: dispatcherOrInline(opts.Dispatcher),
		onComplete: opts.OnComplete,
		done:       make(chan struct{}),
	}
}

// Execute starts the operation asynchronously. It returns ErrInvalidState
// unless the operation is still Created. ctx bounds the whole operation;
// its cancellation settles the operation as Canceled.
func (op *Operation) Execute(ctx context.Context) error {
	op.mu.Lock()
	if op.state != StateCreated {
		op.mu.Unlock()
		return fmt.Errorf("%w: execute called in state %s", ErrInvalidState, op.state)
	}

	runCtx, cancel := context.WithCancel(ctx)
	op.state = StateExecuting
	op.cancel = cancel

	if op.canceled {
		cancel()
	}
	op.mu.Unlock()

	go op.execute(runCtx, cancel)

	return nil
}

// Cancel requests cancellation. It is safe from any goroutine. The
// operation settles as Canceled unless it already reached a terminal
// state, in which case ErrInvalidState is returned.
func (op *Operation) Cancel() error {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.state.Terminal() {
		return fmt.Errorf("%w: cancel called in state %s", ErrInvalidState, op.state)
	}

	op.canceled = true

	if op.cancel != nil {
		op.cancel()
	}

	return nil
}

// State returns the current lifecycle state.
func (op *Operation) State() State {
	op.mu.Lock()
	defer op.mu.Unlock()

	return op.state
}

// Done is closed once the operation reaches a terminal state.
func (op *Operation) Done() <-chan struct{} {
	return op.done
}

// Wait blocks until the operation settles and returns its Result. The
// completion callback may still be queued on the dispatcher.
func (op *Operation) Wait() Result {
	<-op.done

	op.mu.Lock()
	defer op.mu.Unlock()

	return op.result
}

func (op *Operation) execute(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	c := op.client
	start := time.Now()

	ctx, span := c.tracer.Start(ctx, "live."+op.method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", op.method),
			attribute.String("live.path", op.path),
			attribute.String("live.request_id", op.requestID),
		),
	)

	var (
		out outcome
		err error
	)

	// First suspension point: nothing is sent once cancellation is requested.
	if ctx.Err() == nil {
		out, err = op.run(ctx)
	}

	res := op.settle(ctx, out, err)
	elapsed := time.Since(start)

	op.record(span, res, elapsed)
	span.End()

	if cb := op.onComplete; cb != nil {
		op.dispatcher.Post(func() { cb(res) })
	}
}

// settle writes the terminal state. Cancellation wins over any outcome
// that raced with it.
func (op *Operation) settle(ctx context.Context, out outcome, err error) Result {
	op.mu.Lock()
	defer op.mu.Unlock()

	var res Result

	switch {
	case op.canceled || ctx.Err() != nil:
		res = Result{State: StateCanceled, BytesTransferred: out.bytes}
	case err != nil:
		res = Result{State: StateFailed, BytesTransferred: out.bytes, Err: asError(err)}
	default:
		res = Result{State: StateSucceeded, Value: out.value, BytesTransferred: out.bytes}
	}

	op.state = res.State
	op.result = res
	close(op.done)

	return res
}

func (op *Operation) record(span trace.Span, res Result, elapsed time.Duration) {
	c := op.client
	kind := KindUnknown

	span.SetAttributes(attribute.String("live.state", res.State.String()))

	switch res.State {
	case StateFailed:
		kind = res.Err.Kind
		span.SetAttributes(attribute.String("live.error.kind", kind.String()))
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, kind.String())

		c.logger.Error("operation failed",
			slog.String("method", op.method),
			slog.String("path", op.path),
			slog.String("kind", kind.String()),
			slog.String("error", res.Err.Error()),
			slog.Duration("elapsed", elapsed),
		)
	case StateCanceled:
		c.logger.Info("operation canceled",
			slog.String("method", op.method),
			slog.String("path", op.path),
			slog.Int64("bytes", res.BytesTransferred),
		)
	default:
		c.logger.Debug("operation succeeded",
			slog.String("method", op.method),
			slog.String("path", op.path),
			slog.Duration("elapsed", elapsed),
		)
	}

	if c.Observer != nil {
		c.Observer.OperationFinished(op.method, res.State, kind, elapsed)
	}
}

func (op *Operation) exchangeJSON(ctx context.Context, cl call) (outcome, error) {
	resp, err := op.client.send(ctx, cl)
	if err != nil {
		return outcome{}, err
	}

	v, err := decodeBody(resp)
	if err != nil {
		return outcome{}, err
	}

	return outcome{value: v}, nil
}

// asError wraps anything that is not already an *Error.
func asError(err error) *Error {
	var le *Error
	if errors.As(err, &le) {
		return le
	}

	return &Error{Kind: KindUnknown, Err: err}
}
