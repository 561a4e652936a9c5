package live

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultBaseURL is the API root paths are resolved against.
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	// UserAgent is the default User-Agent for HTTPTransport.
	UserAgent = "liveconnect-go/0.1"

	// ChunkAlignment is the required alignment for upload chunk sizes
	// (320 KiB). All chunks except the final one are a multiple of it.
	ChunkAlignment = 320 * 1024

	// DefaultChunkSize is 32 × ChunkAlignment (10 MiB).
	DefaultChunkSize = 32 * ChunkAlignment

	// maxErrorBody caps how much of an error response is read.
	maxErrorBody = 64 * 1024

	// maxDescription caps raw bodies copied into Error.Description.
	maxDescription = 512

	tracerName = "github.com/tonimelisma/liveconnect-go/pkg/live"
)

// Method names beyond net/http's constants. The API accepts MOVE and COPY
// as write verbs.
const (
	MethodMove = "MOVE"
	MethodCopy = "COPY"
)

// Client creates operations bound to an Engine's session and a Transport.
// It is safe for concurrent use; each Operation is independent.
type Client struct {
	baseURL   string
	transport Transport
	engine    *Engine
	logger    *slog.Logger
	tracer    trace.Tracer
	chunkSize int64

	// Observer receives operation and transfer events. Set before first use.
	Observer Observer
}

// NewClient creates a Client. baseURL is typically DefaultBaseURL.
func NewClient(baseURL string, transport Transport, engine *Engine, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if transport == nil {
		transport = NewHTTPTransport(nil, UserAgent)
	}

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		transport: transport,
		engine:    engine,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		chunkSize: DefaultChunkSize,
	}
}

// SetChunkSize sets the upload chunk size. It must be a positive multiple
// of ChunkAlignment. Call before creating upload operations.
func (c *Client) SetChunkSize(n int64) error {
	if n <= 0 || n%ChunkAlignment != 0 {
		return fmt.Errorf("%w: chunk size %d is not a positive multiple of %d", ErrInvalidArgument, n, ChunkAlignment)
	}

	c.chunkSize = n

	return nil
}

// Engine returns the Engine whose session the client uses.
func (c *Client) Engine() *Engine {
	return c.engine
}

// resolveURL turns a resource path into an absolute URL. Absolute URLs
// (paging links, upload locations) pass through unchanged.
func (c *Client) resolveURL(path string) string {
	if strings.HasPrefix(path, "https://") || strings.HasPrefix(path, "http://") {
		return path
	}

	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// call describes one authenticated exchange. body is replayable so the
// single retry after a token refresh can resend it.
type call struct {
	method      string
	path        string
	body        []byte
	hasBody     bool
	contentType string
	requestID   string
}

// send executes c with the current session attached. A 401 triggers
// exactly one Engine.Refresh and one resend; a second rejection is
// surfaced. Non-2xx responses become *Error. On success the caller owns
// the response body.
func (c *Client) send(ctx context.Context, cl call) (*Response, error) {
	sess, err := c.validSession(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.sendOnce(ctx, sess, cl)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		rejected := c.errorFromResponse(resp)

		c.logger.Warn("token rejected, attempting one silent refresh",
			slog.String("method", cl.method),
			slog.String("path", cl.path),
			slog.String("code", rejected.Code),
		)

		fresh, refreshErr := c.engine.Refresh(ctx, sess)
		if refreshErr != nil {
			return nil, &Error{
				Kind:        KindAuthExpired,
				Code:        rejected.Code,
				Description: rejected.Description,
				StatusCode:  rejected.StatusCode,
				RequestID:   rejected.RequestID,
				Err:         refreshErr,
			}
		}

		resp, err = c.sendOnce(ctx, fresh, cl)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, c.errorFromResponse(resp)
	}

	c.logger.Debug("request succeeded",
		slog.String("method", cl.method),
		slog.String("path", cl.path),
		slog.Int("status", resp.StatusCode),
	)

	return resp, nil
}

// validSession returns the current session, silently renewing it first if
// its expiry is known to have passed.
func (c *Client) validSession(ctx context.Context) (*Session, error) {
	sess := c.engine.Session()
	if !sess.Connected() {
		return nil, &Error{Kind: KindNotConnected, Description: "no session; login required"}
	}

	if !sess.ExpiredAt(c.engine.nowFunc()) {
		return sess, nil
	}

	c.logger.Debug("session expired before send, renewing silently",
		slog.Time("expiry", sess.Expiry()),
	)

	res, err := c.engine.Authenticate(ctx, sess.Scopes(), true)
	if err != nil {
		return nil, &Error{Kind: KindAuthExpired, Description: "session expired and silent renewal failed", Err: err}
	}

	if res.Status != StatusConnected {
		return nil, &Error{Kind: KindAuthExpired, Description: "session expired", Err: ErrNotConnected}
	}

	return res.Session, nil
}

func (c *Client) sendOnce(ctx context.Context, sess *Session, cl call) (*Response, error) {
	req := &Request{
		Method:        cl.method,
		URL:           c.resolveURL(cl.path),
		Header:        make(http.Header),
		ContentLength: 0,
	}

	req.Header.Set("Authorization", "Bearer "+sess.AccessToken())
	req.Header.Set("Accept", "application/json")

	if cl.requestID != "" {
		req.Header.Set("client-request-id", cl.requestID)
	}

	if cl.hasBody {
		req.Header.Set("Content-Type", cl.contentType)

		if len(cl.body) > 0 {
			req.Body = bytes.NewReader(cl.body)
			req.ContentLength = int64(len(cl.body))
		}
	}

	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		c.logger.Debug("transport failed",
			slog.String("method", cl.method),
			slog.String("path", cl.path),
			slog.String("error", err.Error()),
		)

		return nil, &Error{Kind: KindNetwork, Description: "transport could not complete the exchange", Err: err}
	}

	return resp, nil
}

// wireError covers both error body shapes the API emits:
// {"error":{"code":..,"message":..}} and {"error":"..","error_description":".."}.
type wireError struct {
	Error            json.RawMessage `json:"error"`
	ErrorDescription string          `json:"error_description"` //nolint:tagliatelle // OAuth2 field name
}

type wireErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorFromResponse reads and closes the body of a failed response and
// translates it into an *Error. 401 maps to KindAuthExpired; everything
// else is KindAPI with the server's code and description verbatim.
func (c *Client) errorFromResponse(resp *Response) *Error {
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()

	le := &Error{
		Kind:       KindAPI,
		StatusCode: resp.StatusCode,
		RequestID:  requestIDFrom(resp.Header),
	}

	if resp.StatusCode == http.StatusUnauthorized {
		le.Kind = KindAuthExpired
	}

	if readErr != nil {
		le.Code = CodeServerError
		le.Err = readErr

		return le
	}

	le.Code, le.Description = parseWireError(raw)

	return le
}

func parseWireError(raw []byte) (code, description string) {
	var we wireError
	if err := json.Unmarshal(raw, &we); err == nil && len(we.Error) > 0 {
		var s string
		if json.Unmarshal(we.Error, &s) == nil && s != "" {
			return s, we.ErrorDescription
		}

		var d wireErrorDetail
		if json.Unmarshal(we.Error, &d) == nil && d.Code != "" {
			return d.Code, d.Message
		}
	}

	desc := strings.TrimSpace(string(raw))
	if len(desc) > maxDescription {
		desc = desc[:maxDescription]
	}

	return CodeServerError, desc
}

func requestIDFrom(h http.Header) string {
	if id := h.Get("request-id"); id != "" {
		return id
	}

	return h.Get("x-ms-request-id")
}

// decodeBody parses a success body into a generic structured value.
// Empty bodies yield nil. Always closes the body.
func decodeBody(resp *Response) (map[string]any, error) {
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, StatusCode: resp.StatusCode, Description: "reading response body", Err: err}
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var v map[string]any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, &Error{
			Kind:        KindAPI,
			Code:        CodeInvalidResponse,
			StatusCode:  resp.StatusCode,
			RequestID:   requestIDFrom(resp.Header),
			Description: "response body is not a JSON object",
			Err:         err,
		}
	}

	return v, nil
}

func newRequestID() string {
	return uuid.NewString()
}

// Get reads a resource and waits for the result.
func (c *Client) Get(ctx context.Context, path string) (map[string]any, error) {
	op, err := c.NewOperation(http.MethodGet, path, Options{})
	if err != nil {
		return nil, err
	}

	return runSync(ctx, op)
}

// Delete removes a resource and waits for the result.
func (c *Client) Delete(ctx context.Context, path string) error {
	op, err := c.NewWriteOperation(http.MethodDelete, path, nil, Options{})
	if err != nil {
		return err
	}

	_, err = runSync(ctx, op)

	return err
}

// Post sends body (already serialized JSON) to path and waits.
func (c *Client) Post(ctx context.Context, path string, body []byte) (map[string]any, error) {
	return c.write(ctx, http.MethodPost, path, body)
}

// Put sends body (already serialized JSON) to path and waits.
func (c *Client) Put(ctx context.Context, path string, body []byte) (map[string]any, error) {
	return c.write(ctx, http.MethodPut, path, body)
}

// Move moves the resource at path under destination and waits.
func (c *Client) Move(ctx context.Context, path, destination string) (map[string]any, error) {
	return c.write(ctx, MethodMove, path, destinationBody(destination))
}

// Copy copies the resource at path under destination and waits.
func (c *Client) Copy(ctx context.Context, path, destination string) (map[string]any, error) {
	return c.write(ctx, MethodCopy, path, destinationBody(destination))
}

func (c *Client) write(ctx context.Context, method, path string, body []byte) (map[string]any, error) {
	op, err := c.NewWriteOperation(method, path, body, Options{})
	if err != nil {
		return nil, err
	}

	return runSync(ctx, op)
}

func destinationBody(destination string) []byte {
	b, _ := json.Marshal(map[string]string{"destination": destination}) //nolint:errcheck // map[string]string always marshals

	return b
}

// runSync executes op and blocks until it settles. A canceled outcome is
// returned as an *Error of KindCanceled.
func runSync(ctx context.Context, op *Operation) (map[string]any, error) {
	if err := op.Execute(ctx); err != nil {
		return nil, err
	}

	res := op.Wait()

	switch res.State {
	case StateSucceeded:
		return res.Value, nil
	case StateCanceled:
		return nil, &Error{Kind: KindCanceled, Err: context.Cause(ctx)}
	default:
		return nil, res.Err
	}
}
