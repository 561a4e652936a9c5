package live

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeProvider hands out "token-1", "token-2", ... unless err is set.
type fakeProvider struct {
	mu       sync.Mutex
	calls    int
	requests []AuthRequest
	err      error
	expiry   time.Time
	block    chan struct{} // if non-nil, Authenticate waits on it
	entered  chan struct{} // if non-nil, signaled when Authenticate starts
	signOuts int
}

func (p *fakeProvider) Authenticate(ctx context.Context, req AuthRequest) (*Credentials, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.requests = append(p.requests, req)
	err := p.err
	expiry := p.expiry
	block := p.block
	entered := p.entered
	p.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		return nil, err
	}

	return &Credentials{
		AccessToken: fmt.Sprintf("token-%d", n),
		Expiry:      expiry,
		Scopes:      req.Scopes,
	}, nil
}

func (p *fakeProvider) CanSignOut() bool { return true }

func (p *fakeProvider) SignOut(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.signOuts++

	return nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.calls
}

// newTestEngine returns an Engine holding a session "old-token" that
// expires in an hour.
func newTestEngine(t *testing.T, p *fakeProvider) *Engine {
	t.Helper()

	e := NewEngine(p, "test-client", slog.Default())
	e.Restore(NewSession("old-token", "", time.Now().Add(time.Hour), []string{"files.readwrite"}))

	return e
}

// newTestClient wires a Client to an httptest server running handler.
func newTestClient(t *testing.T, handler http.Handler) (*Client, *fakeProvider, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p := &fakeProvider{expiry: time.Now().Add(time.Hour)}
	e := newTestEngine(t, p)
	c := NewClient(srv.URL, NewHTTPTransport(srv.Client(), "test-agent"), e, slog.Default())

	return c, p, srv
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// waitResult waits for op with a timeout so a broken state machine fails
// the test instead of hanging it.
func waitResult(t *testing.T, op *Operation) Result {
	t.Helper()

	select {
	case <-op.Done():
	case <-time.After(5 * time.Second):
		require.FailNow(t, "operation did not settle")
	}

	return op.Wait()
}
