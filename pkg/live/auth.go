package live

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Provider is the platform-specific login primitive. One implementation
// exists per host environment and is chosen when the Engine is built.
type Provider interface {
	// Authenticate obtains fresh credentials. When req.Silent is set it must
	// not interact with the user and should fail fast with a
	// *ProviderError (e.g. CodeLoginRequired) if interaction is needed.
	Authenticate(ctx context.Context, req AuthRequest) (*Credentials, error)
	CanSignOut() bool
	SignOut(ctx context.Context) error
}

// AuthRequest lives for the duration of a single auth attempt.
type AuthRequest struct {
	Scopes   []string
	Silent   bool
	ClientID string
}

// Credentials is what a Provider hands back on success.
type Credentials struct {
	AccessToken         string
	AuthenticationToken string
	Expiry              time.Time // zero if the provider did not say
	Scopes              []string  // granted; empty means "as requested"
}

// Status is the connection outcome of an auth attempt.
type Status int

const (
	StatusUnknown Status = iota
	StatusConnected
	StatusNotConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusNotConnected:
		return "not connected"
	default:
		return "unknown"
	}
}

// LoginResult is the outcome of Engine.Authenticate. Declined consent and
// user cancellation are StatusNotConnected with a nil error.
type LoginResult struct {
	Status  Status
	Session *Session

	canceled bool
}

// silentLoginTimeout bounds a shared silent login, which runs detached from
// any single caller's context.
const silentLoginTimeout = 2 * time.Minute

// Engine owns the current Session and the refresh/login state machine.
// Readers get immutable snapshots; refreshes publish a new snapshot
// atomically. Safe for concurrent use.
type Engine struct {
	provider Provider
	clientID string
	logger   *slog.Logger

	// OnSessionChange is called after a new snapshot is published (nil on
	// logout), outside any lock. Set before first use.
	OnSessionChange func(*Session)

	// Observer receives refresh outcomes. Set before first use.
	Observer Observer

	// nowFunc defaults to time.Now; tests override it.
	nowFunc func() time.Time

	current atomic.Pointer[Session]
	flight  singleflight.Group

	// mu orders publishes against Logout. epoch is bumped by Logout; a
	// login that started in an older epoch does not publish.
	mu    sync.Mutex
	epoch uint64
}

// NewEngine creates an Engine with no session ("not connected").
func NewEngine(provider Provider, clientID string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		provider: provider,
		clientID: clientID,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// Session returns the current snapshot, or nil when not connected.
func (e *Engine) Session() *Session {
	return e.current.Load()
}

// Restore publishes a session obtained elsewhere (e.g. loaded from disk)
// without calling the provider.
func (e *Engine) Restore(s *Session) {
	e.mu.Lock()
	e.current.Store(s)
	e.mu.Unlock()

	e.notify(s)
}

// Authenticate returns a valid session for scopes. A cached, unexpired
// session that covers the scopes is returned unchanged without a provider
// call. Otherwise the provider is invoked (silently or interactively) and a
// brand-new snapshot is published.
func (e *Engine) Authenticate(ctx context.Context, scopes []string, silent bool) (LoginResult, error) {
	if s := e.current.Load(); !s.ExpiredAt(e.nowFunc()) && s.Covers(scopes) {
		e.logger.Debug("authenticate: cached session still valid",
			slog.Time("expiry", s.Expiry()),
		)

		return LoginResult{Status: StatusConnected, Session: s}, nil
	}

	if silent {
		res, _, err := e.silentLogin(ctx, "silent:"+strings.Join(normalizeScopes(scopes), " "), scopes)
		return res, err
	}

	return e.login(ctx, scopes, false)
}

// Refresh performs the single silent re-authentication an operation is
// allowed after the server rejects stale. If another caller has already
// replaced stale, the newer snapshot is returned without a provider call.
// Concurrent refreshes for the same scopes share one provider call; a
// caller whose ctx ends stops waiting with a canceled error while the
// others keep theirs.
func (e *Engine) Refresh(ctx context.Context, stale *Session) (*Session, error) {
	if cur := e.current.Load(); cur != nil && cur != stale && !cur.ExpiredAt(e.nowFunc()) {
		e.logger.Debug("refresh: session already replaced by a concurrent refresh")
		return cur, nil
	}

	scopes := stale.Scopes()

	res, shared, err := e.silentLogin(ctx, "refresh:"+strings.Join(normalizeScopes(scopes), " "), scopes)
	if err != nil {
		return nil, err
	}

	if shared {
		e.logger.Debug("refresh: joined in-flight refresh")
	}

	if res.Status != StatusConnected && ctx.Err() != nil {
		return nil, &Error{Kind: KindCanceled, Code: CodeUserCanceled, Err: context.Cause(ctx)}
	}

	if res.Status != StatusConnected {
		return nil, &Error{
			Kind:        KindAuthExpired,
			Description: "silent refresh could not obtain a new token",
			Err:         ErrNotConnected,
		}
	}

	return res.Session, nil
}

// Logout signs out through the provider when supported and clears the
// current session.
func (e *Engine) Logout(ctx context.Context) error {
	e.mu.Lock()
	e.epoch++
	e.mu.Unlock()

	var signOutErr error

	if e.provider.CanSignOut() {
		if err := e.provider.SignOut(ctx); err != nil {
			e.logger.Warn("provider sign-out failed", slog.String("error", err.Error()))
			signOutErr = e.classify(err)
		}
	}

	e.mu.Lock()
	e.current.Store(nil)
	e.mu.Unlock()

	e.notify(nil)
	e.logger.Info("logged out")

	return signOutErr
}

// CanLogout reports whether the provider supports signing out.
func (e *Engine) CanLogout() bool {
	return e.provider.CanSignOut()
}

// silentLogin runs one silent login per key, shared by every concurrent
// caller. The shared attempt is detached from the callers' contexts; each
// caller stops waiting when its own context ends. A caller that is still
// live retries once if the attempt it joined was canceled.
func (e *Engine) silentLogin(ctx context.Context, key string, scopes []string) (LoginResult, bool, error) {
	for retried := false; ; retried = true {
		ch := e.flight.DoChan(key, func() (any, error) {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), silentLoginTimeout)
			defer cancel()

			return e.login(sctx, scopes, true)
		})

		select {
		case <-ctx.Done():
			e.logger.Debug("silent login abandoned by caller", slog.String("key", key))
			return LoginResult{Status: StatusNotConnected, canceled: true}, false, nil
		case r := <-ch:
			res, _ := r.Val.(LoginResult) //nolint:errcheck // zero value on error

			if r.Shared && res.canceled && !retried && ctx.Err() == nil {
				e.logger.Debug("joined silent login was canceled, retrying", slog.String("key", key))
				continue
			}

			return res, r.Shared, r.Err
		}
	}
}

func (e *Engine) login(ctx context.Context, scopes []string, silent bool) (LoginResult, error) {
	e.mu.Lock()
	epoch := e.epoch
	e.mu.Unlock()

	req := AuthRequest{
		Scopes:   append([]string(nil), scopes...),
		Silent:   silent,
		ClientID: e.clientID,
	}

	e.logger.Info("authenticating",
		slog.Bool("silent", silent),
		slog.Int("scopes", len(scopes)),
	)

	creds, err := e.provider.Authenticate(ctx, req)
	if err != nil {
		return e.loginFailed(err, silent)
	}

	granted := creds.Scopes
	if len(granted) == 0 {
		granted = scopes
	}

	s := NewSession(creds.AccessToken, creds.AuthenticationToken, creds.Expiry, granted)
	if s == nil {
		e.observeRefresh(silent, "failed")

		return LoginResult{Status: StatusUnknown}, &Error{
			Kind:        KindAuthServer,
			Description: "provider returned an empty access token",
		}
	}

	if !e.publishIf(epoch, s) {
		e.logger.Info("discarding session: logged out during authentication",
			slog.Bool("silent", silent),
		)
		e.observeRefresh(silent, "not_connected")

		return LoginResult{Status: StatusNotConnected}, nil
	}

	e.observeRefresh(silent, "connected")

	e.logger.Info("session established",
		slog.Bool("silent", silent),
		slog.Time("expiry", s.Expiry()),
	)

	return LoginResult{Status: StatusConnected, Session: s}, nil
}

func (e *Engine) loginFailed(err error, silent bool) (LoginResult, error) {
	le := e.classify(err)

	if le.Kind == KindAuthDenied || le.Kind == KindCanceled {
		e.logger.Info("authentication ended without a session",
			slog.Bool("silent", silent),
			slog.String("code", le.Code),
		)
		e.observeRefresh(silent, "not_connected")

		return LoginResult{Status: StatusNotConnected, canceled: le.Kind == KindCanceled}, nil
	}

	e.logger.Warn("authentication failed",
		slog.Bool("silent", silent),
		slog.String("kind", le.Kind.String()),
		slog.String("code", le.Code),
	)
	e.observeRefresh(silent, "failed")

	return LoginResult{Status: StatusUnknown}, le
}

// classify maps a provider failure onto the taxonomy. A context
// cancellation during login is the user backing out, not an error.
func (e *Engine) classify(err error) *Error {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return &Error{
			Kind:        classifyProviderCode(pe.Code),
			Code:        pe.Code,
			Description: pe.Description,
			Err:         err,
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindCanceled, Code: CodeUserCanceled, Err: err}
	}

	return &Error{Kind: KindAuthServer, Err: err}
}

// publishIf stores s unless Logout ran since epoch was read.
func (e *Engine) publishIf(epoch uint64, s *Session) bool {
	e.mu.Lock()
	if e.epoch != epoch {
		e.mu.Unlock()
		return false
	}

	e.current.Store(s)
	e.mu.Unlock()

	e.notify(s)

	return true
}

func (e *Engine) notify(s *Session) {
	if e.OnSessionChange != nil {
		e.OnSessionChange(s)
	}
}

func (e *Engine) observeRefresh(silent bool, outcome string) {
	if e.Observer != nil {
		e.Observer.AuthAttempted(silent, outcome)
	}
}
