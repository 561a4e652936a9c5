package live

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperation_Success(t *testing.T) {
	var gotAuth, gotRequestID string

	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotRequestID = r.Header.Get("client-request-id")
		assert.Equal(t, "/me", r.URL.Path)
		writeJSON(w, http.StatusOK, `{"id":"me","name":"Test User"}`)
	}))

	var completions atomic.Int32

	op, err := c.NewOperation(http.MethodGet, "/me", Options{
		OnComplete: func(Result) { completions.Add(1) },
	})
	require.NoError(t, err)
	assert.Equal(t, StateCreated, op.State())

	require.NoError(t, op.Execute(context.Background()))
	res := waitResult(t, op)

	assert.Equal(t, StateSucceeded, res.State)
	assert.Nil(t, res.Err)
	assert.Equal(t, "me", res.Value["id"])
	assert.Equal(t, "Bearer old-token", gotAuth)
	assert.NotEmpty(t, gotRequestID)

	assert.Eventually(t, func() bool { return completions.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestOperation_ExecuteTwiceRejected(t *testing.T) {
	var hits atomic.Int32

	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusOK, `{}`)
	}))

	op, err := c.NewOperation(http.MethodGet, "/me", Options{})
	require.NoError(t, err)

	require.NoError(t, op.Execute(context.Background()))
	err = op.Execute(context.Background())
	require.ErrorIs(t, err, ErrInvalidState)

	waitResult(t, op)

	err = op.Execute(context.Background())
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, int32(1), hits.Load())
}

func TestOperation_CancelBeforeResponseWinsOverSuccess(t *testing.T) {
	arrived := make(chan struct{})
	release := make(chan struct{})

	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)

		select {
		case <-release:
		case <-r.Context().Done():
		}

		writeJSON(w, http.StatusOK, `{"id":"late"}`)
	}))
	defer close(release)

	var got []Result
	var mu sync.Mutex

	op, err := c.NewOperation(http.MethodGet, "/me", Options{
		OnComplete: func(r Result) {
			mu.Lock()
			got = append(got, r)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.NoError(t, op.Execute(context.Background()))

	<-arrived
	require.NoError(t, op.Cancel())

	res := waitResult(t, op)
	assert.Equal(t, StateCanceled, res.State)
	assert.Nil(t, res.Err)
	assert.Nil(t, res.Value)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(got) == 1 && got[0].State == StateCanceled
	}, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, op.Cancel(), ErrInvalidState)
}

func TestOperation_CancelBeforeExecuteSendsNothing(t *testing.T) {
	var hits atomic.Int32

	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusOK, `{}`)
	}))

	op, err := c.NewOperation(http.MethodGet, "/me", Options{})
	require.NoError(t, err)
	require.NoError(t, op.Cancel())
	require.NoError(t, op.Execute(context.Background()))

	res := waitResult(t, op)
	assert.Equal(t, StateCanceled, res.State)
	assert.Zero(t, hits.Load())
}

func TestOperation_ContextCancellationSettlesCanceled(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	op, err := c.NewOperation(http.MethodGet, "/slow", Options{})
	require.NoError(t, err)
	require.NoError(t, op.Execute(ctx))

	res := waitResult(t, op)
	assert.Equal(t, StateCanceled, res.State)
}

func TestOperation_UnauthorizedRefreshesAndRetriesOnce(t *testing.T) {
	var (
		mu    sync.Mutex
		auths []string
	)

	c, p, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auths = append(auths, r.Header.Get("Authorization"))
		n := len(auths)
		mu.Unlock()

		if n == 1 {
			writeJSON(w, http.StatusUnauthorized, `{"error":{"code":"invalid_token","message":"expired"}}`)
			return
		}

		writeJSON(w, http.StatusOK, `{"id":"me"}`)
	}))

	op, err := c.NewOperation(http.MethodGet, "/me", Options{})
	require.NoError(t, err)
	require.NoError(t, op.Execute(context.Background()))

	res := waitResult(t, op)
	require.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, map[string]any{"id": "me"}, res.Value)

	assert.Equal(t, 1, p.callCount())
	assert.True(t, p.requests[0].Silent)
	assert.Equal(t, []string{"Bearer old-token", "Bearer token-1"}, auths)
	assert.Equal(t, "token-1", c.Engine().Session().AccessToken())
}

func TestOperation_CancelDuringSharedRefreshSparesOtherOperations(t *testing.T) {
	var rejected atomic.Int32

	c, p, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer old-token" {
			rejected.Add(1)
			writeJSON(w, http.StatusUnauthorized, `{"error":{"code":"invalid_token","message":"expired"}}`)

			return
		}

		writeJSON(w, http.StatusOK, `{"id":"me"}`)
	}))
	p.block = make(chan struct{})
	p.entered = make(chan struct{}, 8)

	opA, err := c.NewOperation(http.MethodGet, "/me", Options{})
	require.NoError(t, err)
	opB, err := c.NewOperation(http.MethodGet, "/me", Options{})
	require.NoError(t, err)

	require.NoError(t, opA.Execute(context.Background()))
	require.NoError(t, opB.Execute(context.Background()))

	select {
	case <-p.entered:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "refresh never reached the provider")
	}

	require.Eventually(t, func() bool { return rejected.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
	// Give the second operation time to join the in-flight refresh.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, opA.Cancel())
	assert.Equal(t, StateCanceled, waitResult(t, opA).State)

	close(p.block)

	resB := waitResult(t, opB)
	require.Equal(t, StateSucceeded, resB.State, "err: %v", resB.Err)
	assert.Equal(t, map[string]any{"id": "me"}, resB.Value)
	assert.Equal(t, 1, p.callCount())
	assert.Equal(t, "token-1", c.Engine().Session().AccessToken())
}

func TestOperation_UnauthorizedRefreshFails(t *testing.T) {
	var hits atomic.Int32

	c, p, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusUnauthorized, `{"error":{"code":"invalid_token","message":"revoked"}}`)
	}))
	p.err = &ProviderError{Code: CodeLoginRequired}

	op, err := c.NewOperation(http.MethodGet, "/me", Options{})
	require.NoError(t, err)
	require.NoError(t, op.Execute(context.Background()))

	res := waitResult(t, op)
	require.Equal(t, StateFailed, res.State)
	assert.Equal(t, KindAuthExpired, res.Err.Kind)
	assert.Equal(t, "invalid_token", res.Err.Code)
	require.ErrorIs(t, res.Err, ErrAuthExpired)
	require.ErrorIs(t, res.Err, ErrUnauthorized)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1, p.callCount())
}

func TestOperation_UnauthorizedTwiceDoesNotCascade(t *testing.T) {
	var hits atomic.Int32

	c, p, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusUnauthorized, `{"error":{"code":"invalid_token","message":"nope"}}`)
	}))

	op, err := c.NewOperation(http.MethodGet, "/me", Options{})
	require.NoError(t, err)
	require.NoError(t, op.Execute(context.Background()))

	res := waitResult(t, op)
	require.Equal(t, StateFailed, res.State)
	assert.Equal(t, KindAuthExpired, res.Err.Kind)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 1, p.callCount())
}

func TestOperation_APIErrorCarriesServerCode(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("request-id", "req-123")
		writeJSON(w, http.StatusNotFound, `{"error":{"code":"itemNotFound","message":"The resource could not be found."}}`)
	}))

	_, err := c.Get(context.Background(), "/me/drive/items/missing")
	require.Error(t, err)

	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, KindAPI, le.Kind)
	assert.Equal(t, "itemNotFound", le.Code)
	assert.Equal(t, "The resource could not be found.", le.Description)
	assert.Equal(t, "req-123", le.RequestID)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, err, ErrAPI)
}

func TestOperation_ErrorBodyShapes(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
		wantDesc string
	}{
		{"nested", http.StatusBadRequest, `{"error":{"code":"invalidRequest","message":"bad"}}`, "invalidRequest", "bad"},
		{"oauth style", http.StatusBadRequest, `{"error":"request_url_invalid","error_description":"bad url"}`, "request_url_invalid", "bad url"},
		{"plain text", http.StatusInternalServerError, "boom", CodeServerError, "boom"},
		{"empty", http.StatusServiceUnavailable, "", CodeServerError, ""},
		{"object without code", http.StatusBadRequest, `{"error":{"message":"x"}}`, CodeServerError, `{"error":{"message":"x"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))

			_, err := c.Get(context.Background(), "/x")

			var le *Error
			require.ErrorAs(t, err, &le)
			assert.Equal(t, KindAPI, le.Kind)
			assert.Equal(t, tt.status, le.StatusCode)
			assert.Equal(t, tt.wantCode, le.Code)
			assert.Equal(t, tt.wantDesc, le.Description)
		})
	}
}

func TestOperation_InvalidSuccessBody(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `not json`)
	}))

	_, err := c.Get(context.Background(), "/me")

	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, KindAPI, le.Kind)
	assert.Equal(t, CodeInvalidResponse, le.Code)
}

func TestOperation_TransportFailureIsNetwork(t *testing.T) {
	c, _, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{}`)
	}))
	srv.Close()

	op, err := c.NewOperation(http.MethodGet, "/me", Options{})
	require.NoError(t, err)
	require.NoError(t, op.Execute(context.Background()))

	res := waitResult(t, op)
	require.Equal(t, StateFailed, res.State)
	assert.Equal(t, KindNetwork, res.Err.Kind)
	require.ErrorIs(t, res.Err, ErrNetwork)
}

func TestOperation_NotConnectedSendsNothing(t *testing.T) {
	var hits atomic.Int32

	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	c.Engine().Restore(nil)

	_, err := c.Get(context.Background(), "/me")
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, KindNotConnected, KindOf(err))
	assert.Zero(t, hits.Load())
}

func TestOperation_ExpiredSessionRenewedBeforeSend(t *testing.T) {
	var gotAuth string

	c, p, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		writeJSON(w, http.StatusOK, `{}`)
	}))
	c.Engine().Restore(NewSession("stale", "", time.Now().Add(-time.Minute), []string{"files.readwrite"}))

	_, err := c.Get(context.Background(), "/me")
	require.NoError(t, err)
	assert.Equal(t, "Bearer token-1", gotAuth)
	assert.Equal(t, 1, p.callCount())
}

func TestOperation_CompletionDeliveredOnLoop(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"me"}`)
	}))

	loop := NewLoop()

	var delivered atomic.Bool

	op, err := c.NewOperation(http.MethodGet, "/me", Options{
		Dispatcher: loop,
		OnComplete: func(Result) { delivered.Store(true) },
	})
	require.NoError(t, err)
	require.NoError(t, op.Execute(context.Background()))

	waitResult(t, op)
	assert.False(t, delivered.Load(), "completion must wait for the loop to run")

	assert.Eventually(t, func() bool { return loop.RunPending() > 0 || delivered.Load() }, time.Second, 5*time.Millisecond)
	assert.True(t, delivered.Load())
}

func TestWriteOperation_SendsBody(t *testing.T) {
	var gotBody, gotType, gotMethod string

	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotType = r.Header.Get("Content-Type")
		gotMethod = r.Method
		writeJSON(w, http.StatusCreated, `{"id":"folder-1","name":"New"}`)
	}))

	v, err := c.Post(context.Background(), "/me/drive/root/children", []byte(`{"name":"New","folder":{}}`))
	require.NoError(t, err)
	assert.Equal(t, "folder-1", v["id"])
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotType)
	assert.JSONEq(t, `{"name":"New","folder":{}}`, gotBody)
}

func TestWriteOperation_EmptyBodyIsLegal(t *testing.T) {
	var gotLength int64 = -2

	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLength = r.ContentLength
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, c.Delete(context.Background(), "/me/drive/items/abc"))
	assert.Equal(t, int64(0), gotLength)
}

func TestWriteOperation_MoveSendsDestination(t *testing.T) {
	var gotBody, gotMethod string

	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotMethod = r.Method
		writeJSON(w, http.StatusOK, `{"id":"moved"}`)
	}))

	_, err := c.Move(context.Background(), "/file.123", "folder.456")
	require.NoError(t, err)
	assert.Equal(t, MethodMove, gotMethod)
	assert.JSONEq(t, `{"destination":"folder.456"}`, gotBody)
}

func TestNewOperation_InvalidArguments(t *testing.T) {
	c := NewClient(DefaultBaseURL, nil, NewEngine(&fakeProvider{}, "id", slog.Default()), nil)

	_, err := c.NewOperation(http.MethodGet, "  ", Options{})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = c.NewWriteOperation(http.MethodGet, "/me", nil, Options{})
	require.ErrorIs(t, err, ErrInvalidArgument)

	require.ErrorIs(t, c.SetChunkSize(1000), ErrInvalidArgument)
	require.NoError(t, c.SetChunkSize(2*ChunkAlignment))
}

func TestResolveURL(t *testing.T) {
	c := NewClient("https://api.example.com/v1.0/", nil, nil, nil)

	assert.Equal(t, "https://api.example.com/v1.0/me", c.resolveURL("/me"))
	assert.Equal(t, "https://api.example.com/v1.0/me", c.resolveURL("me"))
	assert.Equal(t, "https://other.example.com/next", c.resolveURL("https://other.example.com/next"))
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("dial failed")
	err := &Error{Kind: KindNetwork, Err: cause}

	require.ErrorIs(t, err, ErrNetwork)
	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "network")
	assert.Contains(t, err.Error(), "dial failed")
}
