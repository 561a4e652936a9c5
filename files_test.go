package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/liveconnect-go/internal/tokenfile"
	"github.com/tonimelisma/liveconnect-go/pkg/live"
)

func TestDrivePath(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"", "me/drive/root"},
		{"/", "me/drive/root"},
		{"Documents", "me/drive/root:/Documents"},
		{"/Documents/Reports/", "me/drive/root:/Documents/Reports"},
		{"My Files/a#b.txt", "me/drive/root:/My%20Files/a%23b.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			assert.Equal(t, tt.want, drivePath(tt.remote))
		})
	}

	assert.Equal(t, "me/drive/root:/a.txt:/content", driveContentPath("a.txt"))
}

func TestReadBody(t *testing.T) {
	body, err := readBody("")
	require.NoError(t, err)
	assert.Nil(t, body)

	body, err = readBody(`{"name":"x"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"x"}`, string(body))

	_, err = readBody(`{not json`)
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "body.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"folder":{}}`), 0o600))

	body, err = readBody("@" + path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"folder":{}}`, string(body))

	_, err = readBody("@" + filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestRenderProgress(t *testing.T) {
	assert.Equal(t, "a.txt  1.0 KB / 2.0 KB (50%)",
		renderProgress("a.txt", live.Progress{BytesTransferred: 1024, TotalBytes: 2048}))
	assert.Equal(t, "a.txt  512 B",
		renderProgress("a.txt", live.Progress{BytesTransferred: 512, TotalBytes: -1}))
}

func TestResultError(t *testing.T) {
	require.NoError(t, resultError(live.Result{State: live.StateSucceeded}))
	require.ErrorIs(t, resultError(live.Result{State: live.StateCanceled}), live.ErrCanceled)

	err := resultError(live.Result{State: live.StateFailed, Err: &live.Error{Kind: live.KindNotConnected}})
	require.ErrorIs(t, err, live.ErrNotConnected)
	assert.Contains(t, err.Error(), "liveconnect login")
}

// fakeDrive serves the handful of endpoints the file commands use.
type fakeDrive struct {
	mu       sync.Mutex
	content  string
	uploaded []byte
	auth     []string
	deleted  []string
}

func (d *fakeDrive) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /me/drive/root:/docs/a.txt:/content", func(w http.ResponseWriter, r *http.Request) {
		d.record(r)
		w.Header().Set("Content-Length", fmt.Sprint(len(d.content)))
		_, _ = io.WriteString(w, d.content)
	})

	mux.HandleFunc("POST /me/drive/root:/docs/b.txt:/createUploadSession", func(w http.ResponseWriter, r *http.Request) {
		d.record(r)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"uploadUrl":          "http://" + r.Host + "/upload/s1",
			"expirationDateTime": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		})
	})

	mux.HandleFunc("PUT /upload/s1", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)

		d.mu.Lock()
		d.uploaded = append(d.uploaded, b...)
		d.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"item-b","name":"b.txt"}`)
	})

	mux.HandleFunc("DELETE /me/drive/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		d.record(r)

		d.mu.Lock()
		d.deleted = append(d.deleted, r.PathValue("id"))
		d.mu.Unlock()

		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func (d *fakeDrive) record(r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.auth = append(d.auth, r.Header.Get("Authorization"))
}

// setupCLI starts a fake drive and writes a config plus a valid saved
// token pointing at it. It returns the config path.
func setupCLI(t *testing.T, d *fakeDrive) string {
	t.Helper()
	isolateEnv(t)

	srv := httptest.NewServer(d.handler())
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "token.json")

	require.NoError(t, tokenfile.Save(tokenPath, &oauth2.Token{
		AccessToken:  "saved-token",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}, map[string]string{"scopes": "offline_access Files.ReadWrite.All User.Read"}))

	return writeConfigFile(t, fmt.Sprintf(`
base_url = %q
token_path = %q
log_level = "error"
`, srv.URL, tokenPath))
}

func execCLI(t *testing.T, args ...string) error {
	t.Helper()

	root := newRootCmd()
	root.SetArgs(args)

	return root.ExecuteContext(context.Background())
}

func TestDownloadCommand(t *testing.T) {
	d := &fakeDrive{content: "hello from the drive"}
	cfgPath := setupCLI(t, d)

	local := filepath.Join(t.TempDir(), "a.txt")

	require.NoError(t, execCLI(t, "download", "docs/a.txt", local, "--config", cfgPath, "--quiet"))

	got, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, d.content, string(got))
	assert.Equal(t, []string{"Bearer saved-token"}, d.auth)

	// No partial files are left behind.
	entries, err := os.ReadDir(filepath.Dir(local))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDownloadCommand_NotFoundLeavesNoFile(t *testing.T) {
	d := &fakeDrive{}
	cfgPath := setupCLI(t, d)

	local := filepath.Join(t.TempDir(), "missing.txt")

	err := execCLI(t, "download", "docs/missing.txt", local, "--config", cfgPath, "--quiet")
	require.Error(t, err)
	require.ErrorIs(t, err, live.ErrNotFound)

	entries, err := os.ReadDir(filepath.Dir(local))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadCommand(t *testing.T) {
	d := &fakeDrive{}
	cfgPath := setupCLI(t, d)

	local := filepath.Join(t.TempDir(), "b.txt")
	require.NoError(t, os.WriteFile(local, []byte("upload payload"), 0o600))

	require.NoError(t, execCLI(t, "upload", local, "docs", "--policy", "replace", "--config", cfgPath, "--quiet"))

	assert.Equal(t, "upload payload", string(d.uploaded))
}

func TestUploadCommand_BadPolicy(t *testing.T) {
	d := &fakeDrive{}
	cfgPath := setupCLI(t, d)

	local := filepath.Join(t.TempDir(), "b.txt")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0o600))

	err := execCLI(t, "upload", local, "docs", "--policy", "clobber", "--config", cfgPath)
	require.ErrorIs(t, err, live.ErrInvalidArgument)
	assert.Empty(t, d.auth)
}

func TestCallCommand_Delete(t *testing.T) {
	d := &fakeDrive{}
	cfgPath := setupCLI(t, d)

	require.NoError(t, execCLI(t, "call", "delete", "me/drive/items/ABC", "--config", cfgPath, "--quiet"))
	assert.Equal(t, []string{"ABC"}, d.deleted)
}

func TestCallCommand_MoveNeedsDestination(t *testing.T) {
	d := &fakeDrive{}
	cfgPath := setupCLI(t, d)

	err := execCLI(t, "call", "MOVE", "me/drive/items/ABC", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--destination")
}

func TestGetCommand_NotLoggedIn(t *testing.T) {
	isolateEnv(t)

	cfgPath := writeConfigFile(t, fmt.Sprintf(`token_path = %q`, filepath.Join(t.TempDir(), "none.json")))

	err := execCLI(t, "get", "me", "--config", cfgPath)
	require.Error(t, err)
	assert.True(t, errors.Is(err, live.ErrNotConnected))
	assert.Contains(t, err.Error(), "liveconnect login")
}
