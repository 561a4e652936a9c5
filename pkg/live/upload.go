package live

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
)

// cancelSessionTimeout bounds the best-effort upload session cleanup,
// which runs on a context detached from the (possibly canceled) operation.
const cancelSessionTimeout = 10 * time.Second

// OverwritePolicy decides what happens when the upload target exists.
type OverwritePolicy int

const (
	// OverwriteFail rejects the upload during negotiation if the name exists.
	OverwriteFail OverwritePolicy = iota
	OverwriteReplace
	// OverwriteRename lets the server pick a free name.
	OverwriteRename
)

// String returns the wire value of the policy.
func (p OverwritePolicy) String() string {
	switch p {
	case OverwriteFail:
		return "fail"
	case OverwriteReplace:
		return "replace"
	case OverwriteRename:
		return "rename"
	default:
		return fmt.Sprintf("OverwritePolicy(%d)", int(p))
	}
}

// ParseOverwritePolicy accepts "fail", "replace" (or "overwrite") and "rename".
func ParseOverwritePolicy(s string) (OverwritePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fail":
		return OverwriteFail, nil
	case "replace", "overwrite":
		return OverwriteReplace, nil
	case "rename":
		return OverwriteRename, nil
	default:
		return 0, fmt.Errorf("%w: unknown overwrite policy %q", ErrInvalidArgument, s)
	}
}

func (p OverwritePolicy) valid() bool {
	return p >= OverwriteFail && p <= OverwriteRename
}

type createUploadSessionRequest struct {
	Item uploadSessionItem `json:"item"`
}

type uploadSessionItem struct {
	ConflictBehavior string `json:"@microsoft.graph.conflictBehavior"` //nolint:tagliatelle // API annotation key
	Name             string `json:"name"`
}

// UploadLink is the negotiated upload target. URL is pre-authenticated;
// never log it.
type UploadLink struct {
	URL        string
	Expiration time.Time
}

// NewUploadLinkOperation creates the negotiation step on its own: it asks
// the server for an upload location for name under folderPath. The
// result Value carries "uploadUrl" and "expirationDateTime".
func (c *Client) NewUploadLinkOperation(folderPath, name string, policy OverwritePolicy, opts Options) (*Operation, error) {
	name, err := validateUpload(folderPath, name, policy)
	if err != nil {
		return nil, err
	}

	op := c.newOperation(http.MethodPost, folderPath, opts)
	cl := uploadLinkCall(folderPath, name, policy, op.requestID)
	op.run = func(ctx context.Context) (outcome, error) {
		return op.exchangeJSON(ctx, cl)
	}

	return op, nil
}

// UploadOperation negotiates an upload location, then streams size bytes
// from r in chunks.
type UploadOperation struct {
	*Operation
	folder string
	name   string
	policy OverwritePolicy
	size   int64
	sink   *progressSink

	linkMu sync.Mutex
	link   *UploadLink
}

// NewUploadOperation creates an upload of size bytes read from r into
// folderPath/name. The caller owns r. The name is normalized to NFC.
func (c *Client) NewUploadOperation(
	folderPath, name string, r io.Reader, size int64,
	policy OverwritePolicy, progress ProgressFunc, opts Options,
) (*UploadOperation, error) {
	name, err := validateUpload(folderPath, name, policy)
	if err != nil {
		return nil, err
	}

	if r == nil {
		return nil, fmt.Errorf("%w: nil upload reader", ErrInvalidArgument)
	}

	if size < 0 {
		return nil, fmt.Errorf("%w: upload size must be known", ErrInvalidArgument)
	}

	op := c.newOperation(http.MethodPut, folderPath, opts)
	u := &UploadOperation{
		Operation: op,
		folder:    folderPath,
		name:      name,
		policy:    policy,
		size:      size,
		sink:      newProgressSink(progress, op.dispatcher, c.Observer, DirectionUpload, size),
	}
	op.run = func(ctx context.Context) (outcome, error) {
		return u.upload(ctx, r)
	}

	return u, nil
}

// Transferred returns the current progress.
func (u *UploadOperation) Transferred() Progress {
	return u.sink.snapshot()
}

// Link returns the negotiated upload location, or nil before negotiation
// succeeded.
func (u *UploadOperation) Link() *UploadLink {
	u.linkMu.Lock()
	defer u.linkMu.Unlock()

	return u.link
}

func validateUpload(folderPath, name string, policy OverwritePolicy) (string, error) {
	if strings.TrimSpace(folderPath) == "" {
		return "", fmt.Errorf("%w: empty folder path", ErrInvalidArgument)
	}

	name = norm.NFC.String(strings.TrimSpace(name))
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: invalid file name %q", ErrInvalidArgument, name)
	}

	if !policy.valid() {
		return "", fmt.Errorf("%w: %s", ErrInvalidArgument, policy)
	}

	return name, nil
}

// childAddress addresses name under folder using path syntax, for both
// id-addressed ("/me/drive/items/{id}") and path-addressed
// ("/me/drive/root:/Documents") folders.
func childAddress(folder, name string) string {
	folder = strings.TrimRight(folder, "/")
	esc := url.PathEscape(name)

	if strings.Contains(folder, ":/") {
		return strings.TrimSuffix(folder, ":") + "/" + esc + ":"
	}

	return folder + ":/" + esc + ":"
}

func uploadLinkCall(folder, name string, policy OverwritePolicy, requestID string) call {
	body, _ := json.Marshal(createUploadSessionRequest{ //nolint:errcheck // plain struct always marshals
		Item: uploadSessionItem{ConflictBehavior: policy.String(), Name: name},
	})

	return call{
		method:      http.MethodPost,
		path:        childAddress(folder, name) + "/createUploadSession",
		body:        body,
		hasBody:     true,
		contentType: "application/json",
		requestID:   requestID,
	}
}

func (u *UploadOperation) upload(ctx context.Context, r io.Reader) (outcome, error) {
	c := u.client

	link, err := u.negotiate(ctx)
	if err != nil {
		// Nothing has been streamed and progress was never reported.
		return outcome{}, err
	}

	var out outcome
	if u.size == 0 {
		out, err = u.putEmpty(ctx)
	} else {
		out, err = u.streamChunks(ctx, link, r)
	}

	if err != nil || u.size == 0 {
		u.cancelSession(ctx, link)
	}

	if err != nil {
		return out, err
	}

	c.logger.Info("upload complete",
		slog.String("name", u.name),
		slog.Int64("bytes", out.bytes),
	)

	return out, nil
}

// negotiate obtains the upload location. A conflict under OverwriteFail
// surfaces here, before any byte is sent.
func (u *UploadOperation) negotiate(ctx context.Context) (*UploadLink, error) {
	c := u.client

	resp, err := c.send(ctx, uploadLinkCall(u.folder, u.name, u.policy, u.requestID))
	if err != nil {
		return nil, err
	}

	v, err := decodeBody(resp)
	if err != nil {
		return nil, err
	}

	raw, _ := v["uploadUrl"].(string) //nolint:errcheck // validated below
	if raw == "" {
		return nil, &Error{
			Kind:        KindAPI,
			Code:        CodeInvalidResponse,
			StatusCode:  resp.StatusCode,
			Description: "upload negotiation returned no uploadUrl",
		}
	}

	link := &UploadLink{URL: raw}

	if exp, ok := v["expirationDateTime"].(string); ok {
		if t, perr := time.Parse(time.RFC3339, exp); perr == nil {
			link.Expiration = t
		} else {
			c.logger.Warn("invalid upload session expiration, using zero time",
				slog.String("raw", exp),
				slog.String("error", perr.Error()),
			)
		}
	}

	u.linkMu.Lock()
	u.link = link
	u.linkMu.Unlock()

	c.logger.Info("upload location negotiated",
		slog.String("name", u.name),
		slog.String("policy", u.policy.String()),
		slog.Time("expires", link.Expiration),
	)

	return link, nil
}

// streamChunks PUTs the payload in aligned chunks to the pre-authenticated
// location. 202 means "send the next chunk"; 200/201 carries the item.
func (u *UploadOperation) streamChunks(ctx context.Context, link *UploadLink, r io.Reader) (outcome, error) {
	c := u.client

	var offset int64

	for offset < u.size {
		length := min(c.chunkSize, u.size-offset)

		body := &progressReader{ctx: ctx, r: io.LimitReader(r, length), sink: u.sink}

		req := &Request{
			Method:        http.MethodPut,
			URL:           link.URL,
			Header:        make(http.Header),
			Body:          body,
			ContentLength: length,
		}
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, u.size))
		req.Header.Set("Content-Type", "application/octet-stream")

		c.logger.Debug("uploading chunk",
			slog.Int64("offset", offset),
			slog.Int64("length", length),
			slog.Int64("total", u.size),
		)

		resp, err := c.transport.Send(ctx, req)
		if err != nil {
			if srcErr := body.sourceErr(); srcErr != nil {
				return outcome{bytes: offset}, &Error{Kind: KindLocalIO, Description: "reading upload content", Err: srcErr}
			}

			return outcome{bytes: offset}, &Error{Kind: KindNetwork, Description: "uploading chunk", Err: err}
		}

		offset += length

		switch resp.StatusCode {
		case http.StatusAccepted:
			_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse
			resp.Body.Close()

			if offset >= u.size {
				return outcome{bytes: offset}, &Error{
					Kind:        KindAPI,
					Code:        CodeInvalidResponse,
					StatusCode:  resp.StatusCode,
					Description: "server accepted the final chunk without completing the upload",
				}
			}

		case http.StatusOK, http.StatusCreated:
			v, err := decodeBody(resp)
			if err != nil {
				return outcome{bytes: offset}, err
			}

			return outcome{value: v, bytes: offset}, nil

		default:
			return outcome{bytes: offset - length}, c.errorFromResponse(resp)
		}
	}

	return outcome{bytes: offset}, nil
}

// putEmpty uploads a zero-byte file with one authenticated content PUT;
// upload sessions cannot carry an empty payload.
func (u *UploadOperation) putEmpty(ctx context.Context) (outcome, error) {
	path := childAddress(u.folder, u.name) + "/content?@microsoft.graph.conflictBehavior=" + u.policy.String()

	resp, err := u.client.send(ctx, call{
		method:      http.MethodPut,
		path:        path,
		hasBody:     true,
		contentType: "application/octet-stream",
		requestID:   u.requestID,
	})
	if err != nil {
		return outcome{}, err
	}

	v, err := decodeBody(resp)
	if err != nil {
		return outcome{}, err
	}

	return outcome{value: v}, nil
}

// cancelSession deletes the upload session so a failed or canceled upload
// does not leave it open server-side. Best effort.
func (u *UploadOperation) cancelSession(ctx context.Context, link *UploadLink) {
	c := u.client

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelSessionTimeout)
	defer cancel()

	resp, err := c.transport.Send(cctx, &Request{Method: http.MethodDelete, URL: link.URL, Header: make(http.Header)})
	if err != nil {
		c.logger.Warn("cancel upload session failed", slog.String("error", err.Error()))
		return
	}

	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		c.logger.Warn("cancel upload session returned unexpected status",
			slog.Int("status", resp.StatusCode),
		)

		return
	}

	c.logger.Debug("upload session canceled")
}

// Upload streams size bytes from r into folderPath/name and waits. The
// returned map is the created item.
func (c *Client) Upload(
	ctx context.Context, folderPath, name string, r io.Reader, size int64,
	policy OverwritePolicy, progress ProgressFunc,
) (map[string]any, error) {
	u, err := c.NewUploadOperation(folderPath, name, r, size, policy, progress, Options{})
	if err != nil {
		return nil, err
	}

	return runSync(ctx, u.Operation)
}
