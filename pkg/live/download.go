package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
)

// downloadBufferSize is the read granularity for downloads; each filled
// buffer is one progress report.
const downloadBufferSize = 64 * 1024

// DownloadOperation streams a resource's content into a writer.
type DownloadOperation struct {
	*Operation
	sink *progressSink
}

// NewDownloadOperation creates a download of path (e.g.
// "/me/drive/items/{id}/content") into w. The caller owns w; the response
// stream is always closed by the operation.
func (c *Client) NewDownloadOperation(path string, w io.Writer, progress ProgressFunc, opts Options) (*DownloadOperation, error) {
	if err := validateCall(http.MethodGet, path); err != nil {
		return nil, err
	}

	if w == nil {
		return nil, fmt.Errorf("%w: nil download writer", ErrInvalidArgument)
	}

	op := c.newOperation(http.MethodGet, path, opts)
	d := &DownloadOperation{
		Operation: op,
		sink:      newProgressSink(progress, op.dispatcher, c.Observer, DirectionDownload, -1),
	}
	op.run = func(ctx context.Context) (outcome, error) {
		return d.stream(ctx, w)
	}

	return d, nil
}

// Transferred returns the current progress.
func (d *DownloadOperation) Transferred() Progress {
	return d.sink.snapshot()
}

func (d *DownloadOperation) stream(ctx context.Context, w io.Writer) (outcome, error) {
	c := d.client

	resp, err := c.send(ctx, call{method: http.MethodGet, path: d.path, requestID: d.requestID})
	if err != nil {
		return outcome{}, err
	}
	defer resp.Body.Close()

	total := contentLength(resp.Header)
	d.sink.total.Store(total)

	c.logger.Info("download started",
		slog.String("path", d.path),
		slog.Int64("total", total),
	)

	buf := make([]byte, downloadBufferSize)

	var written int64

	for {
		// Chunk boundary: stop promptly once canceled.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return outcome{bytes: written}, ctxErr
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return outcome{bytes: written}, &Error{
					Kind:        KindLocalIO,
					Description: "writing download content",
					Err:         werr,
				}
			}

			written += int64(n)
			d.sink.add(int64(n))
		}

		if errors.Is(readErr, io.EOF) {
			break
		}

		if readErr != nil {
			return outcome{bytes: written}, &Error{
				Kind:        KindNetwork,
				Description: "streaming download content",
				Err:         readErr,
			}
		}
	}

	if total >= 0 && written != total {
		return outcome{bytes: written}, &Error{
			Kind:        KindNetwork,
			Description: fmt.Sprintf("download truncated at %d of %d bytes", written, total),
			Err:         io.ErrUnexpectedEOF,
		}
	}

	c.logger.Debug("download complete",
		slog.String("path", d.path),
		slog.Int64("bytes", written),
	)

	return outcome{bytes: written}, nil
}

func contentLength(h http.Header) int64 {
	v := h.Get("Content-Length")
	if v == "" {
		return -1
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return -1
	}

	return n
}

// Download streams path into w and waits.
func (c *Client) Download(ctx context.Context, path string, w io.Writer, progress ProgressFunc) (int64, error) {
	d, err := c.NewDownloadOperation(path, w, progress, Options{})
	if err != nil {
		return 0, err
	}

	if _, err := runSync(ctx, d.Operation); err != nil {
		return d.Transferred().BytesTransferred, err
	}

	return d.Transferred().BytesTransferred, nil
}
