package live

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
)

// Progress is a snapshot of a transfer. TotalBytes is -1 when unknown.
type Progress struct {
	BytesTransferred int64
	TotalBytes       int64
}

// ProgressFunc receives progress through the operation's Dispatcher.
type ProgressFunc func(Progress)

// progressSink counts streamed bytes and posts each chunk boundary to the
// dispatcher. Counts only grow.
type progressSink struct {
	fn         ProgressFunc
	dispatcher Dispatcher
	observer   Observer
	dir        Direction
	total      atomic.Int64
	done       atomic.Int64
}

func newProgressSink(fn ProgressFunc, d Dispatcher, obs Observer, dir Direction, total int64) *progressSink {
	s := &progressSink{fn: fn, dispatcher: d, observer: obs, dir: dir}
	s.total.Store(total)

	return s
}

func (s *progressSink) add(n int64) {
	if n <= 0 {
		return
	}

	p := Progress{BytesTransferred: s.done.Add(n), TotalBytes: s.total.Load()}

	if s.observer != nil {
		s.observer.BytesTransferred(s.dir, n)
	}

	if s.fn != nil {
		fn := s.fn
		s.dispatcher.Post(func() { fn(p) })
	}
}

func (s *progressSink) snapshot() Progress {
	return Progress{BytesTransferred: s.done.Load(), TotalBytes: s.total.Load()}
}

// progressReader reports every read to the sink and stops at the next
// chunk boundary once ctx is canceled. srcErr keeps the first failure of r
// so it can be told apart from a transport failure.
type progressReader struct {
	ctx    context.Context //nolint:containedctx // scoped to one request body
	r      io.Reader
	sink   *progressSink
	srcErr atomic.Pointer[error]
}

func (pr *progressReader) Read(p []byte) (int, error) {
	if err := pr.ctx.Err(); err != nil {
		return 0, err
	}

	n, err := pr.r.Read(p)
	pr.sink.add(int64(n))

	if err != nil && !errors.Is(err, io.EOF) {
		pr.srcErr.CompareAndSwap(nil, &err)
	}

	return n, err
}

// sourceErr returns the first read failure of the wrapped reader, if any.
func (pr *progressReader) sourceErr() error {
	if p := pr.srcErr.Load(); p != nil {
		return *p
	}

	return nil
}
