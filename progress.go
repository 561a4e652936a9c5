package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/tonimelisma/liveconnect-go/pkg/live"
)

// progressInterval throttles redraws; the final update always renders.
const progressInterval = 100 * time.Millisecond

// progressBar renders transfer progress on a single terminal line. All
// methods run on the command's Loop, so no locking is needed.
type progressBar struct {
	w       io.Writer
	enabled bool
	label   string
	last    time.Time
	drawn   bool
}

// newProgressBar draws only when stderr is a terminal and --quiet is unset.
func newProgressBar(cc *CLIContext, label string) *progressBar {
	fd := os.Stderr.Fd()
	tty := isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)

	return &progressBar{w: os.Stderr, enabled: tty && !cc.Flags.Quiet, label: label}
}

func (b *progressBar) update(p live.Progress) {
	if !b.enabled {
		return
	}

	final := p.TotalBytes >= 0 && p.BytesTransferred >= p.TotalBytes
	if !final && time.Since(b.last) < progressInterval {
		return
	}

	b.last = time.Now()
	b.drawn = true

	fmt.Fprint(b.w, "\r\033[K"+renderProgress(b.label, p))
}

// finish moves past the progress line.
func (b *progressBar) finish() {
	if b.drawn {
		fmt.Fprintln(b.w)
	}
}

func renderProgress(label string, p live.Progress) string {
	if p.TotalBytes <= 0 {
		return fmt.Sprintf("%s  %s", label, formatSize(p.BytesTransferred))
	}

	pct := p.BytesTransferred * 100 / p.TotalBytes

	return fmt.Sprintf("%s  %s / %s (%d%%)",
		label, formatSize(p.BytesTransferred), formatSize(p.TotalBytes), pct)
}

// runOnLoop executes op and pumps loop on the calling goroutine until the
// completion callback installed by loopOptions has run. Progress callbacks
// posted by the operation therefore all run here, in order.
func runOnLoop(ctx context.Context, loop *live.Loop, op *live.Operation, done *live.Result) error {
	if err := op.Execute(ctx); err != nil {
		return err
	}

	// The operation settles on ctx cancellation by itself and posts its
	// completion, which closes the loop.
	if err := loop.Run(context.Background()); err != nil {
		return err
	}

	return resultError(*done)
}

// loopOptions wires an operation to loop. The completion callback stores
// the result in done and closes the loop.
func loopOptions(loop *live.Loop, done *live.Result) live.Options {
	return live.Options{
		Dispatcher: loop,
		OnComplete: func(r live.Result) {
			*done = r
			loop.Close()
		},
	}
}

func resultError(r live.Result) error {
	switch r.State {
	case live.StateSucceeded:
		return nil
	case live.StateCanceled:
		return live.ErrCanceled
	default:
		return notLoggedInHint(r.Err)
	}
}
