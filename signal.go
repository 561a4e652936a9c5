package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// shutdownContext returns a context canceled by the first SIGINT/SIGTERM,
// with the signal as its cause. A canceled operation deletes any open
// upload session on the server, so the first signal waits for that; the
// second force-exits. stop releases the signal handler.
func shutdownContext(parent context.Context, logger *slog.Logger) (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancelCause(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	released := make(chan struct{})

	go func() {
		defer signal.Stop(sigCh)

		for interrupted := false; ; {
			select {
			case sig := <-sigCh:
				if interrupted {
					logger.Warn("received second signal, forcing exit",
						slog.String("signal", sig.String()),
					)
					os.Exit(130)
				}

				interrupted = true

				logger.Info("received signal, canceling operation",
					slog.String("signal", sig.String()),
				)
				cancel(fmt.Errorf("interrupted by %s", sig))
			case <-released:
				return
			case <-parent.Done():
				return
			}
		}
	}()

	var once sync.Once

	return ctx, func() {
		once.Do(func() {
			close(released)
			cancel(nil)
		})
	}
}
