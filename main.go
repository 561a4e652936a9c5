package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/tonimelisma/liveconnect-go/pkg/live"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		if errors.Is(err, live.ErrCanceled) {
			fmt.Fprintln(os.Stderr, "Canceled.")
			os.Exit(130)
		}

		exitOnError(err)
	}
}
