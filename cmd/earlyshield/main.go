// Command earlyshield runs the EarlyShield dashboard sync service and offers
// one-shot commands that drive the same store from a terminal.
//
//	earlyshield serve --config /etc/earlyshield/config.yaml
//	earlyshield snapshot
//	earlyshield signal add --title "Wifi down" --category Connectivity ...
//	earlyshield role Student
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "earlyshield:", describe(err))
		os.Exit(1)
	}
}
