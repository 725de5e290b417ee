// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// requestShutdownChan is closed by requestShutdown or shutdownListener to
// signal that every subsystem should begin a graceful shutdown. It is
// buffered so a caller racing shutdownListener never blocks.
var requestShutdownChan = make(chan struct{}, 1)

var shutdownOnce sync.Once

// requestShutdown signals a graceful shutdown, the same way a future admin
// command or test harness would request one without sending the process a
// signal directly.
func requestShutdown() {
	shutdownOnce.Do(func() { close(requestShutdownChan) })
}

// withShutdownCancel returns a context that is canceled when requestShutdown
// is called.
func withShutdownCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-requestShutdownChan
		cancel()
	}()
	return ctx
}

// shutdownListener listens for SIGINT and SIGTERM and relays either into
// requestShutdown, so CTRL+C and a container orchestrator's stop signal both
// take the same graceful path as a programmatic shutdown request.
func shutdownListener() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	log.Infof("received signal (%s), shutting down...", sig)
	requestShutdown()
}
