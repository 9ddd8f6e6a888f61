package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// forceExitCode is the status used when a second signal cuts the drain short.
const forceExitCode = 1

// shutdownContext returns a context canceled by the first SIGINT or SIGTERM.
// In-flight WebDAV requests and upload spools get to drain; a second signal
// exits immediately.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return drainOnSignal(parent, sigCh, func() {
		signal.Stop(sigCh)
	}, os.Exit, logger)
}

// drainOnSignal cancels the returned context on the first value from sigCh
// and calls exit on the second. stop runs once the watcher is done.
func drainOnSignal(
	parent context.Context, sigCh <-chan os.Signal, stop func(), exit func(int), logger *slog.Logger,
) context.Context {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		defer stop()

		select {
		case sig := <-sigCh:
			logger.Info("draining in-flight requests",
				slog.String("signal", sig.String()),
			)
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("second signal, exiting without drain",
				slog.String("signal", sig.String()),
			)
			exit(forceExitCode)
		case <-parent.Done():
		}
	}()

	return ctx
}
