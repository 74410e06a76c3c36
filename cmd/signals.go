package cmd

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// handleInterrupts gives the first SIGINT/SIGTERM a graceful meaning: stop is
// called and the run finishes after its current iteration. A second signal
// cancels the returned context, which interrupts the run at the current step.
// release must be called once the run returns.
func handleInterrupts(parent context.Context, stop func(), logger *zap.Logger) (ctx context.Context, release func()) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(parent)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		relayInterrupts(ctx, sigCh, stop, cancel, logger)
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
		wg.Wait()
	}
}

func relayInterrupts(ctx context.Context, signals <-chan os.Signal, stop func(), cancel context.CancelFunc, logger *zap.Logger) {
	received := 0
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			received++
			if received == 1 {
				logger.Warn("Signal received; finishing the current iteration. Send again to abort.",
					zap.Stringer("signal", sig))
				stop()
				continue
			}
			logger.Warn("Second signal received; aborting the run", zap.Stringer("signal", sig))
			cancel()
			return
		}
	}
}
