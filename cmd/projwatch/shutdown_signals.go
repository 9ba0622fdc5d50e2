package main

import (
	"context"
	"os"
	"strconv"

	"projwatch/internal/logging"
)

// watchShutdownSignals calls cancel on the first signal read from signals.
// The second signal is logged as a warning and later ones are ignored. The
// returned func stops reading.
func watchShutdownSignals(logger *logging.Logger, cancel context.CancelFunc, signals <-chan os.Signal) func() {
	if signals == nil {
		return func() {}
	}
	stopCtx, stop := context.WithCancel(context.Background())

	go func() {
		received := 0
		for {
			var sig os.Signal
			select {
			case <-stopCtx.Done():
				return
			case value, ok := <-signals:
				if !ok {
					return
				}
				sig = value
			}

			received++
			fields := map[string]string{
				"signal":   signalName(sig),
				"received": strconv.Itoa(received),
			}
			switch received {
			case 1:
				logger.Info("shutting down", fields)
				if cancel != nil {
					cancel()
				}
			case 2:
				logger.Warn("shutdown already in progress", fields)
			}
		}
	}()

	return stop
}

func signalName(sig os.Signal) string {
	if sig == nil {
		return "unknown"
	}
	return sig.String()
}
