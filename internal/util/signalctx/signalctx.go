package signalctx

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// WithSignals returns a context that is canceled on receipt of INT or TERM,
// along with a channel the received signal is also delivered to.
func WithSignals(parent context.Context) (ctx context.Context, cancel context.CancelFunc, sigCh <-chan os.Signal) {
	ctx, cancel = context.WithCancel(parent)
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-ctx.Done():
			// already canceled
		case <-c:
			cancel()
		}
	}()

	return ctx, cancel, c
}
