// Package signals runs functions when the process receives OS signals.
package signals

import (
	"context"
	"os"
	"os/signal"
)

// Action is a function called when an OS signal is received.
type Action func()

// Mappings map OS signals to functions
type Mappings map[os.Signal]Action

// Handle calls the Action of every signal received until ctx is done.
// Actions are called one at a time from a single go-routine.
// It returns when ctx is done, after the signals are no longer relayed.
func Handle(ctx context.Context, m Mappings) {
	if len(m) == 0 {
		<-ctx.Done()
		return
	}
	sigs := make([]os.Signal, 0, len(m))
	for sig := range m {
		sigs = append(sigs, sig)
	}
	ch := make(chan os.Signal, len(m))
	signal.Notify(ch, sigs...)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			if f, ok := m[sig]; ok && f != nil {
				f()
			}
		}
	}
}

// RunSignalHandler spawns a go-routine which will call the provided Actions
// when receiving the corresponding signals. Cancel ctx to stop it.
func RunSignalHandler(ctx context.Context, m Mappings) {
	go Handle(ctx, m)
}
