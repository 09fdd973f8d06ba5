package queue

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/acpx/acpx/internal/logging"
)

// ShutdownCoordinator runs the owner's cleanup exactly once, whether the
// trigger is a signal, the idle TTL or an internal failure. Cleanups run
// in registration order.
//
// It is safe for concurrent use.
type ShutdownCoordinator struct {
	mu       sync.Mutex
	once     sync.Once
	done     chan struct{}
	reason   string
	cleanups []func(reason string)
}

// NewShutdownCoordinator creates a coordinator. Signal handling does not
// start until Start is called.
func NewShutdownCoordinator() *ShutdownCoordinator {
	return &ShutdownCoordinator{done: make(chan struct{})}
}

// AddCleanup registers a cleanup step.
func (sc *ShutdownCoordinator) AddCleanup(fn func(reason string)) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.cleanups = append(sc.cleanups, fn)
}

// Start begins listening for SIGINT and SIGTERM. A signal triggers
// Shutdown with the signal name as the reason.
func (sc *ShutdownCoordinator) Start() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logging.Queue().Info("shutdown signal received", "signal", sig.String())
			sc.Shutdown("signal: " + sig.String())
		case <-sc.done:
		}
		signal.Stop(sigCh)
	}()
}

// Shutdown runs the registered cleanups. Later calls return immediately;
// only the first reason is kept.
func (sc *ShutdownCoordinator) Shutdown(reason string) {
	sc.once.Do(func() {
		sc.mu.Lock()
		sc.reason = reason
		cleanups := make([]func(string), len(sc.cleanups))
		copy(cleanups, sc.cleanups)
		sc.mu.Unlock()

		for _, fn := range cleanups {
			fn(reason)
		}
		close(sc.done)
	})
}

// Done is closed after all cleanups have run.
func (sc *ShutdownCoordinator) Done() <-chan struct{} {
	return sc.done
}

// Reason returns why shutdown was triggered, once it has been.
func (sc *ShutdownCoordinator) Reason() string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.reason
}
