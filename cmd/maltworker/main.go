// Command maltworker is the worker process binary. It takes no flags: the
// manager controls everything about a worker (executable path, flags,
// environment) from the spawning side, per the handshake the worker and
// manager agree on over stdout.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/JuliaPluto/malt/internal/netutil"
	"github.com/JuliaPluto/malt/registry"
	"github.com/JuliaPluto/malt/workerproc"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "maltworker:", err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	port, err := netutil.GetWorkerPort()
	if err != nil {
		return fmt.Errorf("choosing a listen port: %w", err)
	}

	ln, err := listen(port)
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", port, err)
	}
	defer ln.Close()

	// The handshake: one decimal line, nothing else, before any connection
	// is accepted. The manager reads exactly this line to learn the port.
	stdout := bufio.NewWriter(os.Stdout)
	if _, err := fmt.Fprintf(stdout, "%d\n", port); err != nil {
		return fmt.Errorf("writing handshake line: %w", err)
	}
	if err := stdout.Flush(); err != nil {
		return fmt.Errorf("flushing handshake line: %w", err)
	}

	ctrl := workerproc.NewController()
	reg := registry.New()
	workerproc.RegisterBuiltins(reg, workerproc.NewSymbols(), ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGINT:
				// Never exit-on-interrupt (spec.md §4.2 step 5): route it
				// to the dispatch loop as a cancellation of the latest
				// running call, exactly like a KindInterrupt frame.
				log.Info("received SIGINT, interrupting the latest call")
				ctrl.Interrupt()
			case syscall.SIGTERM:
				log.Info("received SIGTERM, shutting down")
				cancel()
				return
			}
		}
	}()

	return workerproc.Serve(ctx, ln, reg, log, workerproc.WithController(ctrl))
}

func listen(port int) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}
