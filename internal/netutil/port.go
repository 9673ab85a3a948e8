// Package netutil provides the small amount of local networking plumbing
// the worker binary uses to pick its listen port.
package netutil

import (
	"fmt"
	"net"
	"os"
)

// deterministicPortBase and deterministicPortSpan give the calling process
// (the worker) a preferred port derived from its own pid: 9000 + pid mod
// 1000. It is only ever a first guess: if the port is unavailable,
// GetWorkerPort falls back to whatever the kernel hands out.
const (
	deterministicPortBase = 9000
	deterministicPortSpan = 1000
)

// GetWorkerPort returns a TCP port for a worker to listen on: first it
// tries the deterministic hint for this process, and if that port is
// already in use it falls back to an ephemeral port chosen by the kernel.
func GetWorkerPort() (int, error) {
	hint := deterministicPortBase + (os.Getpid() % deterministicPortSpan)
	if port, err := tryListen(hint); err == nil {
		return port, nil
	}
	return GetEphemeralTCPPort()
}

// GetEphemeralTCPPort asks the kernel for any free TCP port on localhost.
func GetEphemeralTCPPort() (int, error) {
	return tryListen(0)
}

func tryListen(port int) (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		return 0, fmt.Errorf("resolving localhost:%d: %w", port, err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port %d: %w", port, err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
