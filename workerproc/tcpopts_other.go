//go:build !linux

package workerproc

import "net"

// setQuickAck is a no-op outside Linux: TCP_QUICKACK has no equivalent on
// the other platforms this worker targets.
func setQuickAck(*net.TCPConn) error {
	return nil
}
