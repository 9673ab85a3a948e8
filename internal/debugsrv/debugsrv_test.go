package debugsrv

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorker struct {
	pid        int
	terminated bool
}

func (f fakeWorker) Pid() int        { return f.pid }
func (f fakeWorker) Terminated() bool { return f.terminated }

func TestListWorkersReportsTrackedWorkers(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln.Close()
	addr := ln.Addr().String()

	s := New(nil)
	s.Track("w1", fakeWorker{pid: 123, terminated: false})

	go s.Run(addr)
	t.Cleanup(func() { s.Close() })
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://" + addr + "/workers")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var statuses []workerStatus
	require.NoError(t, json.Unmarshal(body, &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "w1", statuses[0].Name)
	assert.Equal(t, 123, statuses[0].PID)
}
