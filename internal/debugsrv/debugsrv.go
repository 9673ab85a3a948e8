// Package debugsrv exposes a small HTTP introspection surface over a
// manager process's live workers. It is purely observability: nothing in
// the protocol depends on it, and a manager that never starts one behaves
// identically.
package debugsrv

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// Inspector is anything debugsrv can report on. *worker.Handle satisfies
// this without debugsrv importing package worker, keeping the dependency
// pointed the right way (ambient tooling depends on core, never the
// reverse).
type Inspector interface {
	Pid() int
	Terminated() bool
}

// Server is a minimal HTTP server reporting the liveness of a fixed set of
// workers registered with it.
type Server struct {
	log    *zap.SugaredLogger
	server *http.Server

	mu      sync.Mutex
	workers map[string]Inspector
}

// New builds a Server. Workers can be added with Track before or after
// Run; Run itself only returns once the server stops.
func New(log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{
		log:     log.Named("debugsrv"),
		workers: make(map[string]Inspector),
	}
}

// Track registers a worker under name so it shows up in GET /workers.
func (s *Server) Track(name string, w Inspector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[name] = w
}

type workerStatus struct {
	Name       string `json:"name"`
	PID        int    `json:"pid"`
	Terminated bool   `json:"terminated"`
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.mu.Lock()
	statuses := make([]workerStatus, 0, len(s.workers))
	for name, inspector := range s.workers {
		statuses = append(statuses, workerStatus{
			Name:       name,
			PID:        inspector.Pid(),
			Terminated: inspector.Terminated(),
		})
	}
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(statuses); err != nil {
		s.log.Debugf("error encoding worker list: %s", err)
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	fmt.Fprintln(w, "ok")
}

// Run listens on addr and serves until the listener is closed or the
// process calls Close. It returns nil on a clean shutdown.
func (s *Server) Run(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("debugsrv: listening on %s: %w", addr, err)
	}

	router := httprouter.New()
	router.GET("/healthz", s.healthz)
	router.GET("/workers", s.listWorkers)

	s.server = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	err = s.server.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the server down.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.server.Close()
}
