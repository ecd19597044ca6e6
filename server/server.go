// Package server exposes the VM over Connect/gRPC and the Language Server
// Protocol.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/tliron/commonlog"

	"github.com/kolzuk/ana-language/journal"
)

var log = commonlog.GetLogger("ana.server")

// ExecServer serves the execution service. It speaks HTTP/1.1 for Connect
// clients and unencrypted HTTP/2 for gRPC clients on the same port.
type ExecServer struct {
	worker  *Worker
	runs    *RunStore
	journal *journal.Journal
	mux     *http.ServeMux
	http    *http.Server

	stopSweeper func()
}

// ServerOption configures an ExecServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	exec          ExecOptions
	journal       *journal.Journal
	runTTL        time.Duration
	sweepInterval time.Duration
}

// WithExecOptions sets the defaults applied to every run.
func WithExecOptions(opts ExecOptions) ServerOption {
	return func(c *serverConfig) { c.exec = opts }
}

// WithJournal records every finished run in j.
func WithJournal(j *journal.Journal) ServerOption {
	return func(c *serverConfig) { c.journal = j }
}

// WithRunTTL sets how long an unread run stays in memory and how often
// expired runs are swept.
func WithRunTTL(ttl, sweepInterval time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.runTTL = ttl
		c.sweepInterval = sweepInterval
	}
}

// New creates an ExecServer.
func New(opts ...ServerOption) *ExecServer {
	cfg := &serverConfig{
		exec:          DefaultExecOptions(),
		runTTL:        30 * time.Minute,
		sweepInterval: time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	worker := NewWorker()
	runs := NewRunStore()

	s := &ExecServer{
		worker:  worker,
		runs:    runs,
		journal: cfg.journal,
		mux:     http.NewServeMux(),
	}

	execSvc := NewExecutionService(worker, runs, cfg.journal, cfg.exec)
	execPath, execHandler := NewExecutionServiceHandler(execSvc)
	s.mux.Handle(execPath, execHandler)

	var protocols http.Protocols
	protocols.SetHTTP1(true)
	protocols.SetUnencryptedHTTP2(true)
	s.http = &http.Server{
		Handler:           s.mux,
		Protocols:         &protocols,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.stopSweeper = runs.StartSweeper(cfg.sweepInterval, cfg.runTTL)

	return s
}

// Handler returns the HTTP handler serving every procedure.
func (s *ExecServer) Handler() http.Handler {
	return s.mux
}

// Runs returns the in-memory run store.
func (s *ExecServer) Runs() *RunStore {
	return s.runs
}

// ListenAndServe starts the HTTP server on the given address.
// The address should be in the form "host:port" or ":port".
func (s *ExecServer) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called.
func (s *ExecServer) Serve(ln net.Listener) error {
	addr := ln.Addr().String()
	log.Noticef("ana execution service listening on %s", addr)
	log.Noticef("  Connect (HTTP/JSON): http://%s%s", addr, RunProcedure)
	log.Noticef("  gRPC (h2c):          grpc://%s", addr)

	err := s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *ExecServer) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.Stop()
	return err
}

// Stop releases the worker and sweeper.
func (s *ExecServer) Stop() {
	if s.stopSweeper != nil {
		s.stopSweeper()
		s.stopSweeper = nil
	}
	s.worker.Stop()
}
