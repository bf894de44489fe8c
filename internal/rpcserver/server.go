// Package rpcserver is the local-socket RPC server described in spec
// §4.5/§4.8: bind/permissions, per-connection newline-JSON framing, request
// dispatch, the three hijack requests (Attach/Events/Shutdown), and
// cooperative shutdown. Grounded on the teacher's internal/daemon package's
// listener-accept-loop shape and original_source/src/server/mod.rs's run().
package rpcserver

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"agentryd/internal/agent"
	"agentryd/internal/config"
	"agentryd/internal/daemonlog"
	"agentryd/internal/eventbus"
	"agentryd/internal/reaper"
	"agentryd/internal/sockpath"
)

// Version is the daemon's reported build version, a fixed constant.
const Version = "0.1.0"

// Server owns the listener, the single agent-table mutex, the event bus,
// and the reaper. It is the one process-wide mutable object named by spec
// §9's "Global state" note, besides the listener and shutdown broadcaster
// it embeds.
type Server struct {
	cfg config.Config
	log *daemonlog.Logger

	mu      sync.Mutex
	manager *agent.Manager
	bus     *eventbus.Bus
	reaper  *reaper.Reaper

	listener  net.Listener
	flock     *flock.Flock
	flockPath string
	sockPath  string

	shutdown chan struct{}
	closed   sync.Once

	wg sync.WaitGroup
}

// New constructs a Server. It does not bind the socket; call Run for that.
func New(cfg config.Config, log *daemonlog.Logger) *Server {
	manager := agent.NewManager()
	bus := eventbus.New()
	s := &Server{
		cfg:      cfg,
		log:      log,
		manager:  manager,
		bus:      bus,
		shutdown: make(chan struct{}),
	}
	s.reaper = reaper.New(manager, s.Lock, s.Unlock, bus, log)
	return s
}

// Lock/Unlock expose the single agent-table mutex to collaborators
// (reaper, attach bridge) that must never touch an Agent without holding
// it, per spec §4.4/§5.
func (s *Server) Lock()   { s.mu.Lock() }
func (s *Server) Unlock() { s.mu.Unlock() }

// Run resolves the socket path, acquires the single-instance lock, binds
// the socket, starts the reaper, and serves connections until Shutdown is
// called or the listener errors. It blocks until the accept loop exits and
// the reaper and every connection handler have returned.
func (s *Server) Run(socketOverride string) error {
	s.sockPath = sockpath.Resolve(socketOverride)
	if err := sockpath.PrepareForBind(s.sockPath); err != nil {
		return err
	}

	s.flockPath = s.sockPath + ".lock"
	fl := flock.New(s.flockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("rpcserver: acquire instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("rpcserver: another daemon instance already holds %s", s.flockPath)
	}
	s.flock = fl

	ln, err := net.Listen("unix", s.sockPath)
	if err != nil {
		_ = s.flock.Unlock()
		return fmt.Errorf("rpcserver: listen on %s: %w", s.sockPath, err)
	}
	if err := sockpath.SecurePermissions(s.sockPath); err != nil {
		_ = ln.Close()
		_ = s.flock.Unlock()
		return fmt.Errorf("rpcserver: chmod %s: %w", s.sockPath, err)
	}
	s.listener = ln

	s.log.DaemonStart(os.Getpid(), s.sockPath, Version)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reaper.Run()
	}()

	go func() {
		<-s.shutdown
		_ = s.listener.Close()
	}()

	s.acceptLoop()
	s.wg.Wait()
	return nil
}

// acceptLoop accepts connections until the listener is closed (which
// Shutdown triggers).
func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Shutdown triggers the broadcast shutdown signal described in spec §4.8:
// the listener closes, the socket path and lock file are unlinked, and the
// reaper stops. Safe to call more than once.
func (s *Server) Shutdown(reason string) {
	s.closed.Do(func() {
		s.log.DaemonShutdown(reason)
		close(s.shutdown)
		s.reaper.Stop()
		if s.flock != nil {
			_ = s.flock.Unlock()
			_ = removeQuiet(s.flockPath)
		}
		_ = removeQuiet(s.sockPath)
	})
}

func removeQuiet(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *Server) newConnID() string {
	return uuid.NewString()
}

func (s *Server) handleConn(conn net.Conn) {
	connID := s.newConnID()
	s.log.ConnOpen(connID)
	defer conn.Close()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		hijacked, closeReason := s.serveOne(connID, conn, reader, writer)
		if hijacked || closeReason != "" {
			s.log.ConnClose(connID, closeReason)
			return
		}
	}
}

// connWriteTimeout bounds how long one event write may block an Events
// stream goroutine, matching the spec's "RPCs are expected to be short"
// guidance in §5. Ordinary request/response writes carry no deadline.
const connWriteTimeout = 5 * time.Second
