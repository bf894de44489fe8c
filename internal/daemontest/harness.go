// Package daemontest is an in-process test harness that starts a real
// rpcserver.Server against a temp-dir socket and drives it over the actual
// wire protocol, grounded on original_source/src/testing.rs's
// TestHarness/AgentHandle pair (spawn/send/snapshot/wait_for_* ergonomics),
// translated from async Rust into a synchronous, mutex-guarded Go client.
package daemontest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"agentryd/internal/config"
	"agentryd/internal/daemonlog"
	"agentryd/internal/protocol"
	"agentryd/internal/rpcserver"
)

// ErrTimeout is returned by the Wait* helpers when the deadline elapses
// before the condition is met.
var ErrTimeout = errors.New("daemontest: timed out waiting for condition")

// Harness owns a live daemon and one client connection to it.
type Harness struct {
	t          *testing.T
	srv        *rpcserver.Server
	socketPath string

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

// New starts a daemon bound to a socket under t.TempDir() and connects to
// it, failing the test immediately on any startup error.
func New(t *testing.T) *Harness {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "agentryd.sock")

	srv := rpcserver.New(config.Default(), daemonlog.Nop())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(socketPath)
	}()

	var conn net.Conn
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-errCh:
			t.Fatalf("daemontest: server exited during startup: %v", err)
		default:
		}
		c, err := net.Dial("unix", socketPath)
		if err == nil {
			conn = c
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if conn == nil {
		t.Fatalf("daemontest: daemon never became reachable at %s", socketPath)
	}

	h := &Harness{
		t:          t,
		srv:        srv,
		socketPath: socketPath,
		conn:       conn,
		reader:     bufio.NewReader(conn),
		writer:     bufio.NewWriter(conn),
	}
	t.Cleanup(func() {
		_ = h.conn.Close()
		h.srv.Shutdown("test cleanup")
	})
	return h
}

// SocketPath returns the bound Unix socket path, for tests that want to
// open an independent raw connection (attach scenarios).
func (h *Harness) SocketPath() string {
	return h.socketPath
}

// request sends req and returns the single decoded response line. Callers
// must not invoke request for a request type that hijacks the connection
// (Attach/Events/Shutdown) — those need a dedicated raw connection.
func (h *Harness) request(req protocol.Request) (protocol.Response, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := protocol.WriteLine(h.writer, req); err != nil {
		return protocol.Response{}, err
	}
	if err := h.writer.Flush(); err != nil {
		return protocol.Response{}, err
	}

	line, err := h.reader.ReadBytes('\n')
	if err != nil {
		return protocol.Response{}, err
	}
	var resp protocol.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return protocol.Response{}, err
	}
	return resp, nil
}

// Spawn starts argv with a 24x80 terminal.
func (h *Harness) Spawn(argv ...string) (*AgentHandle, error) {
	return h.SpawnWithSize(argv, protocol.DefaultRows, protocol.DefaultCols)
}

// SpawnWithSize starts argv with the given terminal size.
func (h *Harness) SpawnWithSize(argv []string, rows, cols int) (*AgentHandle, error) {
	resp, err := h.request(protocol.Request{Type: protocol.ReqSpawn, Argv: argv, Rows: rows, Cols: cols})
	if err != nil {
		return nil, err
	}
	if resp.Type == protocol.RespError {
		return nil, fmt.Errorf("daemontest: spawn: %s", resp.Message)
	}
	if resp.Type != protocol.RespSpawned {
		return nil, fmt.Errorf("daemontest: spawn: unexpected response type %q", resp.Type)
	}
	return &AgentHandle{id: resp.ID, h: h}, nil
}

// List returns every agent currently known to the daemon.
func (h *Harness) List() ([]protocol.AgentInfo, error) {
	resp, err := h.request(protocol.Request{Type: protocol.ReqList})
	if err != nil {
		return nil, err
	}
	if resp.Type == protocol.RespError {
		return nil, fmt.Errorf("daemontest: list: %s", resp.Message)
	}
	return resp.Agents, nil
}

// Shutdown asks the daemon to stop over the wire, exercising the same path
// a real client would (rather than calling srv.Shutdown directly).
func (h *Harness) Shutdown() error {
	_, err := h.request(protocol.Request{Type: protocol.ReqShutdown})
	return err
}

// AgentHandle is a convenience wrapper around one spawned agent's id.
type AgentHandle struct {
	id string
	h  *Harness
}

// ID returns the agent's daemon-assigned id.
func (a *AgentHandle) ID() string { return a.id }

// Send writes text followed by a newline.
func (a *AgentHandle) Send(text string) error {
	return a.sendRaw(text, true)
}

// SendNoNewline writes text with no trailing newline.
func (a *AgentHandle) SendNoNewline(text string) error {
	return a.sendRaw(text, false)
}

func (a *AgentHandle) sendRaw(text string, newline bool) error {
	resp, err := a.h.request(protocol.Request{Type: protocol.ReqSend, ID: a.id, Text: text, Newline: newline})
	if err != nil {
		return err
	}
	if resp.Type == protocol.RespError {
		return fmt.Errorf("daemontest: send: %s", resp.Message)
	}
	return nil
}

// SendBytes writes raw bytes to the agent's PTY.
func (a *AgentHandle) SendBytes(data []byte) error {
	resp, err := a.h.request(protocol.Request{Type: protocol.ReqSendByte, ID: a.id, Bytes: data})
	if err != nil {
		return err
	}
	if resp.Type == protocol.RespError {
		return fmt.Errorf("daemontest: send_bytes: %s", resp.Message)
	}
	return nil
}

// Snapshot returns the agent's plain-text screen contents.
func (a *AgentHandle) Snapshot() (string, error) {
	strip := true
	resp, err := a.h.request(protocol.Request{Type: protocol.ReqSnapshot, ID: a.id, StripColors: &strip})
	if err != nil {
		return "", err
	}
	if resp.Type == protocol.RespError {
		return "", fmt.Errorf("daemontest: snapshot: %s", resp.Message)
	}
	return resp.Content, nil
}

// Contains reports whether the current snapshot contains needle.
func (a *AgentHandle) Contains(needle string) (bool, error) {
	snap, err := a.Snapshot()
	if err != nil {
		return false, err
	}
	return bytes.Contains([]byte(snap), []byte(needle)), nil
}

// WaitForContent polls Snapshot every 50ms until it contains needle or the
// timeout elapses.
func (a *AgentHandle) WaitForContent(needle string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		snap, err := a.Snapshot()
		if err != nil {
			return "", err
		}
		if bytes.Contains([]byte(snap), []byte(needle)) {
			return snap, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return "", ErrTimeout
}

// WaitForStable polls Snapshot every 50ms until it has been unchanged for
// stableFor, or the overall timeout elapses.
func (a *AgentHandle) WaitForStable(stableFor, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	last, err := a.Snapshot()
	if err != nil {
		return "", err
	}
	stableSince := time.Now()

	for time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
		cur, err := a.Snapshot()
		if err != nil {
			return "", err
		}
		if cur == last {
			if time.Since(stableSince) >= stableFor {
				return cur, nil
			}
		} else {
			last = cur
			stableSince = time.Now()
		}
	}
	return "", ErrTimeout
}

// Kill sends SIGKILL.
func (a *AgentHandle) Kill() error {
	return a.Signal(9)
}

// Signal sends the given signal number to the agent.
func (a *AgentHandle) Signal(sig int) error {
	resp, err := a.h.request(protocol.Request{Type: protocol.ReqKill, ID: a.id, Signal: sig})
	if err != nil {
		return err
	}
	if resp.Type == protocol.RespError {
		return fmt.Errorf("daemontest: kill: %s", resp.Message)
	}
	return nil
}
