// Package attach implements the attach bridge described in spec §4.6: once
// a client sends an Attach request, its connection stops being a framed
// JSON loop and becomes a raw bidirectional pipe to an agent's PTY, sharing
// the PTY master with the lifecycle reaper under the same manager lock.
// Grounded on original_source/src/server/agent.rs's attach task and the
// teacher's internal/session/attach package's hijack-the-connection shape.
package attach

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"time"

	"agentryd/internal/agent"
	"agentryd/internal/daemonlog"
	"agentryd/internal/ptyproc"
	"agentryd/internal/protocol"
)

// pollInterval is the bridge loop's cadence for both socket-read polling and
// the master-fd drain/reap check, matching the reaper's tick per spec §4.6.
const pollInterval = 10 * time.Millisecond

// readChunk is the per-tick socket and PTY read buffer size.
const readChunk = 4096

// Bridge runs one attach session to completion. manager/lock/unlock model
// the single agent-table mutex; log is the same instance the RPC server and
// reaper use.
type Bridge struct {
	Manager *agent.Manager
	Lock    func()
	Unlock  func()
	Log     *daemonlog.Logger
}

// Run drives the bridge loop for agent id over conn until the session ends,
// returning the AttachEndReason to report to the client. Readonly sessions
// never forward socket bytes to the PTY. w is the buffered writer the
// caller already owns for conn (so the framed Response layer and the raw
// byte layer share one underlying write path).
func (b *Bridge) Run(conn net.Conn, w *bufio.Writer, id string, readonly bool) protocol.AttachEndReason {
	for {
		reason, handled := b.tick(conn, w, id, readonly)
		if handled {
			return reason
		}
	}
}

// tick performs one poll-cadence unit of work. The second return value is
// true once a terminal AttachEndReason has been produced.
func (b *Bridge) tick(conn net.Conn, w *bufio.Writer, id string, readonly bool) (protocol.AttachEndReason, bool) {
	if !readonly {
		if reason, done := b.pollSocket(conn, id); done {
			return reason, true
		}
	} else {
		// Still bound the wait so the PTY side gets polled at the same
		// cadence; a readonly attach never forwards what it reads.
		_ = conn.SetReadDeadline(time.Now().Add(pollInterval))
		buf := make([]byte, readChunk)
		_, err := conn.Read(buf)
		if err == nil {
			// Client wrote despite readonly; ignore the bytes.
		} else if isClosed(err) {
			return protocol.AttachEndReason{Kind: "detached"}, true
		}
	}

	return b.pollPTY(conn, w, id)
}

// pollSocket waits up to pollInterval for client bytes and, if any arrive,
// forwards them to the PTY master under the manager lock.
func (b *Bridge) pollSocket(conn net.Conn, id string) (protocol.AttachEndReason, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(pollInterval))
	buf := make([]byte, readChunk)
	n, err := conn.Read(buf)
	if err != nil {
		if isTimeout(err) {
			return protocol.AttachEndReason{}, false
		}
		return protocol.AttachEndReason{Kind: "detached"}, true
	}
	if n == 0 {
		return protocol.AttachEndReason{Kind: "detached"}, true
	}

	b.Lock()
	a := b.Manager.Get(id)
	if a == nil {
		b.Unlock()
		return protocol.AttachEndReason{Kind: "agent_exited"}, true
	}
	_, werr := a.PTY.Write(buf[:n])
	b.Unlock()
	if werr != nil {
		msg := werr.Error()
		return protocol.AttachEndReason{Kind: "error", Message: msg}, true
	}
	return protocol.AttachEndReason{}, false
}

// pollPTY is the periodic half of the bridge loop: check for child exit,
// then drain whatever the master has buffered and forward it to the
// socket. Matches spec §4.6's poll-tick branch.
func (b *Bridge) pollPTY(conn net.Conn, w *bufio.Writer, id string) (protocol.AttachEndReason, bool) {
	b.Lock()
	a := b.Manager.Get(id)
	if a == nil {
		b.Unlock()
		return protocol.AttachEndReason{Kind: "agent_exited"}, true
	}

	if code, exited, _ := a.PTY.TryReap(); exited {
		a.MarkExited(code)
		_ = a.PTY.Close()
		b.Unlock()
		return protocol.AttachEndReason{Kind: "agent_exited", ExitCode: &code}, true
	}

	buf := make([]byte, readChunk)
	n, result, err := a.PTY.Read(buf)
	if err != nil {
		b.Unlock()
		return protocol.AttachEndReason{}, false
	}

	switch result {
	case ptyproc.ReadData:
		data := append([]byte(nil), buf[:n]...)
		a.Transcript.Append(time.Now().UnixMilli(), data)
		a.Screen.Process(data)
		b.Unlock()
		if _, werr := w.Write(data); werr != nil {
			return protocol.AttachEndReason{Kind: "error", Message: werr.Error()}, true
		}
		if werr := w.Flush(); werr != nil {
			return protocol.AttachEndReason{Kind: "error", Message: werr.Error()}, true
		}
		return protocol.AttachEndReason{}, false
	case ptyproc.ReadClosed:
		code, exited, _ := a.PTY.TryReap()
		if exited {
			a.MarkExited(code)
			_ = a.PTY.Close()
			b.Unlock()
			return protocol.AttachEndReason{Kind: "agent_exited", ExitCode: &code}, true
		}
		b.Unlock()
		return protocol.AttachEndReason{}, false
	default: // ReadWouldBlock
		b.Unlock()
		return protocol.AttachEndReason{}, false
	}
}

// WriteAttachEnded writes the end-of-session Response as a single framed
// JSON line, using the brittle "starts with '{'" convention described in
// spec §6: clients in the middle of raw-byte streaming detect this frame by
// trying to parse any chunk that begins with '{' as a Response.
func WriteAttachEnded(w *bufio.Writer, reason protocol.AttachEndReason) error {
	resp := protocol.Response{Type: protocol.RespAttachEnd, Reason: &reason}
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Flush()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isClosed(err error) bool {
	return !isTimeout(err)
}
