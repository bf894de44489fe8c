package rpcserver

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strconv"
	"syscall"
	"time"

	"agentryd/internal/agent"
	"agentryd/internal/attach"
	"agentryd/internal/protocol"
	"agentryd/internal/ptyproc"
	"agentryd/internal/transcript"
)

// serveOne reads and handles exactly one request. hijacked is true if the
// connection was handed over to a streaming mode (and the caller should
// stop looping); closeReason is non-empty if the connection should be
// closed (EOF or a read error), in which case hijacked may be false.
func (s *Server) serveOne(connID string, conn net.Conn, r *bufio.Reader, w *bufio.Writer) (hijacked bool, closeReason string) {
	req, err := protocol.ReadRequest(r)
	if err != nil {
		if errors.Is(err, protocol.ErrMalformed) {
			s.reply(w, protocol.Response{Type: protocol.RespError, Message: "malformed request"})
			s.log.RPCError(connID, "", "malformed request")
			return false, ""
		}
		if errors.Is(err, io.EOF) {
			return false, "eof"
		}
		return false, "read error: " + err.Error()
	}

	switch req.Type {
	case protocol.ReqAttach:
		s.handleAttach(w, conn, req)
		return true, "attach ended"
	case protocol.ReqEvents:
		s.handleEvents(w, conn, req)
		return true, "events ended"
	case protocol.ReqShutdown:
		s.reply(w, protocol.Response{Type: protocol.RespOk})
		go s.Shutdown("client requested shutdown")
		return true, "shutdown requested"
	}

	resp := s.dispatch(connID, req)
	if resp.Type == protocol.RespError {
		s.log.RPCError(connID, req.Type, resp.Message)
	}
	s.reply(w, resp)
	return false, ""
}

func (s *Server) reply(w *bufio.Writer, resp protocol.Response) {
	_ = protocol.WriteLine(w, resp)
	_ = w.Flush()
}

func errorResponse(msg string) protocol.Response {
	return protocol.Response{Type: protocol.RespError, Message: msg}
}

// dispatch implements the synchronous request table of spec §4.5.
func (s *Server) dispatch(connID string, req protocol.Request) protocol.Response {
	switch req.Type {
	case protocol.ReqPing:
		return protocol.Response{Type: protocol.RespPong}
	case protocol.ReqSpawn:
		return s.doSpawn(req)
	case protocol.ReqList:
		return s.doList(req)
	case protocol.ReqKill:
		return s.doKill(req)
	case protocol.ReqSend:
		return s.doSend(req)
	case protocol.ReqSendByte:
		return s.doSendBytes(req)
	case protocol.ReqResize:
		return s.doResize(req)
	case protocol.ReqTail:
		return s.doTail(req)
	case protocol.ReqDump:
		return s.doDump(req)
	case protocol.ReqSnapshot:
		return s.doSnapshot(req)
	default:
		return errorResponse("unknown request type: " + req.Type)
	}
}

func (s *Server) doSpawn(req protocol.Request) protocol.Response {
	if len(req.Argv) == 0 {
		return errorResponse("spawn: argv must be non-empty")
	}
	rows, cols := req.Rows, req.Cols
	if rows <= 0 {
		rows = protocol.DefaultRows
	}
	if cols <= 0 {
		cols = protocol.DefaultCols
	}

	s.Lock()
	defer s.Unlock()

	id := req.Name
	if id == "" {
		id = s.manager.GenerateID()
	} else if !s.manager.NameAvailable(id) {
		return errorResponse("spawn: name already in use by a running agent: " + id)
	} else {
		s.manager.Remove(id)
	}

	proc, err := ptyproc.Spawn(req.Argv, rows, cols, ptyproc.Env{Clear: req.EnvClr, Vars: req.EnvVars})
	if err != nil {
		return errorResponse("spawn: " + err.Error())
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeoutSecs
	}
	limits := agent.Limits{TimeoutSeconds: timeout, MaxOutputBytes: req.MaxOut}
	a := agent.New(id, req.Argv, req.Labels, limits, proc, rows, cols, s.cfg.DefaultMaxOutputBytes)
	s.manager.Add(a)

	s.log.AgentSpawned(id, proc.PID(), req.Argv)
	s.bus.Publish(protocol.Event{Kind: "spawned", ID: id, PID: proc.PID(), Argv: req.Argv, Labels: req.Labels})

	return protocol.Response{Type: protocol.RespSpawned, ID: id, PID: proc.PID()}
}

func (s *Server) doList(req protocol.Request) protocol.Response {
	s.Lock()
	defer s.Unlock()

	var out []protocol.AgentInfo
	for _, a := range s.manager.List() {
		if !a.HasLabels(req.Labels) {
			continue
		}
		out = append(out, agentInfo(a))
	}
	return protocol.Response{Type: protocol.RespAgents, Agents: out}
}

func agentInfo(a *agent.Agent) protocol.AgentInfo {
	state := "running"
	var exitCode *int
	if a.State == agent.Exited {
		state = "exited"
		code := a.ExitCode
		exitCode = &code
	}
	rows, cols := a.Screen.Size()
	return protocol.AgentInfo{
		ID:          a.ID,
		PID:         a.PTY.PID(),
		State:       state,
		Command:     a.Command,
		Labels:      a.Labels,
		Size:        [2]int{rows, cols},
		StartedAtMS: a.StartedAt.UnixMilli(),
		ExitCode:    exitCode,
	}
}

func (s *Server) doKill(req protocol.Request) protocol.Response {
	signal := req.Signal
	if signal == 0 {
		signal = protocol.DefaultSignal
	}
	if signal < 1 || signal > 31 {
		return errorResponse("kill: signal out of range [1,31]")
	}
	if req.ID == "" && !req.All && len(req.Labels) == 0 {
		return errorResponse("kill: must select at least one target")
	}

	s.Lock()
	defer s.Unlock()

	var targets []*agent.Agent
	if req.ID != "" {
		if a := s.manager.Get(req.ID); a != nil {
			targets = append(targets, a)
		}
	} else {
		for _, a := range s.manager.List() {
			if a.HasLabels(req.Labels) {
				targets = append(targets, a)
			}
		}
	}

	for _, a := range targets {
		if !a.IsRunning() {
			continue
		}
		a.MarkKillRequested()
		_ = a.PTY.Signal(syscall.Signal(signal))
	}
	return protocol.Response{Type: protocol.RespOk}
}

func (s *Server) doSend(req protocol.Request) protocol.Response {
	s.Lock()
	defer s.Unlock()

	a := s.manager.Get(req.ID)
	if a == nil {
		return errorResponse("send: no such agent: " + req.ID)
	}
	text := req.Text
	if req.Newline {
		text += "\n"
	}
	if _, err := a.PTY.Write([]byte(text)); err != nil {
		return errorResponse("send: " + err.Error())
	}
	return protocol.Response{Type: protocol.RespOk}
}

func (s *Server) doSendBytes(req protocol.Request) protocol.Response {
	s.Lock()
	defer s.Unlock()

	a := s.manager.Get(req.ID)
	if a == nil {
		return errorResponse("send_bytes: no such agent: " + req.ID)
	}
	if _, err := a.PTY.Write(req.Bytes); err != nil {
		return errorResponse("send_bytes: " + err.Error())
	}
	return protocol.Response{Type: protocol.RespOk}
}

func (s *Server) doResize(req protocol.Request) protocol.Response {
	rows, cols := req.Rows, req.Cols
	if rows <= 0 {
		rows = protocol.DefaultRows
	}
	if cols <= 0 {
		cols = protocol.DefaultCols
	}

	s.Lock()
	defer s.Unlock()

	a := s.manager.Get(req.ID)
	if a == nil {
		return errorResponse("resize: no such agent: " + req.ID)
	}
	if err := a.PTY.Resize(rows, cols); err != nil {
		return errorResponse("resize: " + err.Error())
	}
	a.Screen.Resize(rows, cols)
	return protocol.Response{Type: protocol.RespOk}
}

func (s *Server) doTail(req protocol.Request) protocol.Response {
	s.Lock()
	defer s.Unlock()

	a := s.manager.Get(req.ID)
	if a == nil {
		return errorResponse("tail: no such agent: " + req.ID)
	}
	return protocol.Response{Type: protocol.RespOutput, Data: a.Transcript.AllBytes()}
}

func (s *Server) doDump(req protocol.Request) protocol.Response {
	s.Lock()
	defer s.Unlock()

	a := s.manager.Get(req.ID)
	if a == nil {
		return errorResponse("dump: no such agent: " + req.ID)
	}

	if req.Format == "bytes" {
		var data []byte
		if req.Since != nil {
			for _, e := range a.Transcript.Since(*req.Since) {
				data = append(data, e.Data...)
			}
		} else {
			data = a.Transcript.AllBytes()
		}
		return protocol.Response{Type: protocol.RespOutput, Data: data}
	}

	var entries []protocol.TranscriptEntry
	var source []transcript.Entry
	if req.Since != nil {
		source = a.Transcript.Since(*req.Since)
	} else {
		source = a.Transcript.All()
	}
	for _, e := range source {
		entries = append(entries, protocol.TranscriptEntry{TimestampMS: e.TimestampMS, Data: e.Data})
	}
	return protocol.Response{Type: protocol.RespTranscript, Entries: entries}
}

func (s *Server) doSnapshot(req protocol.Request) protocol.Response {
	s.Lock()
	defer s.Unlock()

	a := s.manager.Get(req.ID)
	if a == nil {
		return errorResponse("snapshot: no such agent: " + req.ID)
	}

	strip := protocol.DefaultStripColors
	if req.StripColors != nil {
		strip = *req.StripColors
	}

	var content string
	if strip {
		content = a.Screen.Snapshot()
	} else {
		content = a.Screen.ContentsFormatted()
	}
	row, col := a.Screen.CursorPosition()
	rows, cols := a.Screen.Size()
	return protocol.Response{
		Type:    protocol.RespSnapshot,
		Content: content,
		Cursor:  [2]int{row, col},
		Size:    [2]int{rows, cols},
	}
}

// handleAttach implements spec §4.6's five-step sequence, delegating the
// bridge loop itself to package attach.
func (s *Server) handleAttach(w *bufio.Writer, conn net.Conn, req protocol.Request) {
	s.Lock()
	a := s.manager.Get(req.ID)
	if a == nil || !a.IsRunning() {
		s.Unlock()
		s.reply(w, errorResponse("attach: no such running agent: "+req.ID))
		return
	}
	a.Attached = true
	rows, cols := a.Screen.Size()
	s.Unlock()

	s.reply(w, protocol.Response{Type: protocol.RespAttachStart, ID: req.ID, Size: [2]int{rows, cols}})

	bridge := attach.Bridge{Manager: s.manager, Lock: s.Lock, Unlock: s.Unlock, Log: s.log}
	reason := bridge.Run(conn, w, req.ID, req.Readonly)

	s.Lock()
	if live := s.manager.Get(req.ID); live != nil {
		live.Attached = false
	}
	s.Unlock()

	_ = attach.WriteAttachEnded(w, reason)
}

// handleEvents implements the Events hijack branch of spec §4.5: subscribe
// to the broadcast bus, filter, and forward until the client disconnects.
func (s *Server) handleEvents(w *bufio.Writer, conn net.Conn, req protocol.Request) {
	sub := s.bus.Subscribe()
	defer sub.Unsubscribe()

	filter := make(map[string]struct{}, len(req.Filter))
	for _, k := range req.Filter {
		filter[k] = struct{}{}
	}

	done := make(chan struct{})
	go func() {
		// Detect client disconnect even though Events never reads
		// requests again; a zero-length read signals EOF/close.
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
		close(done)
	}()

	for {
		select {
		case <-done:
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if lag := sub.Lagged(); lag > 0 {
				s.log.RPCError("events", "events", "subscriber lagged by "+strconv.FormatInt(lag, 10))
			}
			if len(filter) > 0 {
				if _, keep := filter[evt.Kind]; !keep {
					continue
				}
			}
			if evt.Kind == "output" && !req.IncludeOutput {
				continue
			}
			evtCopy := evt
			_ = conn.SetWriteDeadline(time.Now().Add(connWriteTimeout))
			if err := protocol.WriteLine(w, protocol.Response{Type: protocol.RespEvent, Event: &evtCopy}); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}
