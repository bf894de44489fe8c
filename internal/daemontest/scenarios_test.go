package daemontest

import (
	"bufio"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"agentryd/internal/protocol"
)

// S1: ping.
func TestScenarioPing(t *testing.T) {
	h := New(t)
	resp, err := h.request(protocol.Request{Type: protocol.ReqPing})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if resp.Type != protocol.RespPong {
		t.Fatalf("ping: got type %q, want %q", resp.Type, protocol.RespPong)
	}
}

// S2: spawn+list+kill.
func TestScenarioSpawnListKill(t *testing.T) {
	h := New(t)
	agent, err := h.Spawn("sleep", "30")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	agents, err := h.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("list: got %d agents, want 1", len(agents))
	}
	if agents[0].State != "running" {
		t.Fatalf("list: state = %q, want running", agents[0].State)
	}
	if strings.Join(agents[0].Command, " ") != "sleep 30" {
		t.Fatalf("list: command = %v", agents[0].Command)
	}

	if err := agent.Signal(9); err != nil {
		t.Fatalf("kill: %v", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for {
		agents, err := h.List()
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if agents[0].State == "exited" {
			if agents[0].ExitCode == nil {
				t.Fatalf("list: exited agent has no exit code")
			}
			code := *agents[0].ExitCode
			if code != 128+9 && code != 137 {
				t.Fatalf("list: exit_code = %d, want 128+9 or 137", code)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent never reaped as exited within 500ms")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// S3: echo round-trip.
func TestScenarioEchoRoundTrip(t *testing.T) {
	h := New(t)
	agent, err := h.Spawn("bash")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if err := agent.Send("echo BOTTY_TEST_OUTPUT"); err != nil {
		t.Fatalf("send: %v", err)
	}

	snap, err := agent.WaitForContent("BOTTY_TEST_OUTPUT", 2*time.Second)
	if err != nil {
		t.Fatalf("wait for content: %v", err)
	}
	if !strings.Contains(snap, "BOTTY_TEST_OUTPUT") {
		t.Fatalf("snapshot missing expected output: %q", snap)
	}
}

// S4: cursor movement via carriage return.
func TestScenarioCursorMovement(t *testing.T) {
	h := New(t)
	agent, err := h.Spawn("sh", "-c", "printf 'ABC\\rX'; sleep 10")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	snap, err := agent.WaitForContent("XBC", 2*time.Second)
	if err != nil {
		t.Fatalf("wait for content: %v", err)
	}
	if !strings.Contains(snap, "XBC") {
		t.Fatalf("snapshot missing XBC: %q", snap)
	}
	_ = agent.Kill()
}

// S5: attach hijack, then detach on client EOF without affecting the agent.
func TestScenarioAttachHijackDetachOnEOF(t *testing.T) {
	h := New(t)
	agent, err := h.Spawn("bash")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	conn, err := net.Dial("unix", h.SocketPath())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	reader := bufio.NewReader(conn)

	req := protocol.Request{Type: protocol.ReqAttach, ID: agent.ID()}
	if err := protocol.WriteLine(conn, req); err != nil {
		t.Fatalf("write attach request: %v", err)
	}

	line, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read attach_started: %v", err)
	}
	var resp protocol.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("decode attach_started: %v", err)
	}
	if resp.Type != protocol.RespAttachStart {
		t.Fatalf("got response type %q, want %q", resp.Type, protocol.RespAttachStart)
	}

	_ = conn.Close()
	time.Sleep(100 * time.Millisecond)

	agents, err := h.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if agents[0].State != "running" {
		t.Fatalf("agent state after detach = %q, want running", agents[0].State)
	}
	_ = agent.Kill()
}

// S6: attach receives output written after hijack.
func TestScenarioAttachReceivesOutput(t *testing.T) {
	h := New(t)
	agent, err := h.Spawn("bash")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	conn, err := net.Dial("unix", h.SocketPath())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

	req := protocol.Request{Type: protocol.ReqAttach, ID: agent.ID()}
	if err := protocol.WriteLine(conn, req); err != nil {
		t.Fatalf("write attach request: %v", err)
	}
	if _, err := reader.ReadBytes('\n'); err != nil {
		t.Fatalf("read attach_started: %v", err)
	}

	if _, err := conn.Write([]byte("echo ATTACH_TEST_OUTPUT\n")); err != nil {
		t.Fatalf("write to attached session: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	var collected strings.Builder
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := conn.Read(buf)
		if n > 0 {
			collected.Write(buf[:n])
			if strings.Contains(collected.String(), "ATTACH_TEST_OUTPUT") {
				return
			}
		}
		if err != nil {
			break
		}
	}
	t.Fatalf("attach stream never contained ATTACH_TEST_OUTPUT, got: %q", collected.String())
}

// S7: timeout enforcement ends a `sleep 60` agent with a 1s timeout within 7s.
func TestScenarioTimeoutEnforcement(t *testing.T) {
	h := New(t)
	resp, err := h.request(protocol.Request{Type: protocol.ReqSpawn, Argv: []string{"sleep", "60"}, Timeout: 1})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if resp.Type != protocol.RespSpawned {
		t.Fatalf("spawn: unexpected response %q: %s", resp.Type, resp.Message)
	}
	agent := &AgentHandle{id: resp.ID, h: h}

	deadline := time.Now().Add(7 * time.Second)
	for {
		agents, err := h.List()
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if agents[0].State == "exited" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent never exited within 7s of a 1s timeout")
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = agent
}
