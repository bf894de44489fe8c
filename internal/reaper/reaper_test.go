package reaper

import (
	"sync"
	"testing"
	"time"

	"agentryd/internal/agent"
	"agentryd/internal/daemonlog"
	"agentryd/internal/eventbus"
	"agentryd/internal/ptyproc"
)

func newTestServer(t *testing.T) (*agent.Manager, func(), func(), *eventbus.Bus) {
	t.Helper()
	var mu sync.Mutex
	manager := agent.NewManager()
	bus := eventbus.New()
	return manager, mu.Lock, mu.Unlock, bus
}

// TestDrainAndReapOnExit spawns a short-lived child and verifies the
// reaper both captures its output and marks it Exited once it exits,
// matching spec §4.7 steps 2-3.
func TestDrainAndReapOnExit(t *testing.T) {
	manager, lock, unlock, bus := newTestServer(t)
	log := daemonlog.Nop()
	r := New(manager, lock, unlock, bus, log)

	proc, err := ptyproc.Spawn([]string{"sh", "-c", "echo REAPER_TEST; exit 0"}, 24, 80, ptyproc.Env{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	a := agent.New("test-agent", []string{"sh", "-c", "echo REAPER_TEST; exit 0"}, nil, agent.Limits{}, proc, 24, 80, 0)

	lock()
	manager.Add(a)
	unlock()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r.tick()
		lock()
		exited := a.State == agent.Exited
		unlock()
		if exited {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	lock()
	defer unlock()
	if a.State != agent.Exited {
		t.Fatalf("agent never reaped as exited")
	}
	if a.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", a.ExitCode)
	}
	snap := a.Screen.Snapshot()
	if snap == "" {
		t.Fatalf("expected drained output on screen, got empty snapshot")
	}
}

// TestEnforceTimeoutSendsSIGTERMThenSIGKILL exercises the state machine
// named in spec §4.7/§9: Running -> sigterm_sent -> (grace elapsed) sigkill.
func TestEnforceTimeoutSendsSIGTERMThenSIGKILL(t *testing.T) {
	manager, lock, unlock, bus := newTestServer(t)
	log := daemonlog.Nop()
	r := New(manager, lock, unlock, bus, log)

	// The child ignores SIGTERM, so only the SIGKILL escalation can end it.
	argv := []string{"sh", "-c", "trap '' TERM; exec sleep 30"}
	proc, err := ptyproc.Spawn(argv, 24, 80, ptyproc.Env{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	a := agent.New("timeout-agent", argv, nil, agent.Limits{TimeoutSeconds: 0.05}, proc, 24, 80, 0)
	a.StartedAt = time.Now().Add(-1 * time.Second)

	lock()
	manager.Add(a)
	unlock()

	// Give the shell time to install its trap before SIGTERM is sent.
	time.Sleep(100 * time.Millisecond)
	r.tick()

	lock()
	sentAt := a.SIGTERMSentAt
	unlock()
	if sentAt.IsZero() {
		t.Fatalf("expected SIGTERM to have been sent once past the timeout")
	}

	lock()
	a.SIGTERMSentAt = time.Now().Add(-sigkillGrace - time.Second)
	unlock()

	r.tick()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		lock()
		exited := a.State == agent.Exited
		unlock()
		if exited {
			return
		}
		r.tick()
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("agent never exited after SIGKILL escalation")
}
