// Package reaper implements the lifecycle reaper described in spec §4.7: a
// cooperative task on a 10ms tick that drains PTY output into transcript
// and screen, detects child exit, and enforces per-agent timeouts with a
// SIGTERM-then-SIGKILL grace period. Grounded on
// original_source/src/server/mod.rs's pty_reader_task.
package reaper

import (
	"syscall"
	"time"

	"agentryd/internal/agent"
	"agentryd/internal/daemonlog"
	"agentryd/internal/eventbus"
	"agentryd/internal/protocol"
	"agentryd/internal/ptyproc"
)

// Tick is the reaper's poll cadence, named by spec §2/§4.7.
const Tick = 10 * time.Millisecond

// sigkillGrace is the wall-clock delay after SIGTERM before escalating to
// SIGKILL, named by spec §4.7.
const sigkillGrace = 5 * time.Second

// readChunk is the per-agent per-tick read buffer size.
const readChunk = 4096

// Reaper owns the background drain/timeout-enforcement loop. lock/unlock
// model the same mutex the RPC server guards the agent table with — the
// reaper never touches an Agent without holding it, and always re-fetches
// the Agent from the manager after reacquiring the lock rather than
// trusting a pointer captured earlier in the tick.
type Reaper struct {
	manager *agent.Manager
	lock    func()
	unlock  func()
	bus     *eventbus.Bus
	log     *daemonlog.Logger

	stop chan struct{}
	done chan struct{}
}

// New constructs a Reaper sharing the manager's external lock/unlock pair.
func New(manager *agent.Manager, lock, unlock func(), bus *eventbus.Bus, log *daemonlog.Logger) *Reaper {
	return &Reaper{
		manager: manager,
		lock:    lock,
		unlock:  unlock,
		bus:     bus,
		log:     log,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run blocks, ticking every Tick until Stop is called.
func (r *Reaper) Run() {
	defer close(r.done)
	ticker := time.NewTicker(Tick)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

// Stop signals Run to return and waits for it to do so.
func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Reaper) tick() {
	r.lock()
	ids := make([]string, 0)
	for _, a := range r.manager.List() {
		ids = append(ids, a.ID)
	}
	r.unlock()

	buf := make([]byte, readChunk)
	for _, id := range ids {
		r.tickAgent(id, buf)
	}
}

func (r *Reaper) tickAgent(id string, buf []byte) {
	r.lock()
	defer r.unlock()

	a := r.manager.Get(id)
	if a == nil || !a.IsRunning() || a.Attached {
		return
	}

	r.drain(a, buf)
	if a.State == agent.Exited {
		return
	}
	r.enforceTimeout(a)
}

// drain reads whatever output is currently buffered, feeds it to the
// transcript and virtual screen, and checks for child exit. Called with the
// manager lock held.
func (r *Reaper) drain(a *agent.Agent, buf []byte) {
	for {
		n, result, err := a.PTY.Read(buf)
		if err != nil {
			r.reap(a)
			return
		}
		switch result {
		case ptyproc.ReadData:
			data := append([]byte(nil), buf[:n]...)
			a.Transcript.Append(nowMS(), data)
			a.Screen.Process(data)
			r.bus.Publish(protocol.Event{Kind: "output", ID: a.ID, Data: data})
			if n < len(buf) {
				// Short read: the PTY buffer is drained for this tick.
				return
			}
		case ptyproc.ReadWouldBlock:
			return
		case ptyproc.ReadClosed:
			r.reap(a)
			return
		}
	}
}

// reap attempts a non-blocking wait; if the child has not actually exited
// yet (TryReap still returns false, e.g. EIO fired slightly ahead of the
// kernel marking the child a zombie) it leaves the agent Running for the
// next tick to retry.
func (r *Reaper) reap(a *agent.Agent) {
	code, exited, err := a.PTY.TryReap()
	if err != nil || !exited {
		return
	}
	a.MarkExited(code)
	_ = a.PTY.Close()
	r.log.AgentExited(a.ID, code, exitReasonString(a.ExitReason))
	ec := code
	r.bus.Publish(protocol.Event{Kind: "exited", ID: a.ID, ExitCode: &ec})
}

// enforceTimeout escalates a running agent past its configured wall-clock
// budget: first SIGTERM, then SIGKILL after sigkillGrace if the child has
// not exited by the next ticks.
func (r *Reaper) enforceTimeout(a *agent.Agent) {
	if a.Limits.TimeoutSeconds <= 0 {
		return
	}
	deadline := a.StartedAt.Add(time.Duration(a.Limits.TimeoutSeconds * float64(time.Second)))
	now := time.Now()

	if a.SIGTERMSentAt.IsZero() {
		if now.Before(deadline) {
			return
		}
		a.SIGTERMSentAt = now
		_ = a.PTY.Signal(syscall.SIGTERM)
		r.log.TimeoutSIGTERM(a.ID)
		return
	}

	if now.Sub(a.SIGTERMSentAt) >= sigkillGrace {
		_ = a.PTY.Signal(syscall.SIGKILL)
		r.log.TimeoutSIGKILL(a.ID)
	}
}

func exitReasonString(reason agent.ExitReason) string {
	switch reason {
	case agent.ReasonTimeout:
		return "timeout"
	case agent.ReasonKilled:
		return "killed"
	default:
		return "normal"
	}
}

// nowMS returns the current time in epoch milliseconds for transcript
// timestamps.
func nowMS() int64 {
	return time.Now().UnixMilli()
}
